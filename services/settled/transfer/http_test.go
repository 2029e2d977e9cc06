package transfer

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu        sync.Mutex
	transfers map[string]string
	submits   int
	auth      string
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = r.Header.Get("Authorization")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/transfers":
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		f.submits++
		if _, ok := f.transfers[req.CorrelationID]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.transfers[req.CorrelationID] = "submitted"
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(statusResponse{CorrelationID: req.CorrelationID, Reference: "ref-" + req.CorrelationID, Status: "submitted"})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/transfers/"):
		id := strings.TrimPrefix(r.URL.Path, "/transfers/")
		status, ok := f.transfers[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(statusResponse{CorrelationID: id, Status: status})
	default:
		http.NotFound(w, r)
	}
}

func TestClientSubmitAndStatus(t *testing.T) {
	svc := &fakeService{transfers: map[string]string{}}
	server := httptest.NewServer(svc)
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL + "/", APIKey: "secret"})
	require.NoError(t, err)

	ctx := context.Background()
	status, err := client.Status(ctx, "yield_claim-abc")
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, status)

	handle, err := client.Submit(ctx, "yield_claim-abc", "treasury", "alice", big.NewInt(500))
	require.NoError(t, err)
	require.Equal(t, StatusPending, handle.Status)
	require.Equal(t, "ref-yield_claim-abc", handle.Reference)
	require.Equal(t, "Bearer secret", svc.auth)

	_, err = client.Submit(ctx, "yield_claim-abc", "treasury", "alice", big.NewInt(500))
	require.NoError(t, err, "resubmission of a known id is accepted")
	require.Equal(t, 2, svc.submits)

	svc.mu.Lock()
	svc.transfers["yield_claim-abc"] = "settled"
	svc.mu.Unlock()
	status, err = client.Status(ctx, "yield_claim-abc")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, status)
}

func TestClientRejectsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)
	_, err = client.Submit(context.Background(), "bid_refund-1", "escrow", "bob", big.NewInt(1))
	require.ErrorContains(t, err, "unexpected status 502")
	_, err = client.Status(context.Background(), "bid_refund-1")
	require.Error(t, err)
	_, err = client.Submit(context.Background(), "bid_refund-1", "escrow", "bob", big.NewInt(0))
	require.Error(t, err)
}

func TestFuncAdapter(t *testing.T) {
	var empty Func
	_, err := empty.Submit(context.Background(), "x", "a", "b", big.NewInt(1))
	require.ErrorIs(t, err, ErrNotConfigured)

	status, ok := ParseStatus(" Rejected ")
	require.True(t, ok)
	require.Equal(t, StatusFailed, status)
	_, ok = ParseStatus("lost")
	require.False(t, ok)
}
