package settled

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"guardiansettle/core/intent"
	"guardiansettle/services/settled/transfer"
)

type apiHarness struct {
	*fixture
	hub    *EventHub
	server *Server
}

func newAPI(t *testing.T, cfg ServerConfig, opts ...Option) *apiHarness {
	t.Helper()
	f := newFixture(t, opts...)
	hub := NewEventHub()
	f.coord.Auctions().SetEmitter(hub)
	f.coord.Yield().SetEmitter(hub)
	f.coord.Staking().SetEmitter(hub)

	cfg.Auth = newTestAuthenticator(t, AuthConfig{})
	cfg.Hub = hub
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := NewServer(f.coord, cfg)
	require.NoError(t, err)
	return &apiHarness{fixture: f, hub: hub, server: server}
}

func (h *apiHarness) token(t *testing.T, caller string, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": caller}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	return signToken(t, testSecret, claims)
}

func (h *apiHarness) do(t *testing.T, method, path, caller string, body interface{}, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, caller, scopes...))
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func requireErrorKind(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) errorBody {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	var body errorBody
	decodeBody(t, rec, &body)
	require.Equal(t, kind, body.Error)
	return body
}

func TestHealthzIsPublic(t *testing.T) {
	h := newAPI(t, ServerConfig{})
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/claims", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuctionLifecycleOverHTTP(t *testing.T) {
	h := newAPI(t, ServerConfig{})

	rec := h.do(t, http.MethodPost, "/v1/auctions", "alice", createAuctionRequest{
		ContentHash:     testContentHash,
		ReservePrice:    "100",
		DurationSeconds: 60,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created auctionView
	decodeBody(t, rec, &created)
	require.Equal(t, "alice", created.Creator)
	require.Equal(t, "active", created.Status)

	bidPath := "/v1/auctions/" + created.ID + "/bids"
	requireErrorKind(t, h.do(t, http.MethodPost, bidPath, "alice", amountRequest{Amount: "150"}), http.StatusForbidden, "NotAuthorized")
	requireErrorKind(t, h.do(t, http.MethodPost, bidPath, "bob", amountRequest{Amount: "50"}), http.StatusConflict, "BidTooLow")

	rec = h.do(t, http.MethodPost, bidPath, "bob", amountRequest{Amount: "150"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodPost, bidPath, "carol", amountRequest{Amount: "200"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var placed placeBidResponse
	decodeBody(t, rec, &placed)
	require.Equal(t, "carol", placed.Auction.HighestBidder)
	require.NotEmpty(t, placed.RefundIntent)
	require.Equal(t, 1, h.transfer.submitted(placed.RefundIntent))

	rec = h.do(t, http.MethodGet, bidPath, "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bids []bidView
	decodeBody(t, rec, &bids)
	require.Len(t, bids, 2)
	require.Equal(t, "pending", bids[0].Refund)

	sealPath := "/v1/auctions/" + created.ID + "/seal"
	requireErrorKind(t, h.do(t, http.MethodPost, sealPath, "alice", nil), http.StatusTooEarly, "TooEarly")
	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/auctions/"+created.ID+"/cancel", "alice", nil), http.StatusConflict, "HasBids")

	h.clock.Advance(61 * time.Second)
	requireErrorKind(t, h.do(t, http.MethodPost, sealPath, "bob", nil), http.StatusForbidden, "NotAuthorized")
	rec = h.do(t, http.MethodPost, sealPath, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sealed auctionView
	decodeBody(t, rec, &sealed)
	require.Equal(t, "complete", sealed.Status)
	require.True(t, sealed.Attributed)
	requireErrorKind(t, h.do(t, http.MethodPost, sealPath, "alice", nil), http.StatusConflict, "AlreadyFinalized")

	rec = h.do(t, http.MethodGet, "/v1/auctions?status=complete&creator=alice", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []auctionView
	decodeBody(t, rec, &listed)
	require.Len(t, listed, 1)
	requireErrorKind(t, h.do(t, http.MethodGet, "/v1/auctions?status=open", "bob", nil), http.StatusBadRequest, "InvalidArgument")
	requireErrorKind(t, h.do(t, http.MethodGet, "/v1/auctions/missing", "bob", nil), http.StatusNotFound, "NotFound")
}

func TestCreateAuctionRejectsBadInput(t *testing.T) {
	h := newAPI(t, ServerConfig{})
	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/auctions", "alice", createAuctionRequest{
		ContentHash: testContentHash, ReservePrice: "0", DurationSeconds: 60,
	}), http.StatusBadRequest, "InvalidReserve")
	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/auctions", "alice", createAuctionRequest{
		ContentHash: testContentHash, ReservePrice: "ten", DurationSeconds: 60,
	}), http.StatusBadRequest, "InvalidArgument")
	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/auctions", "alice", map[string]interface{}{
		"content_hash": testContentHash, "reserve_price": "10", "duration_seconds": 60, "extra": true,
	}), http.StatusBadRequest, "InvalidArgument")
}

func TestClaimCooldownOverHTTP(t *testing.T) {
	h := newAPI(t, ServerConfig{})
	rec := h.do(t, http.MethodPost, "/v1/earnings", "capsule-service", recordEarningRequest{
		Claimant: "alice", CapsuleID: "cap-1", Amount: "500", Model: "subscription", Ref: "sub-1",
	}, ScopeRevenue)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodPost, "/v1/earnings", "capsule-service", recordEarningRequest{
		Claimant: "alice", CapsuleID: "cap-1", Amount: "500", Model: "subscription", Ref: "sub-1",
	}, ScopeRevenue)
	require.Equal(t, http.StatusOK, rec.Code, "replayed earnings are not recorded twice")

	rec = h.do(t, http.MethodPost, "/v1/earnings", "alice", recordEarningRequest{
		Claimant: "alice", CapsuleID: "cap-1", Amount: "500", Model: "subscription", Ref: "sub-2",
	})
	require.Equal(t, http.StatusForbidden, rec.Code, "recording earnings needs the revenue scope")

	rec = h.do(t, http.MethodGet, "/v1/claims/cap-1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var claimable map[string]string
	decodeBody(t, rec, &claimable)
	require.Equal(t, "500", claimable["claimable"])

	rec = h.do(t, http.MethodPost, "/v1/claims/cap-1", "alice", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var claimed claimResponse
	decodeBody(t, rec, &claimed)
	require.Equal(t, "500", claimed.Amount)
	require.Equal(t, "0", claimed.Claim.Claimable)

	_, _, err := h.coord.RecordEarning("alice", "cap-1", big.NewInt(50), "subscription", "sub-3")
	require.NoError(t, err)
	rec = h.do(t, http.MethodPost, "/v1/claims/cap-1", "alice", nil)
	body := requireErrorKind(t, rec, http.StatusTooManyRequests, "CooldownActive")
	require.Positive(t, body.RetryAfterSeconds)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/claims/cap-1", "bob", nil), http.StatusConflict, "NothingToClaim")

	rec = h.do(t, http.MethodGet, "/v1/claims/cap-1/earnings", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var earnings []earningView
	decodeBody(t, rec, &earnings)
	require.Len(t, earnings, 2)
}

func TestClaimOverDailyCapOverHTTP(t *testing.T) {
	enforcer, err := NewPolicyEnforcer([]Policy{{Kind: intent.KindYieldClaim, DailyCap: big.NewInt(500)}})
	require.NoError(t, err)
	h := newAPI(t, ServerConfig{}, WithPolicies(enforcer))
	_, _, err = h.coord.RecordEarning("alice", "cap-1", big.NewInt(600), "subscription", "sub-1")
	require.NoError(t, err)

	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/claims/cap-1", "alice", nil), http.StatusUnprocessableEntity, "DailyCapExceeded")
}

func TestRecordRevenueOverHTTP(t *testing.T) {
	h := newAPI(t, ServerConfig{})
	rec := h.do(t, http.MethodPost, "/v1/revenue", "billing", recordRevenueRequest{
		Model:        "subscription",
		Gross:        "1000",
		CapsuleID:    "cap-9",
		Ref:          "invoice-7",
		Participants: map[string]string{"Creator": "alice"},
	}, ScopeRevenue)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var credits []creditView
	decodeBody(t, rec, &credits)
	require.Len(t, credits, 3)

	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/revenue", "billing", recordRevenueRequest{
		Model: "tips", Gross: "10", CapsuleID: "cap-9", Ref: "invoice-8",
	}, ScopeRevenue), http.StatusBadRequest, "UnknownModel")
	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/revenue", "billing", recordRevenueRequest{
		Model: "subscription", Gross: "-10", CapsuleID: "cap-9", Ref: "invoice-9",
		Participants: map[string]string{"creator": "alice"},
	}, ScopeRevenue), http.StatusBadRequest, "NegativeAmount")
}

func TestStakingOverHTTP(t *testing.T) {
	h := newAPI(t, ServerConfig{})
	_, err := h.coord.Staking().ConfigurePool("ethereum", 1_000, 5)
	require.NoError(t, err)

	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/positions", "alice", depositRequest{
		Chain: "dogecoin", Amount: "1000",
	}), http.StatusBadRequest, "UnsupportedChain")

	rec := h.do(t, http.MethodPost, "/v1/positions", "alice", depositRequest{Chain: "Ethereum", Amount: "1000", LockSeconds: 3600})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var pos positionView
	decodeBody(t, rec, &pos)
	require.Equal(t, "ethereum", pos.Chain)
	require.Equal(t, "active", pos.Status)

	positionPath := "/v1/positions/" + pos.ID
	requireErrorKind(t, h.do(t, http.MethodGet, positionPath, "mallory", nil), http.StatusForbidden, "NotAuthorized")
	requireErrorKind(t, h.do(t, http.MethodPost, positionPath+"/withdraw", "alice", nil), http.StatusConflict, "StillLocked")

	rec = h.do(t, http.MethodPost, positionPath+"/unstake", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &pos)
	require.Equal(t, "unstaking", pos.Status)

	rec = h.do(t, http.MethodPost, positionPath+"/withdraw", "alice", nil)
	body := requireErrorKind(t, rec, http.StatusConflict, "StillLocked")
	require.Positive(t, body.RetryAfterSeconds)

	h.clock.Advance(2 * time.Hour)
	rec = h.do(t, http.MethodPost, positionPath+"/withdraw", "alice", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var withdrawn withdrawResponse
	decodeBody(t, rec, &withdrawn)
	require.Equal(t, "1000", withdrawn.Principal)
	require.False(t, withdrawn.Replayed)

	rec = h.do(t, http.MethodPost, positionPath+"/withdraw", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &withdrawn)
	require.True(t, withdrawn.Replayed)

	rec = h.do(t, http.MethodGet, "/v1/staking/view", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view aggregateView
	decodeBody(t, rec, &view)
	require.Len(t, view.Pools, 1)

	rec = h.do(t, http.MethodGet, "/v1/positions", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []positionView
	decodeBody(t, rec, &positions)
	require.Len(t, positions, 1)
	require.Equal(t, "withdrawn", positions[0].Status)
}

func TestNotifyOverHTTP(t *testing.T) {
	h := newAPI(t, ServerConfig{})
	receipt := h.claimWithBalance(t, "alice", 300)
	path := "/v1/transfers/" + receipt.CorrelationID + "/notify"

	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, path, "alice", notifyRequest{Status: "confirmed"}).Code)
	requireErrorKind(t, h.do(t, http.MethodPost, path, "rail", notifyRequest{Status: "teleported"}, ScopeNotify), http.StatusBadRequest, "InvalidArgument")

	rec := h.do(t, http.MethodPost, path, "rail", notifyRequest{Status: string(transfer.StatusConfirmed)}, ScopeNotify)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view intentView
	decodeBody(t, rec, &view)
	require.Equal(t, string(intent.StatusConfirmed), view.Status)

	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/transfers/unknown/notify", "rail", notifyRequest{Status: "confirmed"}, ScopeNotify), http.StatusNotFound, "NotFound")
}

func TestPausedCoordinatorReturnsUnavailable(t *testing.T) {
	h := newAPI(t, ServerConfig{})
	_, _, err := h.coord.RecordEarning("alice", "cap-1", big.NewInt(100), "subscription", "")
	require.NoError(t, err)
	h.coord.Pause()
	requireErrorKind(t, h.do(t, http.MethodPost, "/v1/claims/cap-1", "alice", nil), http.StatusServiceUnavailable, "Paused")
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/claims/cap-1", "alice", nil).Code, "reads stay available")
}

func TestRateLimiterAppliesPerCaller(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	h := newAPI(t, ServerConfig{Limiter: limiter})
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/claims", "alice", nil).Code)
	require.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodGet, "/v1/claims", "alice", nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/claims", "bob", nil).Code)
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(nil, ServerConfig{})
	require.Error(t, err)
	f := newFixture(t)
	_, err = NewServer(f.coord, ServerConfig{})
	require.Error(t, err)
}
