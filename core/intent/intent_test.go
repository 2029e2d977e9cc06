package intent

import (
	"math/big"
	"strings"
	"testing"
)

func TestCorrelationIDDeterministic(t *testing.T) {
	a := CorrelationID(KindYieldClaim, "alice/capsule-1", 3)
	b := CorrelationID(KindYieldClaim, "alice/capsule-1", 3)
	if a != b {
		t.Fatalf("correlation id not deterministic: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "yield_claim-") {
		t.Fatalf("unexpected prefix: %s", a)
	}
	if c := CorrelationID(KindYieldClaim, "alice/capsule-1", 4); c == a {
		t.Fatalf("sequence must change the id")
	}
	if d := CorrelationID(KindBidRefund, "alice/capsule-1", 3); d == a {
		t.Fatalf("kind must change the id")
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusPending, StatusFailed, true},
		{StatusFailed, StatusReversed, true},
		{StatusFailed, StatusConfirmed, false},
		{StatusConfirmed, StatusReversed, false},
		{StatusReversed, StatusPending, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestResolveStampsTerminal(t *testing.T) {
	in := New(KindStakeWithdrawal, "pos-1", 0, "vault", "bob", big.NewInt(10), 100)
	if err := in.Resolve(StatusFailed, "rpc down", 150); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if in.ResolvedAt != 0 {
		t.Fatalf("failed is not terminal")
	}
	if err := in.Resolve(StatusReversed, "", 160); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if in.ResolvedAt != 160 || in.LastError != "rpc down" {
		t.Fatalf("unexpected intent: %+v", in)
	}
	if err := in.Resolve(StatusConfirmed, "", 170); err == nil {
		t.Fatalf("expected terminal intent to reject transition")
	}
}

func TestCloneIsDeep(t *testing.T) {
	in := New(KindBidRefund, "auction-1", 1, "vault", "alice", big.NewInt(150), 1)
	in.SetSnap(SnapBidSeq, "1")
	clone := in.Clone()
	clone.Amount.SetInt64(1)
	clone.Snapshot[SnapBidSeq] = "9"
	if in.Amount.Int64() != 150 || in.Snap(SnapBidSeq) != "1" {
		t.Fatalf("clone aliased original: %+v", in)
	}
}
