package settled

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	serrors "guardiansettle/core/errors"
	"guardiansettle/core/intent"
	"guardiansettle/native/auction"
	"guardiansettle/native/payout"
	"guardiansettle/native/staking"
	"guardiansettle/native/yield"
	"guardiansettle/services/settled/transfer"
	"guardiansettle/storage/ledger"
)

const testContentHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTransfer struct {
	mu        sync.Mutex
	statuses  map[string]transfer.Status
	submits   map[string]int
	submitErr error
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{statuses: map[string]transfer.Status{}, submits: map[string]int{}}
}

func (f *fakeTransfer) Submit(_ context.Context, correlationID, _, _ string, _ *big.Int) (transfer.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return transfer.Handle{}, f.submitErr
	}
	f.submits[correlationID]++
	if _, ok := f.statuses[correlationID]; !ok {
		f.statuses[correlationID] = transfer.StatusPending
	}
	return transfer.Handle{CorrelationID: correlationID, Status: transfer.StatusPending}, nil
}

func (f *fakeTransfer) Status(_ context.Context, correlationID string) (transfer.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[correlationID]
	if !ok {
		return transfer.StatusUnknown, nil
	}
	return status, nil
}

func (f *fakeTransfer) set(correlationID string, status transfer.Status) {
	f.mu.Lock()
	f.statuses[correlationID] = status
	f.mu.Unlock()
}

func (f *fakeTransfer) failSubmits(err error) {
	f.mu.Lock()
	f.submitErr = err
	f.mu.Unlock()
}

func (f *fakeTransfer) submitted(correlationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[correlationID]
}

type fixture struct {
	store    *ledger.Store
	clock    *testClock
	transfer *fakeTransfer
	coord    *Coordinator
}

func openStore(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newCoordinator(t *testing.T, store *ledger.Store, clock *testClock, tr transfer.Capability, opts ...Option) *Coordinator {
	t.Helper()
	auctions := auction.NewEngine()
	auctions.SetState(store)
	auctions.SetVault("escrow")
	yields := yield.NewEngine()
	yields.SetState(store)
	yields.SetVault("treasury")
	stakes := staking.NewEngine()
	stakes.SetState(store)
	stakes.SetVault("stake-vault")

	base := []Option{
		WithTransfer(tr),
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRoleAccounts(RoleAccounts{
			payout.RoleDAO:      "dao",
			payout.RolePlatform: "platform",
			payout.RoleReferrer: "referrer",
		}),
		WithRetryBudget(2),
		WithConfirmTimeout(time.Minute),
	}
	coord, err := NewCoordinator(Engines{Auctions: auctions, Yield: yields, Staking: stakes}, store, append(base, opts...)...)
	require.NoError(t, err)
	return coord
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    openStore(t),
		clock:    &testClock{now: time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)},
		transfer: newFakeTransfer(),
	}
	f.coord = newCoordinator(t, f.store, f.clock, f.transfer, opts...)
	return f
}

func (f *fixture) intent(t *testing.T, correlationID string) *intent.Intent {
	t.Helper()
	in, ok, err := f.store.IntentGet(correlationID)
	require.NoError(t, err)
	require.True(t, ok)
	return in
}

func (f *fixture) claimWithBalance(t *testing.T, claimant string, amount int64) *yield.ClaimReceipt {
	t.Helper()
	_, _, err := f.coord.RecordEarning(claimant, "cap-1", big.NewInt(amount), "subscription", "seed:"+claimant)
	require.NoError(t, err)
	receipt, err := f.coord.Claim(context.Background(), claimant, "cap-1")
	require.NoError(t, err)
	return receipt
}

func TestRefundSubmittedAndConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.coord.CreateAuction("alice", testContentHash, big.NewInt(100), 60)
	require.NoError(t, err)
	first, err := f.coord.PlaceBid(ctx, a.ID, "bob", big.NewInt(150))
	require.NoError(t, err)
	require.Nil(t, first.Refund)
	second, err := f.coord.PlaceBid(ctx, a.ID, "carol", big.NewInt(200))
	require.NoError(t, err)
	require.NotNil(t, second.Refund)

	refundID := second.Refund.CorrelationID
	require.Equal(t, 1, f.transfer.submitted(refundID))
	require.True(t, f.intent(t, refundID).Submitted())

	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Confirmed, "pending transfers stay open")

	f.transfer.set(refundID, transfer.StatusConfirmed)
	report, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Confirmed)
	require.Equal(t, intent.StatusConfirmed, f.intent(t, refundID).Status)

	bids, err := f.coord.Auctions().Bids(a.ID)
	require.NoError(t, err)
	require.Equal(t, auction.Refunded, bids[0].Refund)
	require.Equal(t, 1, f.transfer.submitted(refundID), "confirmed intents are never resubmitted")
}

func TestSealCreditsYieldLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.coord.CreateAuction("alice", testContentHash, big.NewInt(100), 60)
	require.NoError(t, err)
	_, err = f.coord.PlaceBid(ctx, a.ID, "bob", big.NewInt(200))
	require.NoError(t, err)

	f.clock.Advance(61 * time.Second)
	sealed, err := f.coord.SealAuction(a.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, auction.StatusComplete, sealed.Status)
	require.True(t, sealed.Attributed)

	for account, want := range map[string]string{"alice": "140", "dao": "40", "platform": "20"} {
		claimable, err := f.coord.GetClaimable(account, testContentHash)
		require.NoError(t, err)
		require.Equal(t, want, claimable.String(), account)
	}

	credited, err := f.coord.AttributeSealed()
	require.NoError(t, err)
	require.Zero(t, credited)
}

func TestSweepRetriesDeferredAttribution(t *testing.T) {
	store := openStore(t)
	clock := &testClock{now: time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)}
	tr := newFakeTransfer()
	ctx := context.Background()

	misconfigured := newCoordinator(t, store, clock, tr, WithRoleAccounts(RoleAccounts{}))
	a, err := misconfigured.CreateAuction("alice", testContentHash, big.NewInt(100), 60)
	require.NoError(t, err)
	_, err = misconfigured.PlaceBid(ctx, a.ID, "bob", big.NewInt(1_000))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	sealed, err := misconfigured.SealAuction(a.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, auction.StatusSealed, sealed.Status)

	claimable, err := misconfigured.GetClaimable("alice", testContentHash)
	require.NoError(t, err)
	require.Equal(t, "0", claimable.String(), "nothing is credited until every role resolves")

	coord := newCoordinator(t, store, clock, tr)
	report, err := coord.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.AuctionsCredited)

	claimable, err = coord.GetClaimable("alice", testContentHash)
	require.NoError(t, err)
	require.Equal(t, "700", claimable.String())
	status, err := coord.Status()
	require.NoError(t, err)
	require.NotNil(t, status.LastSweep)
	require.Equal(t, 1, status.LastSweep.AuctionsCredited)
}

func TestFailedClaimIsCompensated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt := f.claimWithBalance(t, "alice", 500)
	require.Equal(t, "500", receipt.Amount.String())

	claimable, err := f.coord.GetClaimable("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "0", claimable.String())

	f.transfer.set(receipt.CorrelationID, transfer.StatusFailed)
	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reversed)

	in := f.intent(t, receipt.CorrelationID)
	require.Equal(t, intent.StatusReversed, in.Status)
	require.Contains(t, in.LastError, string(serrors.KindTransferFailed))

	claimable, err = f.coord.GetClaimable("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "500", claimable.String())
}

func TestReconcileTimesOutAfterRetryBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt := f.claimWithBalance(t, "alice", 300)

	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Retried, "not overdue yet")

	f.clock.Advance(2 * time.Minute)
	report, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Retried)
	require.Equal(t, intent.StatusPending, f.intent(t, receipt.CorrelationID).Status)

	report, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reversed)
	in := f.intent(t, receipt.CorrelationID)
	require.Equal(t, intent.StatusReversed, in.Status)
	require.Contains(t, in.LastError, string(serrors.KindTransferTimeout))

	claimable, err := f.coord.GetClaimable("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "300", claimable.String())
}

func TestSubmissionErrorsExhaustBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transfer.failSubmits(errors.New("connection refused"))
	receipt := f.claimWithBalance(t, "alice", 250)

	in := f.intent(t, receipt.CorrelationID)
	require.False(t, in.Submitted())
	require.Equal(t, 1, in.Attempts)
	require.Equal(t, "connection refused", in.LastError)

	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Retried)
	require.Equal(t, 2, f.intent(t, receipt.CorrelationID).Attempts)

	report, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reversed)
	claimable, err := f.coord.GetClaimable("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "250", claimable.String())
}

func TestNotifyAppliesOutcomeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt := f.claimWithBalance(t, "alice", 90)

	_, err := f.coord.Notify(ctx, receipt.CorrelationID, transfer.StatusUnknown)
	require.True(t, errors.Is(err, serrors.ErrInvalidArgument))

	in, err := f.coord.Notify(ctx, receipt.CorrelationID, transfer.StatusConfirmed)
	require.NoError(t, err)
	require.Equal(t, intent.StatusConfirmed, in.Status)

	in, err = f.coord.Notify(ctx, receipt.CorrelationID, transfer.StatusFailed)
	require.NoError(t, err)
	require.Equal(t, intent.StatusConfirmed, in.Status, "terminal intents ignore late notifications")

	claimable, err := f.coord.GetClaimable("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "0", claimable.String())

	_, err = f.coord.Notify(ctx, "yield_claim-missing", transfer.StatusConfirmed)
	require.True(t, errors.Is(err, serrors.ErrNotFound))
}

func TestForceResolveQueriesCapability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt := f.claimWithBalance(t, "alice", 75)

	in, err := f.coord.ForceResolve(ctx, receipt.CorrelationID)
	require.NoError(t, err)
	require.Equal(t, intent.StatusPending, in.Status)

	f.transfer.set(receipt.CorrelationID, transfer.StatusConfirmed)
	in, err = f.coord.ForceResolve(ctx, receipt.CorrelationID)
	require.NoError(t, err)
	require.Equal(t, intent.StatusConfirmed, in.Status)
}

func TestWithdrawForwardsRewardAndCompensatesPrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.Staking().ConfigurePool("ethereum", 1_000, 5)
	require.NoError(t, err)
	pos, err := f.coord.Deposit("ethereum", "alice", big.NewInt(1_000), 0)
	require.NoError(t, err)

	f.clock.Advance(365 * 24 * time.Hour)
	_, err = f.coord.BeginUnstake(pos.ID)
	require.NoError(t, err)
	receipt, err := f.coord.Withdraw(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, "1000", receipt.Principal.String())
	require.Equal(t, "100", receipt.Reward.String())
	require.Equal(t, 1, f.transfer.submitted(receipt.CorrelationID))

	for account, want := range map[string]string{"alice": "90", "dao": "10"} {
		claimable, err := f.coord.GetClaimable(account, "stake:ethereum")
		require.NoError(t, err)
		require.Equal(t, want, claimable.String(), account)
	}
	stored, err := f.coord.Staking().Position(pos.ID)
	require.NoError(t, err)
	require.True(t, stored.RewardForwarded)

	f.transfer.set(receipt.CorrelationID, transfer.StatusFailed)
	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reversed)

	stored, err = f.coord.Staking().Position(pos.ID)
	require.NoError(t, err)
	require.Equal(t, staking.PositionUnstaking, stored.Status)
	view, err := f.coord.GetAggregateView()
	require.NoError(t, err)
	require.Equal(t, "1000", view.TotalValueLocked.String())
}

func TestDailyCapDefersSubmission(t *testing.T) {
	enforcer, err := NewPolicyEnforcer([]Policy{{Kind: intent.KindYieldClaim, DailyCap: big.NewInt(500)}})
	require.NoError(t, err)
	f := newFixture(t, WithPolicies(enforcer))
	ctx := context.Background()

	first := f.claimWithBalance(t, "alice", 400)
	second := f.claimWithBalance(t, "bob", 400)
	require.True(t, f.intent(t, first.CorrelationID).Submitted())
	require.False(t, f.intent(t, second.CorrelationID).Submitted())

	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Deferred)

	status, err := f.coord.Status()
	require.NoError(t, err)
	require.Equal(t, "100", status.CapRemaining[string(intent.KindYieldClaim)])

	f.clock.Advance(24 * time.Hour)
	report, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Submitted)
	require.True(t, f.intent(t, second.CorrelationID).Submitted())
}

func TestOverCapAmountsRejectedUpFront(t *testing.T) {
	enforcer, err := NewPolicyEnforcer([]Policy{
		{Kind: intent.KindYieldClaim, DailyCap: big.NewInt(500)},
		{Kind: intent.KindBidRefund, DailyCap: big.NewInt(150)},
		{Kind: intent.KindStakeWithdrawal, DailyCap: big.NewInt(500)},
	})
	require.NoError(t, err)
	f := newFixture(t, WithPolicies(enforcer))
	ctx := context.Background()

	_, _, err = f.coord.RecordEarning("alice", "cap-1", big.NewInt(600), "subscription", "")
	require.NoError(t, err)
	_, err = f.coord.Claim(ctx, "alice", "cap-1")
	require.ErrorIs(t, err, serrors.ErrDailyCapExceeded)
	claimable, err := f.coord.GetClaimable("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "600", claimable.String())

	a, err := f.coord.CreateAuction("carol", testContentHash, big.NewInt(100), 60)
	require.NoError(t, err)
	_, err = f.coord.PlaceBid(ctx, a.ID, "bob", big.NewInt(200))
	require.ErrorIs(t, err, serrors.ErrDailyCapExceeded)
	_, err = f.coord.PlaceBid(ctx, a.ID, "bob", big.NewInt(150))
	require.NoError(t, err)

	_, err = f.coord.Staking().ConfigurePool("ethereum", 500, 2)
	require.NoError(t, err)
	_, err = f.coord.Deposit("ethereum", "dave", big.NewInt(600), 0)
	require.ErrorIs(t, err, serrors.ErrDailyCapExceeded)
}

func TestOverCapClaimIsCompensated(t *testing.T) {
	enforcer, err := NewPolicyEnforcer([]Policy{{Kind: intent.KindYieldClaim, DailyCap: big.NewInt(500)}})
	require.NoError(t, err)
	f := newFixture(t, WithPolicies(enforcer))
	ctx := context.Background()

	_, _, err = f.coord.RecordEarning("alice", "cap-1", big.NewInt(600), "subscription", "")
	require.NoError(t, err)
	_, in, err := f.coord.Yield().Claim("alice", "cap-1")
	require.NoError(t, err)

	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reversed)
	stored := f.intent(t, in.CorrelationID)
	require.Equal(t, intent.StatusReversed, stored.Status)
	require.Contains(t, stored.LastError, string(serrors.KindDailyCapExceeded))
	require.Zero(t, f.transfer.submitted(in.CorrelationID))

	claimable, err := f.coord.GetClaimable("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "600", claimable.String())

	resolved, err := f.coord.ForceResolve(ctx, in.CorrelationID)
	require.NoError(t, err)
	require.Equal(t, intent.StatusReversed, resolved.Status)
}

func TestOverCapRefundSubmittedOutsidePolicy(t *testing.T) {
	enforcer, err := NewPolicyEnforcer([]Policy{{Kind: intent.KindBidRefund, DailyCap: big.NewInt(150)}})
	require.NoError(t, err)
	f := newFixture(t, WithPolicies(enforcer))
	ctx := context.Background()

	a, err := f.coord.CreateAuction("alice", testContentHash, big.NewInt(100), 60)
	require.NoError(t, err)
	_, err = f.coord.Auctions().PlaceBid(a.ID, "bob", big.NewInt(200))
	require.NoError(t, err)
	res, err := f.coord.Auctions().PlaceBid(a.ID, "carol", big.NewInt(250))
	require.NoError(t, err)
	require.NotNil(t, res.Refund)

	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Submitted)
	require.Equal(t, 1, f.transfer.submitted(res.Refund.CorrelationID))
	require.Equal(t, intent.StatusPending, f.intent(t, res.Refund.CorrelationID).Status)
}

func TestNotifyPendingSubmitsUnsentIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transfer.failSubmits(errors.New("connection refused"))
	receipt := f.claimWithBalance(t, "alice", 80)
	f.transfer.failSubmits(nil)
	require.Zero(t, f.transfer.submitted(receipt.CorrelationID))

	in, err := f.coord.Notify(ctx, receipt.CorrelationID, transfer.StatusPending)
	require.NoError(t, err)
	require.True(t, in.Submitted())
	require.Equal(t, intent.StatusPending, in.Status)
	require.Equal(t, 1, f.transfer.submitted(receipt.CorrelationID))
}

func TestSeedPoliciesRestoresVolume(t *testing.T) {
	f := newFixture(t)
	f.claimWithBalance(t, "alice", 400)

	enforcer, err := NewPolicyEnforcer([]Policy{{Kind: intent.KindYieldClaim, DailyCap: big.NewInt(1_000)}})
	require.NoError(t, err)
	restarted := newCoordinator(t, f.store, f.clock, f.transfer, WithPolicies(enforcer))
	require.NoError(t, restarted.SeedPolicies())
	require.Equal(t, "600", enforcer.RemainingCap(intent.KindYieldClaim, f.clock.Now()).String())
}

func TestPauseBlocksMoneyMovement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.coord.RecordEarning("alice", "cap-1", big.NewInt(100), "subscription", "")
	require.NoError(t, err)

	f.coord.Pause()
	_, err = f.coord.Claim(ctx, "alice", "cap-1")
	require.True(t, errors.Is(err, serrors.ErrPaused))
	claimable, err := f.coord.GetClaimable("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "100", claimable.String(), "reads continue while paused")
	status, err := f.coord.Status()
	require.NoError(t, err)
	require.True(t, status.Paused)

	f.coord.Resume()
	f.transfer.failSubmits(errors.New("timeout"))
	receipt, err := f.coord.Claim(ctx, "alice", "cap-1")
	require.NoError(t, err)
	f.transfer.failSubmits(nil)

	f.coord.Pause()
	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Deferred)
	require.False(t, f.intent(t, receipt.CorrelationID).Submitted())

	f.coord.Resume()
	report, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Submitted)
}

func TestRecordRevenueSplitsAndCredits(t *testing.T) {
	f := newFixture(t)
	credits, err := f.coord.RecordRevenue(Revenue{
		Model:        "subscription",
		Gross:        big.NewInt(1_000),
		CapsuleID:    "cap-9",
		Ref:          "sub-42",
		Participants: map[payout.Role]string{payout.RoleCreator: "alice"},
	})
	require.NoError(t, err)
	require.Len(t, credits, 3)
	for _, credit := range credits {
		require.True(t, credit.Recorded)
	}
	for account, want := range map[string]string{"alice": "600", "platform": "300", "dao": "100"} {
		claimable, err := f.coord.GetClaimable(account, "cap-9")
		require.NoError(t, err)
		require.Equal(t, want, claimable.String(), account)
	}

	replay, err := f.coord.RecordRevenue(Revenue{
		Model:        "subscription",
		Gross:        big.NewInt(1_000),
		CapsuleID:    "cap-9",
		Ref:          "sub-42",
		Participants: map[payout.Role]string{payout.RoleCreator: "alice"},
	})
	require.NoError(t, err)
	for _, credit := range replay {
		require.False(t, credit.Recorded)
	}
	claimable, err := f.coord.GetClaimable("alice", "cap-9")
	require.NoError(t, err)
	require.Equal(t, "600", claimable.String())

	_, err = f.coord.RecordRevenue(Revenue{Model: "subscription", Gross: big.NewInt(1), CapsuleID: "cap-9"})
	require.True(t, errors.Is(err, serrors.ErrInvalidArgument))
	_, err = f.coord.RecordRevenue(Revenue{Model: "tips", Gross: big.NewInt(1), CapsuleID: "cap-9", Ref: "r"})
	require.True(t, errors.Is(err, serrors.ErrUnknownModel))
	_, err = f.coord.RecordRevenue(Revenue{Model: "content_unlock", Gross: big.NewInt(1), CapsuleID: "cap-9", Ref: "r"})
	require.True(t, errors.Is(err, serrors.ErrInvalidArgument), "creator must be named")
	_, err = f.coord.RecordRevenue(Revenue{
		Model:        "content_unlock",
		Gross:        big.NewInt(-5),
		CapsuleID:    "cap-9",
		Ref:          "r",
		Participants: map[payout.Role]string{payout.RoleCreator: "alice"},
	})
	require.True(t, errors.Is(err, serrors.ErrNegativeAmount))
}

func TestNewCoordinatorRequiresDependencies(t *testing.T) {
	_, err := NewCoordinator(Engines{}, openStore(t))
	require.Error(t, err)
	_, err = NewCoordinator(Engines{Auctions: auction.NewEngine(), Yield: yield.NewEngine(), Staking: staking.NewEngine()}, nil)
	require.Error(t, err)
}
