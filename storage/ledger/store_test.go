package ledger

import (
	"errors"
	"fmt"
	"math/big"
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
)

const contentHash = "0xabababababababababababababababababababababababababababababababab"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fixedClock struct{ now int64 }

func (c *fixedClock) Now() int64 { return c.now }

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ")
	require.ErrorIs(t, err, ErrDSNRequired)
}

func TestFileDSN(t *testing.T) {
	dsn, err := FileDSN("ledger.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "file:")
	require.Contains(t, dsn, "ledger.db?")
	require.True(t, isPostgres("postgres://settle@localhost/settle"))
	require.True(t, isPostgres("host=db user=settle dbname=settle"))
	require.False(t, isPostgres(dsn))
}

func TestAuctionRoundTripThroughEngine(t *testing.T) {
	store := openTestStore(t)
	clock := &fixedClock{now: 1_000}
	engine := auction.NewEngine()
	engine.SetState(store)
	engine.SetNowFunc(clock.Now)
	engine.SetVault("escrow")

	a, err := engine.CreateAuction("alice", contentHash, big.NewInt(100), 60)
	require.NoError(t, err)
	_, err = engine.PlaceBid(a.ID, "bob", big.NewInt(150))
	require.NoError(t, err)
	res, err := engine.PlaceBid(a.ID, "carol", big.NewInt(200))
	require.NoError(t, err)
	require.NotNil(t, res.Refund)

	stored, ok, err := store.IntentGet(res.Refund.CorrelationID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, intent.StatusPending, stored.Status)
	require.Equal(t, "bob", stored.To)
	require.Equal(t, "150", stored.Amount.String())
	require.Equal(t, "1", stored.Snap(intent.SnapBidSeq))

	bids, err := engine.Bids(a.ID)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	require.Equal(t, auction.RefundPending, bids[0].Refund)

	clock.now = a.EndTime
	sealed, err := engine.SealAuction(a.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, auction.StatusSealed, sealed.Status)

	loaded, err := engine.Get(a.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Shares, 3)
	require.Equal(t, payout.RoleCreator, loaded.Shares[0].Role)
	require.Equal(t, "140", loaded.Shares[0].Amount.String())

	pending, err := engine.PendingAttribution()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = engine.MarkAttributed(a.ID)
	require.NoError(t, err)
	pending, err = engine.PendingAttribution()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestFailedTransactionRollsBack(t *testing.T) {
	store := openTestStore(t)
	boom := errors.New("boom")
	err := store.AuctionUpdate(func(st auction.State) error {
		require.NoError(t, st.AuctionPut(&auction.Auction{
			ID:           "a-1",
			Creator:      "alice",
			ReservePrice: big.NewInt(1),
			HighestBid:   big.NewInt(0),
			Status:       auction.StatusActive,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, ok, err := store.AuctionGet("a-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestYieldClaimAndReversal(t *testing.T) {
	store := openTestStore(t)
	clock := &fixedClock{now: 1_700_000_000}
	engine := yield.NewEngine()
	engine.SetState(store)
	engine.SetNowFunc(clock.Now)
	engine.SetVault("treasury")

	_, recorded, err := engine.RecordEarning("alice", "cap-1", big.NewInt(500), "capsule_minting", "auction:a:creator")
	require.NoError(t, err)
	require.True(t, recorded)
	_, recorded, err = engine.RecordEarning("alice", "cap-1", big.NewInt(500), "capsule_minting", "auction:a:creator")
	require.NoError(t, err)
	require.False(t, recorded)
	_, _, err = engine.RecordEarning("alice", "cap-1", big.NewInt(25), "subscription", "")
	require.NoError(t, err)
	_, _, err = engine.RecordEarning("alice", "cap-1", big.NewInt(25), "subscription", "")
	require.NoError(t, err)

	claimable, err := engine.GetClaimable("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "550", claimable.String())

	receipt, transfer, err := engine.Claim("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "550", receipt.Amount.String())

	_, _, err = engine.Claim("alice", "cap-1")
	require.True(t, errors.Is(err, serrors.ErrNothingToClaim))

	_, err = engine.ReverseTransfer(transfer.CorrelationID, errors.New("rejected"))
	require.NoError(t, err)
	claim, err := engine.Get("alice", "cap-1")
	require.NoError(t, err)
	require.Equal(t, "0", claim.TotalClaimed.String())
	require.Equal(t, int64(0), claim.LastClaimAt)

	earnings, err := engine.Earnings("alice", "cap-1")
	require.NoError(t, err)
	require.Len(t, earnings, 3)
	require.Equal(t, "auction:a:creator", earnings[0].Ref)
}

func TestStakingPersistence(t *testing.T) {
	store := openTestStore(t)
	clock := &fixedClock{now: 1_700_000_000}
	engine := staking.NewEngine()
	engine.SetState(store)
	engine.SetNowFunc(clock.Now)
	engine.SetVault("stake-vault")

	_, err := engine.ConfigurePool("ethereum", 1_000, 10)
	require.NoError(t, err)
	pos, err := engine.Deposit("ethereum", "alice", big.NewInt(1_000), 0)
	require.NoError(t, err)
	clock.now += int64(365 * 24 * time.Hour / time.Second)
	accrued, err := engine.AccrueRewards("ethereum")
	require.NoError(t, err)
	require.Equal(t, "100", accrued.String())

	_, err = engine.BeginUnstake(pos.ID)
	require.NoError(t, err)
	receipt, transfer, err := engine.Withdraw(pos.ID)
	require.NoError(t, err)
	require.NotNil(t, transfer)
	require.Equal(t, "100", receipt.Reward.String())

	view, err := engine.GetAggregateView()
	require.NoError(t, err)
	require.Equal(t, "0", view.TotalValueLocked.String())
	require.Equal(t, 0, view.ActivePools)

	stored, err := engine.Position(pos.ID)
	require.NoError(t, err)
	require.Equal(t, staking.PositionWithdrawn, stored.Status)
	require.True(t, stored.RewardPending())
}

func TestIntentBookkeeping(t *testing.T) {
	store := openTestStore(t)
	oldest := intent.New(intent.KindYieldClaim, "alice|cap", 1, "treasury", "alice", big.NewInt(40), 100)
	newer := intent.New(intent.KindYieldClaim, "alice|cap", 2, "treasury", "alice", big.NewInt(60), 200)
	refund := intent.New(intent.KindBidRefund, "auction-1", 1, "escrow", "bob", big.NewInt(7), 300)
	for _, in := range []*intent.Intent{oldest, newer, refund} {
		require.NoError(t, store.IntentPut(in))
	}
	require.NoError(t, refund.Resolve(intent.StatusConfirmed, "", 400))
	require.NoError(t, store.IntentPut(refund))

	pending, err := store.IntentList(IntentFilter{Statuses: []intent.Status{intent.StatusPending, intent.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, oldest.CorrelationID, pending[0].CorrelationID)

	require.NoError(t, store.IntentMarkSubmitted(oldest.CorrelationID, 150, 1))
	require.NoError(t, store.IntentRecordAttempt(newer.CorrelationID, 1, "connection refused"))

	loaded, _, err := store.IntentGet(oldest.CorrelationID)
	require.NoError(t, err)
	require.True(t, loaded.Submitted())
	require.Equal(t, intent.StatusPending, loaded.Status)
	loaded, _, err = store.IntentGet(newer.CorrelationID)
	require.NoError(t, err)
	require.False(t, loaded.Submitted())
	require.Equal(t, "connection refused", loaded.LastError)

	volume, err := store.SubmittedVolume(intent.KindYieldClaim, 100)
	require.NoError(t, err)
	require.Equal(t, "40", volume.String())

	counts, err := store.IntentCounts()
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[intent.StatusPending])
	require.Equal(t, int64(1), counts[intent.StatusConfirmed])
}
