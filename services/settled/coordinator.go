package settled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	serrors "guardiansettle/core/errors"
	"guardiansettle/core/intent"
	"guardiansettle/native/auction"
	"guardiansettle/native/common"
	"guardiansettle/native/payout"
	"guardiansettle/native/staking"
	"guardiansettle/native/yield"
	"guardiansettle/services/settled/transfer"
	"guardiansettle/storage/ledger"
)

// IntentStore is the intent bookkeeping the coordinator needs beyond what the
// engines persist themselves.
type IntentStore interface {
	IntentGet(correlationID string) (*intent.Intent, bool, error)
	IntentList(filter ledger.IntentFilter) ([]*intent.Intent, error)
	IntentMarkSubmitted(correlationID string, submittedAt int64, attempts int) error
	IntentRecordAttempt(correlationID string, attempts int, lastError string) error
	IntentCounts() (map[intent.Status]int64, error)
	SubmittedVolume(kind intent.Kind, since int64) (*big.Int, error)
}

// Engines bundles the state machines the coordinator drives.
type Engines struct {
	Auctions *auction.Engine
	Yield    *yield.Engine
	Staking  *staking.Engine
}

// RoleAccounts maps non-creator payout roles to the accounts credited for them.
type RoleAccounts map[payout.Role]string

type settler interface {
	ConfirmTransfer(correlationID string) (*intent.Intent, error)
	ReverseTransfer(correlationID string, cause error) ([]*intent.Intent, error)
}

// Coordinator is the settlement facade. Engines persist intents together with
// the state change that caused them; the coordinator hands them to the
// transfer capability and routes the outcome back to the owning engine.
type Coordinator struct {
	auctions *auction.Engine
	yield    *yield.Engine
	staking  *staking.Engine
	intents  IntentStore

	transfer       transfer.Capability
	policies       *PolicyEnforcer
	metrics        *Metrics
	logger         *slog.Logger
	tracer         trace.Tracer
	roles          RoleAccounts
	retryBudget    int
	submitTimeout  time.Duration
	confirmTimeout time.Duration
	now            func() time.Time

	locks *common.KeyedMutex

	mu        sync.Mutex
	paused    bool
	lastSweep *SweepReport
}

// Option customises the coordinator instance.
type Option func(*Coordinator)

// WithTransfer supplies the transfer capability.
func WithTransfer(t transfer.Capability) Option {
	return func(c *Coordinator) { c.transfer = t }
}

// WithPolicies supplies the outbound cap enforcer.
func WithPolicies(p *PolicyEnforcer) Option {
	return func(c *Coordinator) { c.policies = p }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock sets the function used to derive timestamps. It is also installed
// as the clock of every engine.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.now = clock }
}

// WithRoleAccounts configures the accounts credited for dao, platform and
// referrer shares.
func WithRoleAccounts(roles RoleAccounts) Option {
	return func(c *Coordinator) {
		c.roles = make(RoleAccounts, len(roles))
		for role, account := range roles {
			c.roles[role] = strings.TrimSpace(account)
		}
	}
}

// WithRetryBudget sets how many attempts an intent gets before it is compensated.
func WithRetryBudget(n int) Option {
	return func(c *Coordinator) { c.retryBudget = n }
}

// WithSubmitTimeout bounds a single call to the transfer capability.
func WithSubmitTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.submitTimeout = d }
}

// WithConfirmTimeout sets how long a submitted transfer may stay pending
// before sweeps start counting it against the retry budget.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.confirmTimeout = d }
}

// NewCoordinator wires the engines to the coordinator's clock and pause guard.
func NewCoordinator(engines Engines, store IntentStore, opts ...Option) (*Coordinator, error) {
	if engines.Auctions == nil || engines.Yield == nil || engines.Staking == nil {
		return nil, fmt.Errorf("settled: all engines are required")
	}
	if store == nil {
		return nil, fmt.Errorf("settled: intent store required")
	}
	c := &Coordinator{
		auctions:       engines.Auctions,
		yield:          engines.Yield,
		staking:        engines.Staking,
		intents:        store,
		metrics:        NewMetrics(),
		logger:         slog.Default(),
		tracer:         otel.Tracer("settled/coordinator"),
		roles:          RoleAccounts{},
		retryBudget:    3,
		submitTimeout:  10 * time.Second,
		confirmTimeout: 10 * time.Minute,
		now:            time.Now,
		locks:          common.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retryBudget <= 0 {
		c.retryBudget = 3
	}
	clock := func() int64 { return c.now().Unix() }
	for _, wire := range []interface {
		SetNowFunc(func() int64)
		SetPauseView(common.PauseView)
	}{c.auctions, c.yield, c.staking} {
		wire.SetNowFunc(clock)
		wire.SetPauseView(c)
	}
	return c, nil
}

// SeedPolicies restores today's submitted volume into the cap enforcer after
// a restart.
func (c *Coordinator) SeedPolicies() error {
	if c.policies == nil {
		return nil
	}
	now := c.now()
	since := DayStart(now).Unix()
	for _, kind := range c.policies.Kinds() {
		volume, err := c.intents.SubmittedVolume(kind, since)
		if err != nil {
			return fmt.Errorf("seed %s cap: %w", kind, err)
		}
		if volume.Sign() > 0 {
			c.policies.Record(kind, volume, now)
		}
		c.metrics.RecordCap(string(kind), c.policies.RemainingCap(kind, now), c.policies.DailyCap(kind))
	}
	return nil
}

// IsPaused implements common.PauseView. The coordinator pause covers every module.
func (c *Coordinator) IsPaused(string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Pause halts new money-moving operations and submissions. Reads, confirmations
// and compensations continue.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.metrics.SetPause(true)
	c.logger.Warn("settlement paused")
}

// Resume re-enables money-moving operations.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.metrics.SetPause(false)
	c.logger.Info("settlement resumed")
}

// Auctions exposes the auction engine for read paths.
func (c *Coordinator) Auctions() *auction.Engine { return c.auctions }

// Yield exposes the yield engine for read paths.
func (c *Coordinator) Yield() *yield.Engine { return c.yield }

// Staking exposes the staking engine for read paths.
func (c *Coordinator) Staking() *staking.Engine { return c.staking }

// CreateAuction opens a new auction.
func (c *Coordinator) CreateAuction(creator, contentHash string, reserve *big.Int, durationSeconds int64) (*auction.Auction, error) {
	return c.auctions.CreateAuction(creator, contentHash, reserve, durationSeconds)
}

// PlaceBid records a bid and submits the refund of the displaced bidder.
// A bid larger than the refund cap is rejected since it could never be
// returned within policy.
func (c *Coordinator) PlaceBid(ctx context.Context, auctionID, bidder string, amount *big.Int) (*auction.BidResult, error) {
	if err := c.checkCap(intent.KindBidRefund, "auction", auctionID, amount); err != nil {
		return nil, err
	}
	res, err := c.auctions.PlaceBid(auctionID, bidder, amount)
	if err != nil {
		return nil, err
	}
	if res.Refund != nil {
		c.submitBestEffort(ctx, res.Refund.CorrelationID)
	}
	return res, nil
}

// SealAuction closes an auction and credits its proceeds to the yield ledger.
// A failed credit is retried by the next sweep.
func (c *Coordinator) SealAuction(auctionID, caller string) (*auction.Auction, error) {
	a, err := c.auctions.SealAuction(auctionID, caller)
	if err != nil {
		return nil, err
	}
	if a.Status == auction.StatusSealed {
		if err := c.attributeAuction(a); err != nil {
			c.metrics.RecordError("attribute", string(serrors.KindOf(err)))
			c.logger.Warn("auction attribution deferred", slog.String("auction", a.ID), slog.Any("error", err))
		} else if updated, err := c.auctions.Get(a.ID); err == nil {
			a = updated
		}
	}
	return a, nil
}

// CancelAuction cancels an auction without bids.
func (c *Coordinator) CancelAuction(auctionID, caller string) (*auction.Auction, error) {
	return c.auctions.CancelAuction(auctionID, caller)
}

// RecordEarning credits a net amount to a claimant.
func (c *Coordinator) RecordEarning(claimant, capsuleID string, amount *big.Int, model, ref string) (*yield.Claim, bool, error) {
	return c.yield.RecordEarning(claimant, capsuleID, amount, model, ref)
}

// Revenue is a gross revenue event to be split and credited.
type Revenue struct {
	Model     string
	Gross     *big.Int
	CapsuleID string
	// Ref identifies the revenue event; each share is credited under Ref:role.
	Ref string
	// Participants overrides the configured role accounts. The creator is required.
	Participants map[payout.Role]string
}

// Credit is one share of a revenue event.
type Credit struct {
	Role     payout.Role `json:"role"`
	Account  string      `json:"account"`
	Amount   *big.Int    `json:"amount"`
	Recorded bool        `json:"recorded"`
}

// RecordRevenue splits gross revenue by model and credits every share to the
// yield ledger. Replaying the same ref credits nothing twice.
func (c *Coordinator) RecordRevenue(rev Revenue) ([]Credit, error) {
	ref := strings.TrimSpace(rev.Ref)
	capsuleID := strings.TrimSpace(rev.CapsuleID)
	if ref == "" {
		return nil, serrors.New(serrors.KindInvalidArgument, "revenue", capsuleID, "ref required")
	}
	if capsuleID == "" {
		return nil, serrors.New(serrors.KindInvalidArgument, "revenue", ref, "capsule id required")
	}
	shares, err := payout.ComputeSplitByName(rev.Model, rev.Gross)
	if err != nil {
		return nil, err
	}
	credits := make([]Credit, 0, len(shares))
	for _, share := range shares {
		account := strings.TrimSpace(rev.Participants[share.Role])
		if account == "" && share.Role != payout.RoleCreator {
			account = c.roles[share.Role]
		}
		if account == "" {
			return nil, serrors.New(serrors.KindInvalidArgument, "revenue", ref, fmt.Sprintf("no account for role %s", share.Role))
		}
		credits = append(credits, Credit{Role: share.Role, Account: account, Amount: share.Amount})
	}
	for i := range credits {
		if credits[i].Amount.Sign() == 0 {
			continue
		}
		_, recorded, err := c.yield.RecordEarning(credits[i].Account, capsuleID, credits[i].Amount, rev.Model, fmt.Sprintf("%s:%s", ref, credits[i].Role))
		if err != nil {
			return nil, err
		}
		credits[i].Recorded = recorded
	}
	return credits, nil
}

// Claim moves the claimant's balance into a transfer and submits it.
func (c *Coordinator) Claim(ctx context.Context, claimant, capsuleID string) (*yield.ClaimReceipt, error) {
	if claimable, err := c.yield.GetClaimable(claimant, capsuleID); err == nil {
		if err := c.checkCap(intent.KindYieldClaim, "yieldClaim", yield.ClaimKey(claimant, capsuleID), claimable); err != nil {
			return nil, err
		}
	}
	receipt, in, err := c.yield.Claim(claimant, capsuleID)
	if err != nil {
		return nil, err
	}
	c.submitBestEffort(ctx, in.CorrelationID)
	return receipt, nil
}

// GetClaimable reports the unclaimed balance without mutating it.
func (c *Coordinator) GetClaimable(claimant, capsuleID string) (*big.Int, error) {
	return c.yield.GetClaimable(claimant, capsuleID)
}

// Deposit opens a staking position.
func (c *Coordinator) Deposit(chain, staker string, amount *big.Int, lockPeriod time.Duration) (*staking.Position, error) {
	if err := c.checkCap(intent.KindStakeWithdrawal, "stakePool", chain, amount); err != nil {
		return nil, err
	}
	return c.staking.Deposit(chain, staker, amount, lockPeriod)
}

// BeginUnstake starts the unbonding period of a position.
func (c *Coordinator) BeginUnstake(positionID string) (*staking.Position, error) {
	return c.staking.BeginUnstake(positionID)
}

// Withdraw releases an unlocked position, submits the principal transfer and
// forwards the accrued reward to the yield ledger.
func (c *Coordinator) Withdraw(ctx context.Context, positionID string) (*staking.WithdrawReceipt, error) {
	if pos, err := c.staking.Position(positionID); err == nil && pos.Status != staking.PositionWithdrawn {
		if err := c.checkCap(intent.KindStakeWithdrawal, "stakePosition", pos.ID, pos.Principal); err != nil {
			return nil, err
		}
	}
	receipt, in, err := c.staking.Withdraw(positionID)
	if err != nil {
		return nil, err
	}
	if in != nil {
		c.submitBestEffort(ctx, in.CorrelationID)
	}
	if receipt.Position.RewardPending() {
		if err := c.forwardReward(receipt.Position); err != nil {
			c.metrics.RecordError("forward_reward", string(serrors.KindOf(err)))
			c.logger.Warn("reward forwarding deferred", slog.String("position", receipt.Position.ID), slog.Any("error", err))
		}
	}
	return receipt, nil
}

// AccrueAll accrues rewards for every pool.
func (c *Coordinator) AccrueAll(ctx context.Context) (map[string]*big.Int, error) {
	return c.staking.AccrueAll(ctx)
}

// GetAggregateView summarises every staking pool.
func (c *Coordinator) GetAggregateView() (*staking.AggregateView, error) {
	return c.staking.GetAggregateView()
}

// checkCap rejects an amount that no daily window of kind could admit.
func (c *Coordinator) checkCap(kind intent.Kind, entity, id string, amount *big.Int) error {
	if c.policies.Exceeds(kind, amount) {
		return serrors.New(serrors.KindDailyCapExceeded, entity, id, "amount exceeds the daily cap for "+string(kind))
	}
	return nil
}

func (c *Coordinator) accountFor(role payout.Role, creator string) (string, error) {
	if role == payout.RoleCreator {
		return creator, nil
	}
	if account := c.roles[role]; account != "" {
		return account, nil
	}
	return "", serrors.New(serrors.KindInvalidArgument, "role", string(role), "role account not configured")
}

func (c *Coordinator) attributeAuction(a *auction.Auction) error {
	accounts := make([]string, len(a.Shares))
	for i, share := range a.Shares {
		account, err := c.accountFor(share.Role, a.Creator)
		if err != nil {
			return err
		}
		accounts[i] = account
	}
	for i, share := range a.Shares {
		if share.Amount == nil || share.Amount.Sign() == 0 {
			continue
		}
		ref := fmt.Sprintf("auction:%s:%s", a.ID, share.Role)
		if _, _, err := c.yield.RecordEarning(accounts[i], a.ContentHash, share.Amount, payout.ModelCapsuleMinting.String(), ref); err != nil {
			return err
		}
	}
	_, err := c.auctions.MarkAttributed(a.ID)
	return err
}

func (c *Coordinator) forwardReward(pos *staking.Position) error {
	shares, err := payout.ComputeSplit(payout.ModelYieldStaking, pos.AccruedReward)
	if err != nil {
		return err
	}
	accounts := make([]string, len(shares))
	for i, share := range shares {
		account, err := c.accountFor(share.Role, pos.Staker)
		if err != nil {
			return err
		}
		accounts[i] = account
	}
	capsuleID := "stake:" + pos.Chain
	for i, share := range shares {
		if share.Amount.Sign() == 0 {
			continue
		}
		ref := fmt.Sprintf("stake:%s:%s", pos.ID, share.Role)
		if _, _, err := c.yield.RecordEarning(accounts[i], capsuleID, share.Amount, payout.ModelYieldStaking.String(), ref); err != nil {
			return err
		}
	}
	_, err = c.staking.MarkRewardForwarded(pos.ID)
	return err
}

// AttributeSealed credits every sealed auction whose proceeds have not yet
// reached the yield ledger.
func (c *Coordinator) AttributeSealed() (int, error) {
	pending, err := c.auctions.PendingAttribution()
	if err != nil {
		return 0, err
	}
	done := 0
	var errs []error
	for _, a := range pending {
		if err := c.attributeAuction(a); err != nil {
			c.metrics.RecordError("attribute", string(serrors.KindOf(err)))
			errs = append(errs, fmt.Errorf("auction %s: %w", a.ID, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// ForwardRewards credits the rewards of withdrawn positions to the yield ledger.
func (c *Coordinator) ForwardRewards() (int, error) {
	pending, err := c.staking.PendingRewards()
	if err != nil {
		return 0, err
	}
	done := 0
	var errs []error
	for _, pos := range pending {
		if err := c.forwardReward(pos); err != nil {
			c.metrics.RecordError("forward_reward", string(serrors.KindOf(err)))
			errs = append(errs, fmt.Errorf("position %s: %w", pos.ID, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

func (c *Coordinator) owner(kind intent.Kind) (settler, error) {
	switch kind {
	case intent.KindBidRefund:
		return c.auctions, nil
	case intent.KindYieldClaim:
		return c.yield, nil
	case intent.KindStakeWithdrawal:
		return c.staking, nil
	default:
		return nil, serrors.New(serrors.KindInvalidArgument, "intent", string(kind), "unknown intent kind")
	}
}

func (c *Coordinator) load(correlationID string) (*intent.Intent, error) {
	in, ok, err := c.intents.IntentGet(strings.TrimSpace(correlationID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, serrors.New(serrors.KindNotFound, "intent", correlationID, "intent does not exist")
	}
	return in, nil
}

// Intent returns a single intent record.
func (c *Coordinator) Intent(correlationID string) (*intent.Intent, error) {
	return c.load(correlationID)
}

// Intents lists intent records oldest first.
func (c *Coordinator) Intents(filter ledger.IntentFilter) ([]*intent.Intent, error) {
	return c.intents.IntentList(filter)
}
