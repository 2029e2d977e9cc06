package staking

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	serrors "guardiansettle/core/errors"
	"guardiansettle/core/events"
	"guardiansettle/core/intent"
	"guardiansettle/core/types"
	"guardiansettle/native/common"
)

var (
	errNilState = errors.New("staking engine: state not configured")
	errNilVault = errors.New("staking engine: staking vault not configured")
)

// State is the persistence surface of the stake pool aggregator.
type State interface {
	PoolGet(chain string) (*Pool, bool, error)
	PoolPut(p *Pool) error
	PoolList() ([]*Pool, error)
	PositionGet(id string) (*Position, bool, error)
	PositionPut(p *Position) error
	PositionList(chain string) ([]*Position, error)
	IntentGet(correlationID string) (*intent.Intent, bool, error)
	IntentPut(in *intent.Intent) error
}

// Store adds atomic multi-record updates on top of State.
type Store interface {
	State
	StakingUpdate(fn func(State) error) error
}

// Engine owns per-chain pools and the positions staked in them. Every
// mutation holds the lock of the position's chain so pool totals and
// position balances move together.
type Engine struct {
	store       Store
	emitter     events.Emitter
	nowFn       func() int64
	locks       *common.KeyedMutex
	vault       string
	pauses      common.PauseView
	parallelism int
}

// NewEngine constructs a stake pool aggregator with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
		locks:       common.NewKeyedMutex(),
		parallelism: 4,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(store Store) { e.store = store }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetVault configures the account withdrawals are paid from.
func (e *Engine) SetVault(addr string) { e.vault = strings.TrimSpace(addr) }

// SetPauseView wires the module pause guard.
func (e *Engine) SetPauseView(view common.PauseView) { e.pauses = view }

// SetParallelism bounds how many chains AccrueAll processes at once.
func (e *Engine) SetParallelism(n int) {
	if n <= 0 {
		n = 1
	}
	e.parallelism = n
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) update(fn func(State) error) error {
	if e == nil || e.store == nil {
		return errNilState
	}
	return e.store.StakingUpdate(fn)
}

func unsupported(chain string) error {
	return serrors.New(serrors.KindUnsupportedChain, "stakePool", chain, "chain is not configured")
}

func loadPool(st State, chain string) (*Pool, error) {
	pool, ok, err := st.PoolGet(chain)
	if err != nil {
		return nil, err
	}
	if !ok || pool == nil {
		return nil, unsupported(chain)
	}
	return pool, nil
}

func loadPosition(st State, id string) (*Position, error) {
	pos, ok, err := st.PositionGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || pos == nil {
		return nil, serrors.New(serrors.KindNotFound, "stakePosition", id, "position does not exist")
	}
	return pos, nil
}

// lockPosition resolves the chain of a position and acquires that chain's
// lock. The chain of a position never changes.
func (e *Engine) lockPosition(id string) (func(), error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	pos, err := loadPosition(e.store, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return e.locks.Lock(pos.Chain), nil
}

// ConfigurePool creates or updates the pool for a chain. Changing the APR
// first accrues every active position at the previous rate.
func (e *Engine) ConfigurePool(chain string, aprBps, validators uint32) (*Pool, error) {
	chain = NormalizeChain(chain)
	if chain == "" {
		return nil, serrors.New(serrors.KindInvalidArgument, "stakePool", "", "chain identifier required")
	}
	if aprBps > 10_000*100 {
		return nil, serrors.New(serrors.KindInvalidArgument, "stakePool", chain, "apr out of range")
	}
	unlock := e.locks.Lock(chain)
	defer unlock()

	var configured *Pool
	err := e.update(func(st State) error {
		now := e.now()
		pool, ok, err := st.PoolGet(chain)
		if err != nil {
			return err
		}
		if !ok || pool == nil {
			pool = &Pool{
				Chain:              chain,
				TotalStaked:        big.NewInt(0),
				RewardsAccrued:     big.NewInt(0),
				RewardsDistributed: big.NewInt(0),
				LastAccrual:        now,
			}
		} else if pool.AprBps != aprBps {
			if _, _, err := e.accruePool(st, pool, now); err != nil {
				return err
			}
		}
		pool.AprBps = aprBps
		pool.Validators = validators
		pool.UpdatedAt = now
		configured = pool
		return st.PoolPut(pool)
	})
	if err != nil {
		return nil, err
	}
	e.emit(PoolConfiguredEvent(configured))
	return configured.Clone(), nil
}

// Deposit opens an Active position on a configured chain.
func (e *Engine) Deposit(chain, staker string, amount *big.Int, lockPeriod time.Duration) (*Position, error) {
	if err := common.Guard(e.pauses, common.ModuleStaking); err != nil {
		return nil, err
	}
	chain = NormalizeChain(chain)
	staker = strings.TrimSpace(staker)
	if staker == "" {
		return nil, serrors.New(serrors.KindInvalidArgument, "stakePosition", chain, "staker identity required")
	}
	if amount == nil {
		return nil, serrors.New(serrors.KindInvalidArgument, "stakePosition", chain, "amount required")
	}
	if amount.Sign() < 0 {
		return nil, serrors.New(serrors.KindNegativeAmount, "stakePosition", chain, "deposit must be positive")
	}
	if amount.Sign() == 0 {
		return nil, serrors.New(serrors.KindInvalidArgument, "stakePosition", chain, "deposit must be positive")
	}
	if lockPeriod < 0 {
		return nil, serrors.New(serrors.KindInvalidArgument, "stakePosition", chain, "lock period must not be negative")
	}
	unlock := e.locks.Lock(chain)
	defer unlock()

	var created *Position
	err := e.update(func(st State) error {
		pool, err := loadPool(st, chain)
		if err != nil {
			return err
		}
		now := e.now()
		pos := &Position{
			ID:            uuid.NewString(),
			Chain:         chain,
			Staker:        staker,
			Principal:     new(big.Int).Set(amount),
			AccruedReward: big.NewInt(0),
			RewardCarry:   big.NewInt(0),
			LockPeriod:    int64(lockPeriod / time.Second),
			DepositedAt:   now,
			LastAccrual:   now,
			Status:        PositionActive,
		}
		pool.TotalStaked = new(big.Int).Add(pool.TotalStaked, amount)
		pool.UpdatedAt = now
		if err := st.PositionPut(pos); err != nil {
			return err
		}
		created = pos
		return st.PoolPut(pool)
	})
	if err != nil {
		return nil, err
	}
	e.emit(DepositedEvent(created))
	return created.Clone(), nil
}

func accruePosition(pos *Position, aprBps uint32, now int64) *big.Int {
	elapsed := now - pos.LastAccrual
	if pos.Status != PositionActive || elapsed <= 0 {
		return big.NewInt(0)
	}
	reward, carry := accrue(pos.Principal, aprBps, elapsed, pos.RewardCarry)
	pos.AccruedReward = new(big.Int).Add(newBigInt(pos.AccruedReward), reward)
	pos.RewardCarry = carry
	pos.LastAccrual = now
	return reward
}

// accruePool applies the pool APR to every Active position and returns the
// total accrued and the number of positions touched.
func (e *Engine) accruePool(st State, pool *Pool, now int64) (*big.Int, int, error) {
	positions, err := st.PositionList(pool.Chain)
	if err != nil {
		return nil, 0, err
	}
	total := big.NewInt(0)
	touched := 0
	for _, pos := range positions {
		if pos.Status != PositionActive {
			continue
		}
		reward := accruePosition(pos, pool.AprBps, now)
		if err := st.PositionPut(pos); err != nil {
			return nil, 0, err
		}
		total.Add(total, reward)
		touched++
	}
	pool.RewardsAccrued = new(big.Int).Add(newBigInt(pool.RewardsAccrued), total)
	pool.LastAccrual = now
	pool.UpdatedAt = now
	return total, touched, nil
}

// AccrueRewards brings every Active position on the chain up to date using
// the pool APR. Calling it twice without elapsed time adds nothing.
func (e *Engine) AccrueRewards(chain string) (*big.Int, error) {
	chain = NormalizeChain(chain)
	unlock := e.locks.Lock(chain)
	defer unlock()

	var (
		accrued *big.Int
		touched int
		pool    *Pool
	)
	err := e.update(func(st State) error {
		p, err := loadPool(st, chain)
		if err != nil {
			return err
		}
		accrued, touched, err = e.accruePool(st, p, e.now())
		if err != nil {
			return err
		}
		pool = p
		return st.PoolPut(p)
	})
	if err != nil {
		return nil, err
	}
	e.emit(RewardsAccruedEvent(pool, accrued.String(), touched))
	return accrued, nil
}

// AccrueAll accrues every configured pool, processing chains in parallel.
func (e *Engine) AccrueAll(ctx context.Context) (map[string]*big.Int, error) {
	pools, err := e.Pools()
	if err != nil {
		return nil, err
	}
	var (
		mu      sync.Mutex
		results = make(map[string]*big.Int, len(pools))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, pool := range pools {
		chain := pool.Chain
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			accrued, err := e.AccrueRewards(chain)
			if err != nil {
				return err
			}
			mu.Lock()
			results[chain] = accrued
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// BeginUnstake accrues the position to now and moves it to Unstaking. The
// lock countdown starts now unless the lock already elapsed since deposit.
// Calling it on an Unstaking position returns the position unchanged.
func (e *Engine) BeginUnstake(positionID string) (*Position, error) {
	if err := common.Guard(e.pauses, common.ModuleStaking); err != nil {
		return nil, err
	}
	unlock, err := e.lockPosition(positionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		pos     *Position
		changed bool
	)
	err = e.update(func(st State) error {
		p, err := loadPosition(st, strings.TrimSpace(positionID))
		if err != nil {
			return err
		}
		pos = p
		switch p.Status {
		case PositionUnstaking:
			return nil
		case PositionWithdrawn:
			return serrors.New(serrors.KindAlreadyFinalized, "stakePosition", p.ID, "position already withdrawn")
		}
		pool, err := loadPool(st, p.Chain)
		if err != nil {
			return err
		}
		now := e.now()
		reward := accruePosition(p, pool.AprBps, now)
		pool.RewardsAccrued = new(big.Int).Add(newBigInt(pool.RewardsAccrued), reward)
		pool.UpdatedAt = now
		p.Status = PositionUnstaking
		p.UnstakeAt = now
		if now >= p.DepositedAt+p.LockPeriod {
			p.UnlockAt = now
		} else {
			p.UnlockAt = now + p.LockPeriod
		}
		changed = true
		if err := st.PositionPut(p); err != nil {
			return err
		}
		return st.PoolPut(pool)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.emit(UnstakingEvent(pos))
	}
	return pos.Clone(), nil
}

// Withdraw releases the principal of an unlocked position. The principal
// leaves through a stake_withdrawal intent; the accrued reward becomes
// pending for the yield ledger. Retrying a withdrawn position returns the
// original receipt without a new intent.
func (e *Engine) Withdraw(positionID string) (*WithdrawReceipt, *intent.Intent, error) {
	if err := common.Guard(e.pauses, common.ModuleStaking); err != nil {
		return nil, nil, err
	}
	unlock, err := e.lockPosition(positionID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	var (
		pos      *Position
		transfer *intent.Intent
		replayed bool
	)
	err = e.update(func(st State) error {
		p, err := loadPosition(st, strings.TrimSpace(positionID))
		if err != nil {
			return err
		}
		pos = p
		now := e.now()
		switch p.Status {
		case PositionWithdrawn:
			replayed = true
			return nil
		case PositionActive:
			return serrors.New(serrors.KindStillLocked, "stakePosition", p.ID, "unstaking has not begun")
		}
		if now < p.UnlockAt {
			remaining := time.Duration(p.UnlockAt-now) * time.Second
			return serrors.New(serrors.KindStillLocked, "stakePosition", p.ID, "lock period has not elapsed").WithRemaining(remaining)
		}
		if e.vault == "" {
			return errNilVault
		}
		pool, err := loadPool(st, p.Chain)
		if err != nil {
			return err
		}
		transfer = intent.New(intent.KindStakeWithdrawal, p.ID, uint64(p.WithdrawAttempts), e.vault, p.Staker, p.Principal, now)
		transfer.SetSnap(intent.SnapChain, p.Chain)
		p.WithdrawAttempts++
		p.WithdrawIntent = transfer.CorrelationID
		p.Status = PositionWithdrawn
		p.WithdrawnAt = now
		if newBigInt(p.AccruedReward).Sign() == 0 {
			p.RewardForwarded = true
		}
		remaining := new(big.Int).Sub(pool.TotalStaked, p.Principal)
		if remaining.Sign() < 0 {
			remaining = big.NewInt(0)
		}
		pool.TotalStaked = remaining
		pool.UpdatedAt = now
		if err := st.IntentPut(transfer); err != nil {
			return err
		}
		if err := st.PositionPut(p); err != nil {
			return err
		}
		return st.PoolPut(pool)
	})
	if err != nil {
		return nil, nil, err
	}
	receipt := &WithdrawReceipt{
		Position:      pos.Clone(),
		Principal:     newBigInt(pos.Principal),
		Reward:        newBigInt(pos.AccruedReward),
		CorrelationID: pos.WithdrawIntent,
		Replayed:      replayed,
	}
	if replayed {
		return receipt, nil, nil
	}
	e.emit(WithdrawnEvent(pos, transfer.CorrelationID))
	return receipt, transfer.Clone(), nil
}

// PendingRewards lists withdrawn positions whose reward has not yet been
// credited to the yield ledger.
func (e *Engine) PendingRewards() ([]*Position, error) {
	positions, err := e.Positions("", "")
	if err != nil {
		return nil, err
	}
	var out []*Position
	for _, pos := range positions {
		if pos.RewardPending() {
			out = append(out, pos)
		}
	}
	return out, nil
}

// MarkRewardForwarded records that the position's reward reached the yield
// ledger and adds it to the pool's distributed total. Repeated calls are
// no-ops.
func (e *Engine) MarkRewardForwarded(positionID string) (*Position, error) {
	unlock, err := e.lockPosition(positionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		pos     *Position
		changed bool
	)
	err = e.update(func(st State) error {
		p, err := loadPosition(st, strings.TrimSpace(positionID))
		if err != nil {
			return err
		}
		pos = p
		if p.RewardForwarded {
			return nil
		}
		if p.Status != PositionWithdrawn {
			return serrors.New(serrors.KindInvalidArgument, "stakePosition", p.ID, "reward is forwarded only after withdrawal")
		}
		pool, err := loadPool(st, p.Chain)
		if err != nil {
			return err
		}
		p.RewardForwarded = true
		pool.RewardsDistributed = new(big.Int).Add(newBigInt(pool.RewardsDistributed), p.AccruedReward)
		pool.UpdatedAt = e.now()
		changed = true
		if err := st.PositionPut(p); err != nil {
			return err
		}
		return st.PoolPut(pool)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.emit(RewardForwardedEvent(pos))
	}
	return pos.Clone(), nil
}

// ConfirmTransfer settles a withdrawal intent.
func (e *Engine) ConfirmTransfer(correlationID string) (*intent.Intent, error) {
	in, err := e.lookupIntent(correlationID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(in.Snap(intent.SnapChain))
	defer unlock()

	var (
		out *intent.Intent
		pos *Position
	)
	err = e.update(func(st State) error {
		current, ok, err := st.IntentGet(correlationID)
		if err != nil {
			return err
		}
		if !ok {
			return serrors.New(serrors.KindNotFound, "intent", correlationID, "intent does not exist")
		}
		out = current
		if current.Status.Terminal() {
			return nil
		}
		if err := current.Resolve(intent.StatusConfirmed, "", e.now()); err != nil {
			return err
		}
		p, err := loadPosition(st, current.EntityID)
		if err != nil {
			return err
		}
		pos = p
		return st.IntentPut(current)
	})
	if err != nil {
		return nil, err
	}
	if pos != nil {
		e.emit(WithdrawalSettledEvent(pos, correlationID))
	}
	return out.Clone(), nil
}

// ReverseTransfer compensates a failed withdrawal: the position returns to
// Unstaking and its principal is restored to the pool total. A reward that
// was already forwarded stays credited.
func (e *Engine) ReverseTransfer(correlationID string, cause error) ([]*intent.Intent, error) {
	in, err := e.lookupIntent(correlationID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(in.Snap(intent.SnapChain))
	defer unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	var pos *Position
	err = e.update(func(st State) error {
		current, ok, err := st.IntentGet(correlationID)
		if err != nil {
			return err
		}
		if !ok {
			return serrors.New(serrors.KindNotFound, "intent", correlationID, "intent does not exist")
		}
		if current.Status.Terminal() {
			return nil
		}
		now := e.now()
		if current.Status == intent.StatusPending {
			if err := current.Resolve(intent.StatusFailed, reason, now); err != nil {
				return err
			}
		}
		p, err := loadPosition(st, current.EntityID)
		if err != nil {
			return err
		}
		if p.Status == PositionWithdrawn && p.WithdrawIntent == current.CorrelationID {
			pool, err := loadPool(st, p.Chain)
			if err != nil {
				return err
			}
			p.Status = PositionUnstaking
			p.WithdrawnAt = 0
			pool.TotalStaked = new(big.Int).Add(pool.TotalStaked, p.Principal)
			pool.UpdatedAt = now
			if err := st.PositionPut(p); err != nil {
				return err
			}
			if err := st.PoolPut(pool); err != nil {
				return err
			}
		}
		if err := current.Resolve(intent.StatusReversed, "", now); err != nil {
			return err
		}
		pos = p
		return st.IntentPut(current)
	})
	if err != nil {
		return nil, err
	}
	if pos != nil {
		e.emit(WithdrawalReversedEvent(pos, correlationID))
	}
	return nil, nil
}

func (e *Engine) lookupIntent(correlationID string) (*intent.Intent, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	in, ok, err := e.store.IntentGet(correlationID)
	if err != nil {
		return nil, err
	}
	if !ok || in == nil {
		return nil, serrors.New(serrors.KindNotFound, "intent", correlationID, "intent does not exist")
	}
	if in.Kind != intent.KindStakeWithdrawal {
		return nil, serrors.New(serrors.KindInvalidArgument, "intent", correlationID, "not a stake withdrawal intent")
	}
	return in, nil
}

// Pool returns the pool for a chain.
func (e *Engine) Pool(chain string) (*Pool, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	return loadPool(e.store, NormalizeChain(chain))
}

// Pools returns every configured pool ordered by chain.
func (e *Engine) Pools() ([]*Pool, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	pools, err := e.store.PoolList()
	if err != nil {
		return nil, err
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Chain < pools[j].Chain })
	return pools, nil
}

// Position returns a single position.
func (e *Engine) Position(id string) (*Position, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	return loadPosition(e.store, strings.TrimSpace(id))
}

// Positions lists positions, optionally narrowed to a chain and staker.
func (e *Engine) Positions(chain, staker string) ([]*Position, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	positions, err := e.store.PositionList(NormalizeChain(chain))
	if err != nil {
		return nil, err
	}
	staker = strings.TrimSpace(staker)
	out := positions[:0]
	for _, pos := range positions {
		if staker == "" || pos.Staker == staker {
			out = append(out, pos)
		}
	}
	return out, nil
}

// GetAggregateView combines every configured pool into one projection. It
// reads committed state only and never accrues.
func (e *Engine) GetAggregateView() (*AggregateView, error) {
	pools, err := e.Pools()
	if err != nil {
		return nil, err
	}
	view := &AggregateView{
		TotalValueLocked:        big.NewInt(0),
		TotalRewardsDistributed: big.NewInt(0),
		AverageAprBps:           weightedAprBps(pools),
		Pools:                   make([]PoolView, 0, len(pools)),
	}
	for _, p := range pools {
		staked := newBigInt(p.TotalStaked)
		distributed := newBigInt(p.RewardsDistributed)
		view.TotalValueLocked.Add(view.TotalValueLocked, staked)
		view.TotalRewardsDistributed.Add(view.TotalRewardsDistributed, distributed)
		if staked.Sign() > 0 {
			view.ActivePools++
		}
		view.Pools = append(view.Pools, PoolView{
			Chain:              p.Chain,
			AprBps:             p.AprBps,
			Validators:         p.Validators,
			TotalStaked:        staked,
			RewardsDistributed: distributed,
			LastAccrual:        p.LastAccrual,
		})
	}
	return view, nil
}
