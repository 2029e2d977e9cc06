package yield

import (
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	serrors "guardiansettle/core/errors"
	"guardiansettle/core/events"
	"guardiansettle/core/intent"
	"guardiansettle/core/types"
	"guardiansettle/native/common"
	"guardiansettle/native/payout"
)

var (
	errNilState = errors.New("yield engine: state not configured")
	errNilVault = errors.New("yield engine: payout vault not configured")
)

// State is the persistence surface of the yield ledger.
type State interface {
	ClaimGet(claimant, capsuleID string) (*Claim, bool, error)
	ClaimPut(c *Claim) error
	ClaimList(claimant string) ([]*Claim, error)
	EarningPut(e *Earning) error
	EarningList(claimant, capsuleID string) ([]*Earning, error)
	EarningByRef(ref string) (*Earning, bool, error)
	IntentGet(correlationID string) (*intent.Intent, bool, error)
	IntentPut(in *intent.Intent) error
}

// Store adds atomic multi-record updates on top of State.
type Store interface {
	State
	YieldUpdate(fn func(State) error) error
}

// Engine owns the yield claim records.
type Engine struct {
	store    Store
	emitter  events.Emitter
	nowFn    func() int64
	locks    *common.KeyedMutex
	vault    string
	pauses   common.PauseView
	cooldown int64
}

// NewEngine constructs a yield ledger with the default cooldown.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		locks:    common.NewKeyedMutex(),
		cooldown: DefaultCooldownSeconds,
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

// SetVault configures the account claims are paid from.
func (e *Engine) SetVault(addr string) { e.vault = strings.TrimSpace(addr) }

// SetPauseView wires the module pause guard.
func (e *Engine) SetPauseView(view common.PauseView) { e.pauses = view }

// SetCooldown overrides the claim cooldown. Negative values are treated as zero.
func (e *Engine) SetCooldown(d time.Duration) {
	seconds := int64(d / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	e.cooldown = seconds
}

// Cooldown returns the configured claim cooldown.
func (e *Engine) Cooldown() time.Duration { return time.Duration(e.cooldown) * time.Second }

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
	return e.store.YieldUpdate(fn)
}

func normalizeIDs(claimant, capsuleID string) (string, string, error) {
	claimant = strings.TrimSpace(claimant)
	capsuleID = strings.TrimSpace(capsuleID)
	if claimant == "" || capsuleID == "" {
		return "", "", serrors.New(serrors.KindInvalidArgument, "yieldClaim", ClaimKey(claimant, capsuleID), "claimant and capsule id required")
	}
	if strings.Contains(claimant, keySeparator) || strings.Contains(capsuleID, keySeparator) {
		return "", "", serrors.New(serrors.KindInvalidArgument, "yieldClaim", ClaimKey(claimant, capsuleID), "claimant and capsule id may not contain "+keySeparator)
	}
	return claimant, capsuleID, nil
}

func loadClaim(st State, claimant, capsuleID string) (*Claim, error) {
	c, ok, err := st.ClaimGet(claimant, capsuleID)
	if err != nil {
		return nil, err
	}
	if !ok || c == nil {
		return newClaim(claimant, capsuleID), nil
	}
	return c, nil
}

// RecordEarning credits amount to the claimant's balance for the capsule.
// The model name is validated but not applied: callers pass net amounts
// after splitting. A non-empty ref makes the call idempotent; a replay
// returns the current record with recorded=false.
func (e *Engine) RecordEarning(claimant, capsuleID string, amount *big.Int, modelName, ref string) (*Claim, bool, error) {
	if err := common.Guard(e.pauses, common.ModuleYield); err != nil {
		return nil, false, err
	}
	claimant, capsuleID, err := normalizeIDs(claimant, capsuleID)
	if err != nil {
		return nil, false, err
	}
	key := ClaimKey(claimant, capsuleID)
	if amount == nil {
		return nil, false, serrors.New(serrors.KindInvalidArgument, "yieldClaim", key, "amount required")
	}
	if amount.Sign() < 0 {
		return nil, false, serrors.New(serrors.KindNegativeAmount, "yieldClaim", key, "earning must be non-negative")
	}
	model, err := payout.ParseModel(modelName)
	if err != nil {
		return nil, false, err
	}
	ref = strings.TrimSpace(ref)

	unlock := e.locks.Lock(key)
	defer unlock()

	var (
		claim    *Claim
		earning  *Earning
		recorded bool
	)
	err = e.update(func(st State) error {
		c, err := loadClaim(st, claimant, capsuleID)
		if err != nil {
			return err
		}
		claim = c
		if ref != "" {
			if _, seen, err := st.EarningByRef(ref); err != nil {
				return err
			} else if seen {
				return nil
			}
		}
		now := e.now()
		c.TotalEarned = new(big.Int).Add(c.TotalEarned, amount)
		c.UpdatedAt = now
		earning = &Earning{
			Claimant:   claimant,
			CapsuleID:  capsuleID,
			Amount:     new(big.Int).Set(amount),
			Model:      model.String(),
			Ref:        ref,
			RecordedAt: now,
		}
		if err := st.EarningPut(earning); err != nil {
			return err
		}
		recorded = true
		return st.ClaimPut(c)
	})
	if err != nil {
		return nil, false, err
	}
	if recorded {
		e.emit(EarningRecordedEvent(earning, claim.TotalEarned.String()))
	}
	return claim.Clone(), recorded, nil
}

// Claim moves the full claimable balance into a pending transfer intent.
// totalClaimed, lastClaimAt and the intent commit together.
func (e *Engine) Claim(claimant, capsuleID string) (*ClaimReceipt, *intent.Intent, error) {
	if err := common.Guard(e.pauses, common.ModuleYield); err != nil {
		return nil, nil, err
	}
	claimant, capsuleID, err := normalizeIDs(claimant, capsuleID)
	if err != nil {
		return nil, nil, err
	}
	key := ClaimKey(claimant, capsuleID)
	unlock := e.locks.Lock(key)
	defer unlock()

	var (
		claim    *Claim
		amount   *big.Int
		transfer *intent.Intent
	)
	err = e.update(func(st State) error {
		c, err := loadClaim(st, claimant, capsuleID)
		if err != nil {
			return err
		}
		now := e.now()
		if c.LastClaimAt > 0 && now < c.LastClaimAt+e.cooldown {
			remaining := time.Duration(c.LastClaimAt+e.cooldown-now) * time.Second
			return serrors.New(serrors.KindCooldownActive, "yieldClaim", key, "claim cooldown has not elapsed").WithRemaining(remaining)
		}
		claimable := c.Claimable()
		if claimable.Sign() <= 0 {
			return serrors.New(serrors.KindNothingToClaim, "yieldClaim", key, "claimable balance is zero")
		}
		if e.vault == "" {
			return errNilVault
		}
		c.ClaimCount++
		transfer = intent.New(intent.KindYieldClaim, key, c.ClaimCount, e.vault, claimant, claimable, now)
		transfer.SetSnap(intent.SnapPrevTotalClaimed, c.TotalClaimed.String())
		transfer.SetSnap(intent.SnapPrevLastClaimAt, strconv.FormatInt(c.LastClaimAt, 10))
		transfer.SetSnap(intent.SnapClaimant, claimant)
		transfer.SetSnap(intent.SnapCapsuleID, capsuleID)
		c.TotalClaimed = new(big.Int).Add(c.TotalClaimed, claimable)
		c.LastClaimAt = now
		c.UpdatedAt = now
		if err := st.IntentPut(transfer); err != nil {
			return err
		}
		if err := st.ClaimPut(c); err != nil {
			return err
		}
		claim = c
		amount = claimable
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	e.emit(ClaimedEvent(claim, amount.String(), transfer.CorrelationID))
	receipt := &ClaimReceipt{Claim: claim.Clone(), Amount: new(big.Int).Set(amount), CorrelationID: transfer.CorrelationID}
	return receipt, transfer.Clone(), nil
}

// GetClaimable returns the claimable balance without side effects. Unknown
// pairs report zero.
func (e *Engine) GetClaimable(claimant, capsuleID string) (*big.Int, error) {
	c, err := e.Get(claimant, capsuleID)
	if err != nil {
		return nil, err
	}
	return c.Claimable(), nil
}

// Get returns the claim record, or an empty record for unknown pairs.
func (e *Engine) Get(claimant, capsuleID string) (*Claim, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	claimant, capsuleID, err := normalizeIDs(claimant, capsuleID)
	if err != nil {
		return nil, err
	}
	return loadClaim(e.store, claimant, capsuleID)
}

// Claims lists every claim record held by the claimant. An empty claimant
// lists all records.
func (e *Engine) Claims(claimant string) ([]*Claim, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	return e.store.ClaimList(strings.TrimSpace(claimant))
}

// Earnings returns the credit history for a claimant and capsule.
func (e *Engine) Earnings(claimant, capsuleID string) ([]*Earning, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	claimant, capsuleID, err := normalizeIDs(claimant, capsuleID)
	if err != nil {
		return nil, err
	}
	return e.store.EarningList(claimant, capsuleID)
}

// ConfirmTransfer settles a claim intent. Already terminal intents are left
// untouched.
func (e *Engine) ConfirmTransfer(correlationID string) (*intent.Intent, error) {
	in, err := e.lookupIntent(correlationID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(in.EntityID)
	defer unlock()

	var (
		out     *intent.Intent
		settled *Claim
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
		c, err := loadClaim(st, current.Snap(intent.SnapClaimant), current.Snap(intent.SnapCapsuleID))
		if err != nil {
			return err
		}
		settled = c
		return st.IntentPut(current)
	})
	if err != nil {
		return nil, err
	}
	if settled != nil {
		e.emit(ClaimSettledEvent(settled, out.Amount.String(), correlationID))
	}
	return out.Clone(), nil
}

// ReverseTransfer compensates a failed claim transfer. The claimed amount is
// returned to the claimable balance and lastClaimAt reverts to its pre-claim
// value unless a later claim has since moved it.
func (e *Engine) ReverseTransfer(correlationID string, cause error) ([]*intent.Intent, error) {
	in, err := e.lookupIntent(correlationID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(in.EntityID)
	defer unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	var (
		reversed *Claim
		amount   string
	)
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
		c, err := loadClaim(st, current.Snap(intent.SnapClaimant), current.Snap(intent.SnapCapsuleID))
		if err != nil {
			return err
		}
		restored := new(big.Int).Sub(c.TotalClaimed, current.Amount)
		if restored.Sign() < 0 {
			restored = big.NewInt(0)
		}
		c.TotalClaimed = restored
		if c.LastClaimAt == current.CreatedAt {
			prev, err := strconv.ParseInt(current.Snap(intent.SnapPrevLastClaimAt), 10, 64)
			if err != nil {
				prev = 0
			}
			c.LastClaimAt = prev
		}
		c.UpdatedAt = now
		if err := st.ClaimPut(c); err != nil {
			return err
		}
		if err := current.Resolve(intent.StatusReversed, "", now); err != nil {
			return err
		}
		reversed = c
		amount = current.Amount.String()
		return st.IntentPut(current)
	})
	if err != nil {
		return nil, err
	}
	if reversed != nil {
		e.emit(ClaimReversedEvent(reversed, amount, correlationID))
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
	if in.Kind != intent.KindYieldClaim {
		return nil, serrors.New(serrors.KindInvalidArgument, "intent", correlationID, "not a yield claim intent")
	}
	return in, nil
}
