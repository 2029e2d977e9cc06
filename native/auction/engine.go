package auction

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	serrors "guardiansettle/core/errors"
	"guardiansettle/core/events"
	"guardiansettle/core/intent"
	"guardiansettle/core/types"
	"guardiansettle/native/common"
	"guardiansettle/native/payout"
)

var (
	errNilState = errors.New("auction engine: state not configured")
	errNilVault = errors.New("auction engine: escrow vault not configured")
)

// State is the persistence surface the auction engine needs. Implementations
// return copies; callers own the values they receive.
type State interface {
	AuctionGet(id string) (*Auction, bool, error)
	AuctionPut(a *Auction) error
	AuctionList(filter Filter) ([]*Auction, error)
	BidGet(auctionID string, seq uint64) (*Bid, bool, error)
	BidPut(b *Bid) error
	BidList(auctionID string) ([]*Bid, error)
	IntentGet(correlationID string) (*intent.Intent, bool, error)
	IntentPut(in *intent.Intent) error
}

// Store adds atomic multi-record updates on top of State. The callback's
// writes commit together or not at all.
type Store interface {
	State
	AuctionUpdate(fn func(State) error) error
}

// BidResult reports the outcome of an accepted bid.
type BidResult struct {
	Auction *Auction
	Bid     *Bid
	// Refund is the refund intent for the displaced bid, nil for the first bid.
	Refund *intent.Intent
}

// Engine owns the auction and bid records.
type Engine struct {
	store        Store
	emitter      events.Emitter
	nowFn        func() int64
	locks        *common.KeyedMutex
	vault        string
	pauses       common.PauseView
	allowSelfBid bool
}

// NewEngine constructs an auction engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   common.NewKeyedMutex(),
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

// SetVault configures the escrow account refunds are paid from.
func (e *Engine) SetVault(addr string) { e.vault = strings.TrimSpace(addr) }

// SetPauseView wires the module pause guard.
func (e *Engine) SetPauseView(view common.PauseView) { e.pauses = view }

// SetAllowSelfBid controls whether a creator may bid on their own auction.
func (e *Engine) SetAllowSelfBid(allow bool) { e.allowSelfBid = allow }

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
	return e.store.AuctionUpdate(fn)
}

func notFound(id string) error {
	return serrors.New(serrors.KindNotFound, "auction", id, "auction does not exist")
}

func loadAuction(st State, id string) (*Auction, error) {
	a, ok, err := st.AuctionGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || a == nil {
		return nil, notFound(id)
	}
	return a, nil
}

func normalizeContentHash(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	decoded, err := hexutil.Decode(strings.ToLower(trimmed))
	if err != nil || len(decoded) != 32 {
		return "", serrors.New(serrors.KindInvalidArgument, "auction", raw, "content hash must be a 32-byte hex digest")
	}
	return hexutil.Encode(decoded), nil
}

// refundNonce keeps correlation ids unique across re-issued refunds of the
// same bid.
func refundNonce(seq uint64, attempt uint32) uint64 {
	return seq<<20 | uint64(attempt)
}

// CreateAuction opens a new Active auction ending durationSeconds from now.
func (e *Engine) CreateAuction(creator, contentHash string, reservePrice *big.Int, durationSeconds int64) (*Auction, error) {
	if err := common.Guard(e.pauses, common.ModuleAuction); err != nil {
		return nil, err
	}
	creator = strings.TrimSpace(creator)
	if creator == "" {
		return nil, serrors.New(serrors.KindInvalidArgument, "auction", "", "creator identity required")
	}
	if reservePrice == nil || reservePrice.Sign() <= 0 {
		return nil, serrors.New(serrors.KindInvalidReserve, "auction", "", "reserve price must be positive")
	}
	if durationSeconds <= 0 {
		return nil, serrors.New(serrors.KindInvalidArgument, "auction", "", "duration must be positive")
	}
	hash, err := normalizeContentHash(contentHash)
	if err != nil {
		return nil, err
	}
	now := e.now()
	created := &Auction{
		ID:           uuid.NewString(),
		Creator:      creator,
		ContentHash:  hash,
		ReservePrice: new(big.Int).Set(reservePrice),
		HighestBid:   big.NewInt(0),
		CreatedAt:    now,
		EndTime:      now + durationSeconds,
		Status:       StatusActive,
	}
	if err := e.update(func(st State) error { return st.AuctionPut(created) }); err != nil {
		return nil, err
	}
	e.emit(AuctionCreatedEvent(created))
	return created.Clone(), nil
}

// PlaceBid accepts a bid strictly above both the reserve and the current
// highest bid. The displaced highest bid is marked refund-pending and its
// refund intent commits in the same unit as the new highest bid.
func (e *Engine) PlaceBid(auctionID, bidder string, amount *big.Int) (*BidResult, error) {
	if err := common.Guard(e.pauses, common.ModuleAuction); err != nil {
		return nil, err
	}
	bidder = strings.TrimSpace(bidder)
	if bidder == "" {
		return nil, serrors.New(serrors.KindInvalidArgument, "auction", auctionID, "bidder identity required")
	}
	unlock := e.locks.Lock(auctionID)
	defer unlock()

	var (
		result    BidResult
		displaced *Bid
	)
	err := e.update(func(st State) error {
		a, err := loadAuction(st, auctionID)
		if err != nil {
			return err
		}
		now := e.now()
		if a.Status != StatusActive || now >= a.EndTime {
			return serrors.New(serrors.KindAuctionNotActive, "auction", a.ID, "bids are only accepted while active and before end time")
		}
		if !e.allowSelfBid && bidder == a.Creator {
			return serrors.New(serrors.KindNotAuthorized, "auction", a.ID, "creator may not bid on own auction")
		}
		floor := a.ReservePrice
		if a.HighestBid.Cmp(floor) > 0 {
			floor = a.HighestBid
		}
		if amount == nil || amount.Cmp(floor) <= 0 {
			return serrors.New(serrors.KindBidTooLow, "auction", a.ID, fmt.Sprintf("bid must exceed %s", floor))
		}
		seq := a.BidCount + 1
		bid := &Bid{
			AuctionID: a.ID,
			Seq:       seq,
			Bidder:    bidder,
			Amount:    new(big.Int).Set(amount),
			PlacedAt:  now,
		}
		if a.HighestBidSeq > 0 {
			if e.vault == "" {
				return errNilVault
			}
			prev, ok, err := st.BidGet(a.ID, a.HighestBidSeq)
			if err != nil {
				return err
			}
			if !ok || prev == nil {
				return fmt.Errorf("auction engine: highest bid %d missing for %s", a.HighestBidSeq, a.ID)
			}
			refund := e.queueRefund(prev, seq, now)
			if err := st.IntentPut(refund); err != nil {
				return err
			}
			if err := st.BidPut(prev); err != nil {
				return err
			}
			result.Refund = refund
			displaced = prev
		}
		a.HighestBid = new(big.Int).Set(amount)
		a.HighestBidder = bidder
		a.HighestBidSeq = seq
		a.BidCount = seq
		if err := st.BidPut(bid); err != nil {
			return err
		}
		if err := st.AuctionPut(a); err != nil {
			return err
		}
		result.Auction = a
		result.Bid = bid
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(BidPlacedEvent(result.Bid))
	if displaced != nil {
		e.emit(RefundQueuedEvent(displaced, result.Refund.CorrelationID))
	}
	return &BidResult{Auction: result.Auction.Clone(), Bid: result.Bid.Clone(), Refund: result.Refund.Clone()}, nil
}

func (e *Engine) queueRefund(b *Bid, displacingSeq uint64, now int64) *intent.Intent {
	refund := intent.New(intent.KindBidRefund, b.AuctionID, refundNonce(b.Seq, b.RefundAttempts), e.vault, b.Bidder, b.Amount, now)
	refund.SetSnap(intent.SnapBidSeq, strconv.FormatUint(b.Seq, 10))
	refund.SetSnap(intent.SnapDisplacingSeq, strconv.FormatUint(displacingSeq, 10))
	b.Refund = RefundPending
	b.RefundIntent = refund.CorrelationID
	b.RefundAttempts++
	return refund
}

// SealAuction closes an auction after its end time. With a winning bid the
// auction becomes Sealed and the proceeds are split under capsule_minting;
// without bids it is Cancelled.
func (e *Engine) SealAuction(auctionID, caller string) (*Auction, error) {
	if err := common.Guard(e.pauses, common.ModuleAuction); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(auctionID)
	defer unlock()

	var sealed *Auction
	err := e.update(func(st State) error {
		a, err := loadAuction(st, auctionID)
		if err != nil {
			return err
		}
		if strings.TrimSpace(caller) != a.Creator {
			return serrors.New(serrors.KindNotAuthorized, "auction", a.ID, "only the creator may seal")
		}
		if a.Status != StatusActive {
			return serrors.New(serrors.KindAlreadyFinalized, "auction", a.ID, "auction already "+a.Status.String())
		}
		now := e.now()
		if now < a.EndTime {
			return serrors.New(serrors.KindTooEarly, "auction", a.ID, "auction has not reached its end time")
		}
		if a.HasBids() {
			shares, err := payout.ComputeSplit(payout.ModelCapsuleMinting, a.HighestBid)
			if err != nil {
				return err
			}
			a.Status = StatusSealed
			a.Shares = shares
		} else {
			a.Status = StatusCancelled
		}
		a.SealedAt = now
		if err := st.AuctionPut(a); err != nil {
			return err
		}
		sealed = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(AuctionClosedEvent(sealed))
	return sealed.Clone(), nil
}

// CancelAuction lets the creator withdraw an auction that has no bids.
func (e *Engine) CancelAuction(auctionID, caller string) (*Auction, error) {
	if err := common.Guard(e.pauses, common.ModuleAuction); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(auctionID)
	defer unlock()

	var cancelled *Auction
	err := e.update(func(st State) error {
		a, err := loadAuction(st, auctionID)
		if err != nil {
			return err
		}
		if strings.TrimSpace(caller) != a.Creator {
			return serrors.New(serrors.KindNotAuthorized, "auction", a.ID, "only the creator may cancel")
		}
		if a.Status != StatusActive {
			return serrors.New(serrors.KindAlreadyFinalized, "auction", a.ID, "auction already "+a.Status.String())
		}
		if a.HasBids() {
			return serrors.New(serrors.KindHasBids, "auction", a.ID, "auctions with bids cannot be cancelled")
		}
		a.Status = StatusCancelled
		a.SealedAt = e.now()
		if err := st.AuctionPut(a); err != nil {
			return err
		}
		cancelled = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(AuctionClosedEvent(cancelled))
	return cancelled.Clone(), nil
}

// PendingAttribution lists sealed auctions whose shares have not yet been
// credited to the yield ledger.
func (e *Engine) PendingAttribution() ([]*Auction, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	status := StatusSealed
	return e.store.AuctionList(Filter{Status: &status, UnattributedOK: true})
}

// MarkAttributed records that the sealed proceeds reached the yield ledger.
// Repeated calls are no-ops.
func (e *Engine) MarkAttributed(auctionID string) (*Auction, error) {
	unlock := e.locks.Lock(auctionID)
	defer unlock()

	var (
		done    *Auction
		changed bool
	)
	err := e.update(func(st State) error {
		a, err := loadAuction(st, auctionID)
		if err != nil {
			return err
		}
		done = a
		if a.Status == StatusComplete {
			return nil
		}
		if a.Status != StatusSealed {
			return serrors.New(serrors.KindInvalidArgument, "auction", a.ID, "only sealed auctions carry proceeds")
		}
		a.Attributed = true
		a.Status = StatusComplete
		changed = true
		return st.AuctionPut(a)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.emit(AuctionClosedEvent(done))
	}
	return done.Clone(), nil
}

// ConfirmTransfer marks a refund intent settled. Confirming an already
// terminal intent is a no-op.
func (e *Engine) ConfirmTransfer(correlationID string) (*intent.Intent, error) {
	in, err := e.lookupIntent(correlationID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(in.EntityID)
	defer unlock()

	var (
		settled *Bid
		out     *intent.Intent
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
		bid, err := bidForIntent(st, current)
		if err != nil {
			return err
		}
		if bid.RefundIntent == current.CorrelationID {
			bid.Refund = Refunded
			if err := st.BidPut(bid); err != nil {
				return err
			}
		}
		settled = bid
		return st.IntentPut(current)
	})
	if err != nil {
		return nil, err
	}
	if settled != nil {
		e.emit(RefundSettledEvent(settled, correlationID))
	}
	return out.Clone(), nil
}

// ReverseTransfer compensates a failed refund. While the auction is still
// Active and the displacing bid is still highest, the auction returns to its
// prior state: the refunded bidder is highest again and the displacing bid
// is queued for refund instead. A refund produced by such a rollback is never
// rolled back again. Otherwise the refund obligation is re-issued
// under a new correlation id. Any follow-up intents are returned for
// submission.
func (e *Engine) ReverseTransfer(correlationID string, cause error) ([]*intent.Intent, error) {
	in, err := e.lookupIntent(correlationID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(in.EntityID)
	defer unlock()

	var (
		followUps []*intent.Intent
		reversed  *Bid
		restored  *Auction
		requeued  []*Bid
	)
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
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
		bid, err := bidForIntent(st, current)
		if err != nil {
			return err
		}
		a, err := loadAuction(st, current.EntityID)
		if err != nil {
			return err
		}
		displacingSeq, _ := strconv.ParseUint(current.Snap(intent.SnapDisplacingSeq), 10, 64)
		if bid.RefundIntent == current.CorrelationID {
			if a.Status == StatusActive && now < a.EndTime && a.HighestBidSeq == displacingSeq && displacingSeq > bid.Seq {
				displacing, ok, err := st.BidGet(a.ID, displacingSeq)
				if err != nil {
					return err
				}
				if !ok || displacing == nil {
					return fmt.Errorf("auction engine: displacing bid %d missing for %s", displacingSeq, a.ID)
				}
				// The displacing bid is voided and refunded, so the highest
				// bid drops back to the last bid whose funds stayed in escrow.
				// Bid ordering holds over the bids that remain standing.
				bid.Refund = RefundNone
				bid.RefundIntent = ""
				a.HighestBid = new(big.Int).Set(bid.Amount)
				a.HighestBidder = bid.Bidder
				a.HighestBidSeq = bid.Seq
				refund := e.queueRefund(displacing, bid.Seq, now)
				if err := st.IntentPut(refund); err != nil {
					return err
				}
				if err := st.BidPut(displacing); err != nil {
					return err
				}
				if err := st.AuctionPut(a); err != nil {
					return err
				}
				followUps = append(followUps, refund)
				requeued = append(requeued, displacing)
				restored = a
			} else {
				refund := e.queueRefund(bid, displacingSeq, now)
				if err := st.IntentPut(refund); err != nil {
					return err
				}
				followUps = append(followUps, refund)
				requeued = append(requeued, bid)
			}
			if err := st.BidPut(bid); err != nil {
				return err
			}
		}
		if err := current.Resolve(intent.StatusReversed, "", now); err != nil {
			return err
		}
		reversed = bid
		return st.IntentPut(current)
	})
	if err != nil {
		return nil, err
	}
	if reversed != nil {
		e.emit(RefundReversedEvent(reversed, correlationID))
	}
	if restored != nil {
		e.emit(BidPlacedEvent(reversed))
	}
	for i, b := range requeued {
		e.emit(RefundQueuedEvent(b, followUps[i].CorrelationID))
	}
	out := make([]*intent.Intent, len(followUps))
	for i, f := range followUps {
		out[i] = f.Clone()
	}
	return out, nil
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
	if in.Kind != intent.KindBidRefund {
		return nil, serrors.New(serrors.KindInvalidArgument, "intent", correlationID, "not a bid refund intent")
	}
	return in, nil
}

func bidForIntent(st State, in *intent.Intent) (*Bid, error) {
	seq, err := strconv.ParseUint(in.Snap(intent.SnapBidSeq), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auction engine: intent %s has no bid reference: %w", in.CorrelationID, err)
	}
	bid, ok, err := st.BidGet(in.EntityID, seq)
	if err != nil {
		return nil, err
	}
	if !ok || bid == nil {
		return nil, fmt.Errorf("auction engine: bid %d missing for %s", seq, in.EntityID)
	}
	return bid, nil
}

// Get returns the auction without mutating state.
func (e *Engine) Get(auctionID string) (*Auction, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	return loadAuction(e.store, auctionID)
}

// List returns auctions matching the filter.
func (e *Engine) List(filter Filter) ([]*Auction, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	return e.store.AuctionList(filter)
}

// Bids returns every accepted bid for the auction in acceptance order.
func (e *Engine) Bids(auctionID string) ([]*Bid, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	if _, err := loadAuction(e.store, auctionID); err != nil {
		return nil, err
	}
	return e.store.BidList(auctionID)
}
