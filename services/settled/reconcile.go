package settled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	serrors "guardiansettle/core/errors"
	"guardiansettle/core/intent"
	"guardiansettle/native/common"
	"guardiansettle/services/settled/transfer"
	"guardiansettle/storage/ledger"
)

// Outcome names the effect a sweep step had on an intent.
type Outcome string

const (
	OutcomeNone      Outcome = "none"
	OutcomeSubmitted Outcome = "submitted"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeRetry     Outcome = "retry"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeReversed  Outcome = "reversed"
	OutcomeError     Outcome = "error"
)

// ReconcileReport tallies one pass over the open intents.
type ReconcileReport struct {
	Scanned   int `json:"scanned"`
	Submitted int `json:"submitted"`
	Deferred  int `json:"deferred"`
	Retried   int `json:"retried"`
	Confirmed int `json:"confirmed"`
	Reversed  int `json:"reversed"`
	Errors    int `json:"errors"`
}

func (r *ReconcileReport) add(outcome Outcome) {
	switch outcome {
	case OutcomeSubmitted:
		r.Submitted++
	case OutcomeDeferred:
		r.Deferred++
	case OutcomeRetry:
		r.Retried++
	case OutcomeConfirmed:
		r.Confirmed++
	case OutcomeReversed:
		r.Reversed++
	case OutcomeError:
		r.Errors++
	}
}

// SweepReport combines the handoff and reconcile passes.
type SweepReport struct {
	StartedAt         time.Time       `json:"started_at"`
	AuctionsCredited  int             `json:"auctions_credited"`
	RewardsForwarded  int             `json:"rewards_forwarded"`
	Reconcile         ReconcileReport `json:"reconcile"`
	HandoffErrorCount int             `json:"handoff_errors"`
}

// step is the result of handling one intent under its lock. Follow-up intents
// produced by a compensation are submitted after the lock is released.
type step struct {
	outcome   Outcome
	followUps []*intent.Intent
}

func (c *Coordinator) submitBestEffort(ctx context.Context, correlationID string) {
	if _, err := c.Submit(ctx, correlationID); err != nil {
		c.metrics.RecordError("submit", "store")
		c.logger.Error("submit intent", slog.String("correlation_id", correlationID), slog.Any("error", err))
	}
}

// Submit hands a pending intent to the transfer capability. Capability errors
// are recorded on the intent and retried by the next sweep; only store errors
// are returned.
func (c *Coordinator) Submit(ctx context.Context, correlationID string) (Outcome, error) {
	res, err := func() (step, error) {
		unlock := c.locks.Lock(correlationID)
		defer unlock()
		in, err := c.load(correlationID)
		if err != nil {
			return step{outcome: OutcomeError}, err
		}
		if in.Status != intent.StatusPending || in.Submitted() {
			return step{outcome: OutcomeNone}, nil
		}
		return c.dispatchLocked(ctx, in)
	}()
	if err != nil {
		return res.outcome, err
	}
	for _, follow := range res.followUps {
		c.submitBestEffort(ctx, follow.CorrelationID)
	}
	return res.outcome, nil
}

// dispatchLocked submits an intent unless no daily window could ever admit
// it. Such claims and withdrawals are compensated so the balance returns to
// its owner. Refunds return escrowed funds and are submitted regardless.
func (c *Coordinator) dispatchLocked(ctx context.Context, in *intent.Intent) (step, error) {
	if in.Kind != intent.KindBidRefund && c.policies.Exceeds(in.Kind, in.Amount) {
		return c.compensateLocked(in, capExceeded(in))
	}
	outcome, err := c.submitLocked(ctx, in)
	return step{outcome: outcome}, err
}

func (c *Coordinator) submitLocked(ctx context.Context, in *intent.Intent) (Outcome, error) {
	kind := string(in.Kind)
	if c.IsPaused(common.ModuleTransfer) {
		c.metrics.RecordOutcome(kind, "paused")
		return OutcomeDeferred, nil
	}
	now := c.now()
	if err := c.policies.Validate(in.Kind, in.Amount, now); err != nil {
		if in.Kind != intent.KindBidRefund || !c.policies.Exceeds(in.Kind, in.Amount) {
			c.metrics.RecordError("submit", "daily_cap")
			c.logger.Info("transfer deferred by policy", slog.String("correlation_id", in.CorrelationID), slog.String("kind", kind), slog.Any("error", err))
			return OutcomeDeferred, nil
		}
		c.metrics.RecordError("submit", "daily_cap_override")
		c.logger.Warn("refund exceeds daily cap, submitting outside policy",
			slog.String("correlation_id", in.CorrelationID),
			slog.String("amount", in.Amount.String()))
	}
	if c.transfer == nil {
		return OutcomeError, fmt.Errorf("settled: transfer capability not configured")
	}
	attempts := in.Attempts + 1
	submitCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	_, err := c.transfer.Submit(submitCtx, in.CorrelationID, in.From, in.To, in.Amount)
	cancel()
	if err != nil {
		c.metrics.RecordError("submit", "transfer")
		c.logger.Warn("transfer submission failed",
			slog.String("correlation_id", in.CorrelationID),
			slog.String("kind", kind),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		if err := c.intents.IntentRecordAttempt(in.CorrelationID, attempts, err.Error()); err != nil {
			return OutcomeError, err
		}
		return OutcomeRetry, nil
	}
	if err := c.intents.IntentMarkSubmitted(in.CorrelationID, now.Unix(), attempts); err != nil {
		return OutcomeError, err
	}
	c.policies.Record(in.Kind, in.Amount, now)
	if remaining := c.policies.RemainingCap(in.Kind, now); remaining != nil {
		c.metrics.RecordCap(kind, remaining, c.policies.DailyCap(in.Kind))
	}
	c.metrics.ObserveSubmit(kind, c.now().Sub(now))
	c.metrics.RecordOutcome(kind, string(OutcomeSubmitted))
	return OutcomeSubmitted, nil
}

func (c *Coordinator) confirmLocked(in *intent.Intent) (Outcome, error) {
	engine, err := c.owner(in.Kind)
	if err != nil {
		return OutcomeError, err
	}
	if _, err := engine.ConfirmTransfer(in.CorrelationID); err != nil {
		return OutcomeError, err
	}
	c.metrics.RecordOutcome(string(in.Kind), string(OutcomeConfirmed))
	c.logger.Info("transfer confirmed", slog.String("correlation_id", in.CorrelationID), slog.String("kind", string(in.Kind)))
	return OutcomeConfirmed, nil
}

func (c *Coordinator) compensateLocked(in *intent.Intent, cause *serrors.Error) (step, error) {
	engine, err := c.owner(in.Kind)
	if err != nil {
		return step{outcome: OutcomeError}, err
	}
	followUps, err := engine.ReverseTransfer(in.CorrelationID, cause)
	if err != nil {
		return step{outcome: OutcomeError}, err
	}
	c.metrics.RecordCompensation(string(in.Kind), string(cause.Kind))
	c.metrics.RecordOutcome(string(in.Kind), string(OutcomeReversed))
	c.logger.Warn("transfer compensated",
		slog.String("correlation_id", in.CorrelationID),
		slog.String("kind", string(in.Kind)),
		slog.String("reason", string(cause.Kind)),
		slog.Int("follow_ups", len(followUps)))
	return step{outcome: OutcomeReversed, followUps: followUps}, nil
}

func transferFailed(in *intent.Intent, why string) *serrors.Error {
	return serrors.New(serrors.KindTransferFailed, "intent", in.CorrelationID, why)
}

func capExceeded(in *intent.Intent) *serrors.Error {
	return serrors.New(serrors.KindDailyCapExceeded, "intent", in.CorrelationID, "amount exceeds the daily cap for "+string(in.Kind))
}

func transferTimeout(in *intent.Intent) *serrors.Error {
	return serrors.New(serrors.KindTransferTimeout, "intent", in.CorrelationID, "no outcome within the retry budget")
}

// applyLocked routes a capability status to the owning engine.
func (c *Coordinator) applyLocked(ctx context.Context, in *intent.Intent, status transfer.Status, sweep bool) (step, error) {
	switch status {
	case transfer.StatusConfirmed:
		outcome, err := c.confirmLocked(in)
		return step{outcome: outcome}, err
	case transfer.StatusFailed:
		return c.compensateLocked(in, transferFailed(in, "transfer rejected by capability"))
	case transfer.StatusPending:
		if !in.Submitted() {
			// Resubmitting under the same id is idempotent at the capability
			// and records the submission through the policy.
			return c.dispatchLocked(ctx, in)
		}
		if !sweep || c.now().Sub(time.Unix(in.SubmittedAt, 0)) < c.confirmTimeout {
			return step{outcome: OutcomeNone}, nil
		}
		attempts := in.Attempts + 1
		if attempts > c.retryBudget {
			return c.compensateLocked(in, transferTimeout(in))
		}
		if err := c.intents.IntentRecordAttempt(in.CorrelationID, attempts, "awaiting confirmation"); err != nil {
			return step{outcome: OutcomeError}, err
		}
		return step{outcome: OutcomeRetry}, nil
	default:
		// The capability has no record of the id: it never accepted the
		// transfer, so resubmitting under the same id is safe.
		if in.Attempts >= c.retryBudget {
			return c.compensateLocked(in, transferFailed(in, "transfer never accepted within the retry budget"))
		}
		return c.dispatchLocked(ctx, in)
	}
}

func (c *Coordinator) reconcileOne(ctx context.Context, correlationID string) (step, error) {
	unlock := c.locks.Lock(correlationID)
	defer unlock()
	in, err := c.load(correlationID)
	if err != nil {
		return step{outcome: OutcomeError}, err
	}
	switch in.Status {
	case intent.StatusPending:
	case intent.StatusFailed:
		return c.compensateLocked(in, transferFailed(in, "transfer failed"))
	default:
		return step{outcome: OutcomeNone}, nil
	}
	if !in.Submitted() && in.Attempts == 0 {
		return c.dispatchLocked(ctx, in)
	}
	statusCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	status, err := c.transfer.Status(statusCtx, in.CorrelationID)
	cancel()
	if err != nil {
		c.metrics.RecordError("status", "transfer")
		return step{outcome: OutcomeError}, fmt.Errorf("status %s: %w", in.CorrelationID, err)
	}
	return c.applyLocked(ctx, in, status, true)
}

// Reconcile walks every open intent: unsubmitted intents are submitted,
// submitted ones are resolved against the capability, and intents that
// exhaust the retry budget are compensated.
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if c.transfer == nil {
		return report, fmt.Errorf("settled: transfer capability not configured")
	}
	ctx, span := c.tracer.Start(ctx, "settled.reconcile")
	defer span.End()
	open, err := c.intents.IntentList(ledger.IntentFilter{Statuses: []intent.Status{intent.StatusPending, intent.StatusFailed}})
	if err != nil {
		return report, err
	}
	var errs []error
	queue := make([]string, 0, len(open))
	for _, in := range open {
		queue = append(queue, in.CorrelationID)
	}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		id := queue[0]
		queue = queue[1:]
		report.Scanned++
		res, err := c.reconcileOne(ctx, id)
		report.add(res.outcome)
		if err != nil {
			if res.outcome != OutcomeError {
				report.Errors++
			}
			errs = append(errs, err)
			continue
		}
		for _, follow := range res.followUps {
			queue = append(queue, follow.CorrelationID)
		}
	}
	c.publishCounts()
	span.SetAttributes(
		attribute.Int("reconcile.scanned", report.Scanned),
		attribute.Int("reconcile.confirmed", report.Confirmed),
		attribute.Int("reconcile.reversed", report.Reversed),
	)
	joined := errors.Join(errs...)
	if joined != nil {
		span.RecordError(joined)
		span.SetStatus(codes.Error, joined.Error())
	}
	return report, joined
}

// Notify applies a pushed transfer outcome. Notifications for intents that
// already reached a terminal status are ignored.
func (c *Coordinator) Notify(ctx context.Context, correlationID string, status transfer.Status) (*intent.Intent, error) {
	if status == transfer.StatusUnknown || status == "" {
		return nil, serrors.New(serrors.KindInvalidArgument, "intent", correlationID, "notification must carry an outcome")
	}
	res, err := c.resolve(ctx, correlationID, func(in *intent.Intent) (step, error) {
		return c.applyLocked(ctx, in, status, false)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ForceResolve re-queries the capability for one intent and applies the
// answer immediately.
func (c *Coordinator) ForceResolve(ctx context.Context, correlationID string) (*intent.Intent, error) {
	if c.transfer == nil {
		return nil, fmt.Errorf("settled: transfer capability not configured")
	}
	return c.resolve(ctx, correlationID, func(in *intent.Intent) (step, error) {
		statusCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
		status, err := c.transfer.Status(statusCtx, in.CorrelationID)
		cancel()
		if err != nil {
			return step{outcome: OutcomeError}, fmt.Errorf("status %s: %w", in.CorrelationID, err)
		}
		return c.applyLocked(ctx, in, status, false)
	})
}

func (c *Coordinator) resolve(ctx context.Context, correlationID string, apply func(*intent.Intent) (step, error)) (*intent.Intent, error) {
	res, err := func() (step, error) {
		unlock := c.locks.Lock(correlationID)
		defer unlock()
		in, err := c.load(correlationID)
		if err != nil {
			return step{}, err
		}
		if in.Status.Terminal() {
			return step{outcome: OutcomeNone}, nil
		}
		if in.Status == intent.StatusFailed {
			return c.compensateLocked(in, transferFailed(in, "transfer failed"))
		}
		return apply(in)
	}()
	if err != nil {
		return nil, err
	}
	for _, follow := range res.followUps {
		c.submitBestEffort(ctx, follow.CorrelationID)
	}
	return c.load(correlationID)
}

// Sweep runs the cross-component handoffs followed by a reconcile pass.
func (c *Coordinator) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{StartedAt: c.now().UTC()}
	ctx, span := c.tracer.Start(ctx, "settled.sweep", trace.WithAttributes(attribute.Bool("settled.paused", c.IsPaused(""))))
	defer span.End()
	var errs []error
	credited, err := c.AttributeSealed()
	report.AuctionsCredited = credited
	if err != nil {
		report.HandoffErrorCount++
		errs = append(errs, err)
	}
	forwarded, err := c.ForwardRewards()
	report.RewardsForwarded = forwarded
	if err != nil {
		report.HandoffErrorCount++
		errs = append(errs, err)
	}
	reconciled, err := c.Reconcile(ctx)
	report.Reconcile = reconciled
	if err != nil {
		errs = append(errs, err)
	}
	c.mu.Lock()
	snapshot := report
	c.lastSweep = &snapshot
	c.mu.Unlock()
	joined := errors.Join(errs...)
	if joined != nil {
		c.logger.Warn("sweep finished with errors", slog.Any("error", joined))
	} else {
		c.logger.Debug("sweep finished",
			slog.Int("submitted", reconciled.Submitted),
			slog.Int("confirmed", reconciled.Confirmed),
			slog.Int("reversed", reconciled.Reversed))
	}
	return report, joined
}

func (c *Coordinator) publishCounts() {
	counts, err := c.intents.IntentCounts()
	if err != nil {
		c.metrics.RecordError("counts", "store")
		return
	}
	for _, status := range []intent.Status{intent.StatusPending, intent.StatusConfirmed, intent.StatusFailed, intent.StatusReversed} {
		c.metrics.SetIntentCount(string(status), counts[status])
	}
}

// Status summarises coordinator state for administrative endpoints.
type Status struct {
	Paused       bool              `json:"paused"`
	Intents      map[string]int64  `json:"intents"`
	InFlight     int               `json:"in_flight"`
	CapRemaining map[string]string `json:"cap_remaining"`
	LastSweep    *SweepReport      `json:"last_sweep,omitempty"`
}

// Status reports the current coordinator status snapshot.
func (c *Coordinator) Status() (Status, error) {
	counts, err := c.intents.IntentCounts()
	if err != nil {
		return Status{}, err
	}
	c.mu.Lock()
	status := Status{
		Paused:       c.paused,
		Intents:      make(map[string]int64, len(counts)),
		InFlight:     c.locks.Held(),
		CapRemaining: make(map[string]string),
	}
	if c.lastSweep != nil {
		last := *c.lastSweep
		status.LastSweep = &last
	}
	c.mu.Unlock()
	for st, n := range counts {
		status.Intents[string(st)] = n
	}
	for kind, remaining := range c.policies.Snapshot(c.now()) {
		status.CapRemaining[string(kind)] = remaining.String()
	}
	return status, nil
}
