package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpStats/internal/event"
	"PerpStats/internal/observability"
	"PerpStats/internal/state"
	"PerpStats/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrOutOfOrder: the event is at or before the committed cursor.
	ErrOutOfOrder = errors.New("event at or before stream cursor")

	// ErrFatalInconsistency: the event contradicts stored state. The
	// processor halts and nothing from the event is committed.
	ErrFatalInconsistency = errors.New("fatal inconsistency")

	// ErrHalted is returned for every event after a fatal inconsistency.
	ErrHalted = errors.New("processor halted")
)

// RetryPolicy bounds the backoff between store retries.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultRetryPolicy backs off from 100ms up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: 100 * time.Millisecond, Max: 30 * time.Second}
}

// Processor applies events one at a time. Each event is reduced and its
// change set committed before the next is accepted. A Processor must only
// be driven from a single goroutine.
type Processor struct {
	store   store.Store
	hasher  *StateHasher
	cursor  *event.StreamPosition
	halted  bool
	resync  bool // a commit's outcome is unknown; reload the cursor first
	retry   RetryPolicy
	metrics *observability.Metrics
	health  *observability.HealthChecker
	logger  zerolog.Logger

	// Committed change sets are offered here without blocking.
	feed chan<- *store.ChangeSet
}

// NewProcessor resumes from the store's cursor, or starts a new hash chain
// if nothing has been committed yet. feed and metrics may be nil.
func NewProcessor(
	ctx context.Context,
	st store.Store,
	retry RetryPolicy,
	feed chan<- *store.ChangeSet,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Processor, error) {
	p := &Processor{
		store:   st,
		hasher:  NewStateHasher(),
		retry:   retry,
		metrics: metrics,
		logger:  logger,
		feed:    feed,
	}

	if err := p.resume(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// resume loads the cursor and hash tip from the store.
func (p *Processor) resume(ctx context.Context) error {
	cur, err := p.store.Cursor(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.logger.Info().Msg("no cursor, starting from genesis")
	case err != nil:
		return fmt.Errorf("load cursor: %w", err)
	default:
		pos := cur.Position
		p.cursor = &pos
		p.hasher = RestoreStateHasher(cur.StateHash)
		p.logger.Info().
			Stringer("cursor", pos).
			Str("state_hash", cur.StateHashHex()).
			Msg("resumed from cursor")
	}
	return nil
}

// Cursor returns the last committed position, if any.
func (p *Processor) Cursor() (event.StreamPosition, bool) {
	if p.cursor == nil {
		return event.StreamPosition{}, false
	}
	return *p.cursor, true
}

// StateHash returns the hash of the last committed change set.
func (p *Processor) StateHash() [32]byte {
	return p.hasher.Tip()
}

// SetHealthChecker reports the cursor block to h after each commit and
// marks h not ready when the processor halts.
func (p *Processor) SetHealthChecker(h *observability.HealthChecker) {
	p.health = h
	if p.cursor != nil {
		h.SetCursorBlock(p.cursor.BlockNumber)
	}
}

func (p *Processor) Halted() bool {
	return p.halted
}

// Process reduces evt and commits the result. Skips commit only the cursor.
// Store errors are retried with backoff until ctx is done; the event is
// reduced once and only its commit is repeated.
func (p *Processor) Process(ctx context.Context, evt event.Event) (Result, error) {
	eventType := evt.EventType().String()
	meta := evt.Metadata()
	pos := meta.Position()

	if p.halted {
		p.reject(eventType, "halted")
		return Result{}, ErrHalted
	}
	if p.resync {
		if err := p.resume(ctx); err != nil {
			return Result{}, err
		}
		p.resync = false
	}
	if p.cursor != nil && !pos.After(*p.cursor) {
		p.reject(eventType, "out_of_order")
		return Result{}, fmt.Errorf("%w: %s <= %s", ErrOutOfOrder, pos, *p.cursor)
	}

	start := time.Now()
	var (
		res Result
		uow *UnitOfWork
	)
	// Loads are read-only, so a failed reduction can start over.
	err := p.withRetry(ctx, eventType, func() error {
		uow = NewUnitOfWork(ctx, p.store)
		var err error
		res, err = Apply(uow, evt)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if res.Outcome == OutcomeFatalInconsistency {
		p.halted = true
		if p.health != nil {
			p.health.SetReady(false)
		}
		if p.metrics != nil {
			p.metrics.FatalEvents.WithLabelValues(eventType, string(res.Reason)).Inc()
		}
		p.logger.Error().
			Err(res.Err).
			Str("event_type", eventType).
			Str("position_id", evt.PositionKey()).
			Stringer("at", pos).
			Str("reason", string(res.Reason)).
			Msg("fatal inconsistency, halting")
		return res, fmt.Errorf("%w: %s at %s: %v", ErrFatalInconsistency, res.Reason, pos, res.Err)
	}

	// A skip stages nothing; its change set only moves the cursor.
	cs, err := p.buildChangeSet(uow, evt)
	if err != nil {
		return Result{}, err
	}
	// The change set is built once. A commit that landed but reported an
	// error is replayed byte for byte, which every Store treats as a no-op.
	if err := p.withRetry(ctx, eventType, func() error {
		return p.commit(ctx, cs)
	}); err != nil {
		p.resync = true
		return Result{}, err
	}

	p.hasher.Advance(cs.StateHash)
	p.cursor = &pos
	if p.health != nil {
		p.health.SetCursorBlock(pos.BlockNumber)
	}
	p.observe(uow, eventType, res, start)
	p.log(evt, res, cs)
	p.publish(cs)
	return res, nil
}

func (p *Processor) buildChangeSet(uow *UnitOfWork, evt event.Event) (*store.ChangeSet, error) {
	ops, err := uow.Ops()
	if err != nil {
		return nil, err
	}
	meta := evt.Metadata()
	cs := &store.ChangeSet{
		ID:        uuid.NewString(),
		Position:  meta.Position(),
		EventType: evt.EventType().String(),
		TxHash:    meta.TxHash,
		Timestamp: meta.Timestamp,
		Ops:       ops,
		PrevHash:  p.hasher.Tip(),
	}

	start := time.Now()
	cs.StateHash = p.hasher.Next(cs.Position, digestOps(ops))
	if p.metrics != nil {
		p.metrics.StateHashDur.Observe(time.Since(start).Seconds())
	}
	return cs, nil
}

func (p *Processor) commit(ctx context.Context, cs *store.ChangeSet) error {
	start := time.Now()
	if err := p.store.Commit(ctx, cs); err != nil {
		return fmt.Errorf("commit change set %s: %w", cs.ID, err)
	}
	if p.metrics != nil {
		p.metrics.CommitDuration.Observe(time.Since(start).Seconds())
		p.metrics.CommitOps.Observe(float64(len(cs.Ops)))
	}
	return nil
}

// withRetry runs fn until it succeeds or ctx is done, backing off
// exponentially between attempts.
func (p *Processor) withRetry(ctx context.Context, eventType string, fn func() error) error {
	backoff := p.retry.Initial
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > p.retry.Max {
				backoff = p.retry.Max
			}
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				p.logger.Info().Int("attempts", attempt+1).Msg("store recovered")
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if p.metrics != nil {
			p.metrics.CommitErrors.WithLabelValues("store").Inc()
			p.metrics.CommitRetry.Inc()
		}
		p.logger.Warn().
			Err(err).
			Str("event_type", eventType).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("store error, retrying")
	}
}

func (p *Processor) reject(eventType, reason string) {
	if p.metrics != nil {
		p.metrics.EventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (p *Processor) observe(uow *UnitOfWork, eventType string, res Result, start time.Time) {
	if p.metrics == nil {
		return
	}
	switch res.Outcome {
	case OutcomeApplied:
		p.metrics.EventsApplied.WithLabelValues(eventType).Inc()
	case OutcomeSkip:
		p.metrics.EventsSkipped.WithLabelValues(eventType, string(res.Reason)).Inc()
	}
	p.metrics.EventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	p.metrics.CursorBlock.Set(float64(p.cursor.BlockNumber))

	if e, ok := uow.Tracked(state.KindGlobalStats, state.GlobalStatsID); ok {
		g := e.(*state.GlobalStats)
		p.metrics.OpenPositions.Set(float64(g.PositionCount))
		p.metrics.TradesRecorded.Set(float64(g.TradeCount))
	}
}

func (p *Processor) log(evt event.Event, res Result, cs *store.ChangeSet) {
	switch {
	case res.Outcome == OutcomeSkip:
		p.logger.Warn().
			Str("event_type", evt.EventType().String()).
			Str("position_id", evt.PositionKey()).
			Stringer("at", cs.Position).
			Str("reason", string(res.Reason)).
			Msg("event skipped")
	case res.Trade != nil:
		p.logger.Info().
			Str("trade_id", res.Trade.ID).
			Str("position_id", res.Trade.PositionID).
			Bool("full_close", res.Trade.IsFullClose).
			Bool("liquidated", res.Trade.WasLiquidated).
			Str("size", res.Trade.Size.Decimal().String()).
			Str("pnl", res.Trade.Pnl.Decimal().String()).
			Msg("trade recorded")
	default:
		p.logger.Debug().
			Str("event_type", evt.EventType().String()).
			Str("position_id", evt.PositionKey()).
			Stringer("at", cs.Position).
			Int("ops", len(cs.Ops)).
			Msg("event applied")
	}
}

// publish offers cs to the change feed. Non-blocking: the store is the
// source of truth and feed consumers can re-read it.
func (p *Processor) publish(cs *store.ChangeSet) {
	if p.feed == nil {
		return
	}
	select {
	case p.feed <- cs:
	default:
		if p.metrics != nil {
			p.metrics.FeedDrops.Inc()
		}
	}
}

// Run processes deliveries until in is closed, ctx is done, or the stream
// halts. Deliveries are acked after commit. Out-of-order deliveries are
// acked and dropped; everything else that fails is nak'd.
func (p *Processor) Run(ctx context.Context, in <-chan event.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-in:
			if !ok {
				return nil
			}

			_, err := p.Process(ctx, d.Event)
			switch {
			case err == nil:
				d.Acknowledge()
			case errors.Is(err, ErrOutOfOrder):
				p.logger.Warn().Err(err).
					Str("event_type", d.Event.EventType().String()).
					Msg("dropping out-of-order event")
				d.Acknowledge()
			default:
				d.Reject()
				return err
			}
		}
	}
}
