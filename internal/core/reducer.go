package core

import (
	"errors"
	"fmt"

	"PerpStats/internal/event"
	fpmath "PerpStats/internal/math"
	"PerpStats/internal/state"
)

// Outcome classifies what an event did.
type Outcome int

const (
	// OutcomeApplied: the event's changes are staged.
	OutcomeApplied Outcome = iota
	// OutcomeSkip: the event refers to a position that does not exist and
	// changes nothing.
	OutcomeSkip
	// OutcomeFatalInconsistency: the store contradicts the event stream.
	// Nothing from the event may be committed and the stream must stop.
	OutcomeFatalInconsistency
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkip:
		return "skip"
	case OutcomeFatalInconsistency:
		return "fatal_inconsistency"
	default:
		return "unknown"
	}
}

// Reason labels skips and fatal outcomes. Values appear in metrics.
type Reason string

const (
	ReasonMissingPosition Reason = "missing_position"
	ReasonMissingProduct  Reason = "missing_product"
	ReasonArithmetic      Reason = "arithmetic"
)

// Result is what applying one event produced.
type Result struct {
	Outcome Outcome
	Reason  Reason
	Err     error        // detail for fatal outcomes
	Trade   *state.Trade // set when a close was applied
}

func applied() Result { return Result{Outcome: OutcomeApplied} }

func skip(reason Reason) Result {
	return Result{Outcome: OutcomeSkip, Reason: reason}
}

func fatal(reason Reason, err error) Result {
	return Result{Outcome: OutcomeFatalInconsistency, Reason: reason, Err: err}
}

func arithmetic(err error) (Result, error) {
	if errors.Is(err, fpmath.ErrDivisionByZero) {
		return fatal(ReasonArithmetic, err), nil
	}
	return Result{}, err
}

// Apply dispatches evt to its handler. The returned error is reserved for
// store failures; domain problems are reported through Result.
func Apply(u *UnitOfWork, evt event.Event) (Result, error) {
	switch e := evt.(type) {
	case *event.NewPosition:
		return HandleNewPosition(u, e)
	case *event.AddMargin:
		return HandleAddMargin(u, e)
	case *event.ClosePosition:
		return HandleClosePosition(u, e)
	default:
		return Result{}, fmt.Errorf("unhandled event type %T", evt)
	}
}

// HandleNewPosition opens a position and books fee, volume, margin and one
// position in every scope.
func HandleNewPosition(u *UnitOfWork, evt *event.NewPosition) (Result, error) {
	pos, err := state.OpenPosition(evt)
	if err != nil {
		return arithmetic(err)
	}

	global, err := u.GetOrCreateGlobalStats()
	if err != nil {
		return Result{}, err
	}
	day, err := u.GetOrCreateDayStats(evt.Timestamp)
	if err != nil {
		return Result{}, err
	}
	product, err := u.GetOrCreateProduct(evt.ProductID)
	if err != nil {
		return Result{}, err
	}

	global.RecordOpen(evt.Fee, evt.Size, evt.Margin)
	day.RecordOpen(evt.Fee, evt.Size, evt.Margin)
	product.RecordOpen(evt.Fee, evt.Size, evt.Margin)

	u.Put(pos)
	u.Put(global)
	u.Put(day)
	u.Put(product)
	return applied(), nil
}

// HandleAddMargin takes the contract's margin and leverage for the position
// and books the added margin in every scope.
func HandleAddMargin(u *UnitOfWork, evt *event.AddMargin) (Result, error) {
	lk, err := Load[state.Position](u, evt.PositionID)
	if err != nil {
		return Result{}, err
	}
	if !lk.Found {
		return skip(ReasonMissingPosition), nil
	}
	pos := lk.Value

	prod, err := Load[state.Product](u, pos.ProductID)
	if err != nil {
		return Result{}, err
	}
	if !prod.Found {
		return fatal(ReasonMissingProduct,
			fmt.Errorf("product %s of position %s not found", pos.ProductID, pos.ID)), nil
	}

	if err := pos.ApplyMargin(evt); err != nil {
		return arithmetic(err)
	}

	global, err := u.GetOrCreateGlobalStats()
	if err != nil {
		return Result{}, err
	}
	day, err := u.GetOrCreateDayStats(evt.Timestamp)
	if err != nil {
		return Result{}, err
	}

	global.RecordMargin(evt.Margin)
	day.RecordMargin(evt.Margin)
	prod.Value.RecordMargin(evt.Margin)

	u.Put(pos)
	u.Put(global)
	u.Put(day)
	u.Put(prod.Value)
	return applied(), nil
}

// HandleClosePosition records a Trade, then either deletes the position
// (the closed margin equals what remains) or shrinks it.
func HandleClosePosition(u *UnitOfWork, evt *event.ClosePosition) (Result, error) {
	lk, err := Load[state.Position](u, evt.PositionID)
	if err != nil {
		return Result{}, err
	}
	if !lk.Found {
		return skip(ReasonMissingPosition), nil
	}
	pos := lk.Value

	prod, err := Load[state.Product](u, evt.ProductID)
	if err != nil {
		return Result{}, err
	}
	if !prod.Found {
		return fatal(ReasonMissingProduct,
			fmt.Errorf("product %s not found closing position %s", evt.ProductID, pos.ID)), nil
	}
	product := prod.Value

	global, err := u.GetOrCreateGlobalStats()
	if err != nil {
		return Result{}, err
	}
	day, err := u.GetOrCreateDayStats(evt.Timestamp)
	if err != nil {
		return Result{}, err
	}

	// The trade snapshots the position before the close is applied.
	full := pos.IsFullClose(evt.Margin)
	trade := state.NewTrade(global.NextTradeID(), pos, evt)

	if full {
		u.Remove(state.KindPosition, pos.ID)
		global.PositionCount--
		product.PositionCount--
	} else {
		if err := pos.Reduce(evt.Size, evt.Margin); err != nil {
			return arithmetic(err)
		}
		u.Put(pos)
	}

	global.RecordClose(evt.Fee, evt.Size, evt.Margin, evt.Pnl)
	day.RecordClose(evt.Fee, evt.Size, evt.Margin, evt.Pnl)
	day.TradeCount++
	product.RecordClose(evt.Fee, evt.Size, evt.Margin, evt.Pnl)
	product.TradeCount++

	u.Put(trade)
	u.Put(global)
	u.Put(day)
	u.Put(product)
	return Result{Outcome: OutcomeApplied, Trade: trade}, nil
}
