package core_test

import (
	"context"
	"fmt"
	"testing"

	"PerpStats/internal/core"
	"PerpStats/internal/event"
	fpmath "PerpStats/internal/math"
	"PerpStats/internal/state"
	"PerpStats/internal/store"
	"PerpStats/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var u = fpmath.Units

func TestNewPositionWorkedExample(t *testing.T) {
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	open := s.Open("5", "1", u(2000), u(100), u(1000), true)
	open.Fee = u(1)
	res, err := p.Process(context.Background(), open)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeApplied, res.Outcome)

	pos := mustFind[state.Position](t, st, "5")
	assert.True(t, pos.Leverage.Equal(u(10)))
	assert.Equal(t, "10000000000000000000", pos.Leverage.String())
	assert.Equal(t, "1999999999984000000000", pos.LiquidationPrice.String())
	assert.Equal(t, "1", pos.ProductID)
	assert.Equal(t, testutil.Trader, pos.User)
	assert.Equal(t, testutil.Day0, pos.CreatedAtTimestamp)

	g := global(t, st)
	assert.True(t, g.CumulativeFees.Equal(u(1)))
	assert.True(t, g.CumulativeVolume.Equal(u(1000)))
	assert.True(t, g.CumulativeMargin.Equal(u(100)))
	assert.Equal(t, int64(1), g.PositionCount)
	assert.Zero(t, g.TradeCount)

	d := day(t, st, testutil.Day0)
	assert.Equal(t, testutil.Day0, d.Date)
	assert.Equal(t, int64(1), d.PositionCount)

	assert.Equal(t, int64(1), product(t, st, "1").PositionCount)
}

func TestNewPositionShortLiquidationPrice(t *testing.T) {
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	_, err := p.Process(context.Background(), s.Open("5", "1", u(2000), u(100), u(1000), false))
	require.NoError(t, err)
	assert.Equal(t, "2000000000016000000000", mustFind[state.Position](t, st, "5").LiquidationPrice.String())
}

func TestFullCloseRemovesPosition(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	_, err := p.Process(ctx, s.Open("5", "1", u(2000), u(100), u(1000), true))
	require.NoError(t, err)
	afterOpen := global(t, st).PositionCount
	productAfterOpen := product(t, st, "1").PositionCount

	s.Advance(3600)
	res, err := p.Process(ctx, s.Close("5", "1", u(2100), u(1000), u(100)))
	require.NoError(t, err)
	require.NotNil(t, res.Trade)

	assert.False(t, lookup[state.Position](t, st, "5").Found)
	assert.Equal(t, afterOpen-1, global(t, st).PositionCount)
	assert.Equal(t, productAfterOpen-1, product(t, st, "1").PositionCount)

	tr := mustFind[state.Trade](t, st, "1")
	assert.True(t, tr.IsFullClose)
	assert.Equal(t, int64(3600), tr.Duration)
	assert.True(t, tr.EntryPrice.Equal(u(2000)))
	assert.True(t, tr.ClosePrice.Equal(u(2100)))
	assert.True(t, tr.Leverage.Equal(u(10)))
	assert.Equal(t, testutil.Currency, tr.Currency)
	assert.True(t, tr.IsLong)
	assert.NotEqual(t, [32]byte{}, [32]byte(tr.TxHash))
}

func TestFullCloseBoundaryIsExact(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	_, err := p.Process(ctx, s.Open("5", "1", u(2000), u(100), u(1000), true))
	require.NoError(t, err)
	liq := mustFind[state.Position](t, st, "5").LiquidationPrice

	oneUnitShort := u(100).Sub(fpmath.NewAmount(1))
	res, err := p.Process(ctx, s.Close("5", "1", u(2000), u(400), oneUnitShort))
	require.NoError(t, err)
	assert.False(t, res.Trade.IsFullClose)

	pos := mustFind[state.Position](t, st, "5")
	assert.Equal(t, "1", pos.Margin.String())
	assert.True(t, pos.Size.Equal(u(600)))
	assert.True(t, pos.LiquidationPrice.Equal(liq))
	assert.Equal(t, int64(1), global(t, st).PositionCount)
	assert.Equal(t, int64(1), product(t, st, "1").PositionCount)

	// closing the single remaining unit is a full close
	res, err = p.Process(ctx, s.Close("5", "1", u(2000), u(600), fpmath.NewAmount(1)))
	require.NoError(t, err)
	assert.True(t, res.Trade.IsFullClose)
	assert.False(t, lookup[state.Position](t, st, "5").Found)
	assert.Zero(t, global(t, st).PositionCount)
}

func TestPartialCloseShrinksPosition(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	_, err := p.Process(ctx, s.Open("5", "1", u(2000), u(100), u(1000), true))
	require.NoError(t, err)
	before := *mustFind[state.Position](t, st, "5")

	_, err = p.Process(ctx, s.Close("5", "1", u(1900), u(250), u(25)))
	require.NoError(t, err)

	pos := mustFind[state.Position](t, st, "5")
	assert.True(t, pos.Margin.Equal(before.Margin.Sub(u(25))))
	assert.True(t, pos.Size.Equal(before.Size.Sub(u(250))))
	assert.True(t, pos.LiquidationPrice.Equal(before.LiquidationPrice))
	assert.True(t, pos.Leverage.Equal(u(10)))
	assert.Equal(t, before.User, pos.User)
	assert.Equal(t, before.ProductID, pos.ProductID)
}

func TestAddMarginUsesEventValues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	_, err := p.Process(ctx, s.Open("5", "1", u(2000), u(100), u(1000), true))
	require.NoError(t, err)

	s.Advance(60)
	evt := s.AddMargin("5", u(100), u(200), u(5))
	_, err = p.Process(ctx, evt)
	require.NoError(t, err)

	pos := mustFind[state.Position](t, st, "5")
	assert.True(t, pos.Margin.Equal(u(200)))
	assert.True(t, pos.Leverage.Equal(u(5)))
	assert.True(t, pos.Leverage.Equal(mustDiv(t, pos.Size.Mul(fpmath.Unit), pos.Margin)))
	// factor = 2000e18 * 8000 * 10000 / 5e18 = 32e9
	assert.Equal(t, "1999999999968000000000", pos.LiquidationPrice.String())
	assert.Equal(t, evt.Timestamp, pos.UpdatedAtTimestamp)
	assert.Equal(t, evt.BlockNumber, pos.UpdatedAtBlockNumber)

	g := global(t, st)
	assert.True(t, g.CumulativeMargin.Equal(u(200)))
	assert.True(t, g.CumulativeVolume.Equal(u(1000)))
	assert.True(t, product(t, st, "1").CumulativeMargin.Equal(u(200)))
	assert.True(t, day(t, st, testutil.Day0).CumulativeMargin.Equal(u(200)))
}

func mustDiv(t *testing.T, a, b fpmath.Amount) fpmath.Amount {
	t.Helper()
	q, err := a.Div(b)
	require.NoError(t, err)
	return q
}

func TestMissingPositionIsSkipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	res, err := p.Process(ctx, s.AddMargin("404", u(1), u(2), u(3)))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSkip, res.Outcome)
	assert.Equal(t, core.ReasonMissingPosition, res.Reason)

	closeEvt := s.Close("404", "1", u(1), u(1), u(1))
	res, err = p.Process(ctx, closeEvt)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSkip, res.Outcome)

	for _, kind := range state.Kinds {
		assert.Zero(t, st.Len(kind), "kind %s", kind)
	}
	cur, ok := p.Cursor()
	require.True(t, ok)
	assert.Equal(t, closeEvt.Metadata().Position(), cur)
	assert.False(t, p.Halted())
}

func TestCloseWithMissingProductIsFatal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	_, err := p.Process(ctx, s.Open("5", "1", u(2000), u(100), u(1000), true))
	require.NoError(t, err)
	commits := st.Commits()

	res, err := p.Process(ctx, s.Close("5", "2", u(2000), u(1000), u(100)))
	require.ErrorIs(t, err, core.ErrFatalInconsistency)
	assert.Equal(t, core.OutcomeFatalInconsistency, res.Outcome)
	assert.Equal(t, core.ReasonMissingProduct, res.Reason)

	assert.Equal(t, commits, st.Commits())
	assert.Zero(t, st.Len(state.KindTrade))
	assert.Zero(t, global(t, st).TradeCount)
	assert.True(t, lookup[state.Position](t, st, "5").Found)
	assert.True(t, p.Halted())

	_, err = p.Process(ctx, s.Open("6", "1", u(2000), u(100), u(1000), true))
	assert.ErrorIs(t, err, core.ErrHalted)
}

func TestAddMarginWithMissingProductIsFatal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s := testutil.NewEventStream(testutil.Day0)

	// a position whose product was never stored
	orphan, err := state.OpenPosition(s.Open("5", "9", u(2000), u(100), u(1000), true))
	require.NoError(t, err)
	op, err := store.Upsert(orphan)
	require.NoError(t, err)
	require.NoError(t, st.Commit(ctx, &store.ChangeSet{ID: "seed", Position: event.StreamPosition{BlockNumber: 1}, Ops: []store.Op{op}}))

	p := newTestProcessor(t, st)
	res, err := p.Process(ctx, s.AddMargin("5", u(10), u(110), u(9)))
	require.ErrorIs(t, err, core.ErrFatalInconsistency)
	assert.Equal(t, core.ReasonMissingProduct, res.Reason)
	assert.Zero(t, st.Len(state.KindGlobalStats))
}

func TestZeroMarginIsFatal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	res, err := p.Process(ctx, s.Open("5", "1", u(2000), fpmath.Zero(), u(1000), true))
	require.ErrorIs(t, err, core.ErrFatalInconsistency)
	assert.Equal(t, core.ReasonArithmetic, res.Reason)
	assert.ErrorIs(t, res.Err, fpmath.ErrDivisionByZero)
	assert.Zero(t, st.Commits())
}

func TestZeroLeverageOnAddMarginIsFatal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	_, err := p.Process(ctx, s.Open("5", "1", u(2000), u(100), u(1000), true))
	require.NoError(t, err)

	res, err := p.Process(ctx, s.AddMargin("5", u(100), u(200), fpmath.Zero()))
	require.ErrorIs(t, err, core.ErrFatalInconsistency)
	assert.Equal(t, core.ReasonArithmetic, res.Reason)
	assert.True(t, mustFind[state.Position](t, st, "5").Margin.Equal(u(100)))
}

func TestTradeIDsAreSequential(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	_, err := p.Process(ctx, s.Open("5", "1", u(2000), u(100), u(1000), true))
	require.NoError(t, err)

	const k = 5
	for i := 1; i <= k; i++ {
		res, err := p.Process(ctx, s.Close("5", "1", u(2000), u(100), u(10)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), res.Trade.ID)
		assert.Equal(t, int64(i), global(t, st).TradeCount)
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, st.Keys(state.KindTrade))
	assert.Equal(t, int64(k), product(t, st, "1").TradeCount)
	assert.Equal(t, int64(k), day(t, st, testutil.Day0).TradeCount)
}

func TestRollupConservation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)
	day0 := s.Now()

	events := []event.Event{
		s.Open("1", "1", u(2000), u(100), u(1000), true),
		s.Open("2", "2", u(10), u(50), u(200), false),
	}
	s.Advance(state.SecondsPerDay)
	day1 := s.Now()
	events = append(events,
		s.Open("3", "1", u(2100), u(10), u(30), true),
		s.Close("1", "1", u(2050), u(400), u(40)),
		s.Close("2", "2", u(9), u(200), u(50)),
	)
	for _, evt := range events {
		_, err := p.Process(ctx, evt)
		require.NoError(t, err)
	}

	g := global(t, st)
	assert.True(t, g.CumulativeVolume.Equal(u(1830)), "global volume %s", g.CumulativeVolume)
	assert.True(t, g.CumulativeMargin.Equal(u(250)))
	assert.Equal(t, int64(2), g.PositionCount)
	assert.Equal(t, int64(2), g.TradeCount)

	d0, d1 := day(t, st, day0), day(t, st, day1)
	assert.True(t, d0.CumulativeVolume.Equal(u(1200)))
	assert.True(t, d1.CumulativeVolume.Equal(u(630)))
	assert.Equal(t, int64(2), d0.PositionCount)
	assert.Equal(t, int64(1), d1.PositionCount, "day position count is not decremented by closes")
	assert.Equal(t, int64(2), d1.TradeCount)

	p1, p2 := product(t, st, "1"), product(t, st, "2")
	assert.True(t, p1.CumulativeVolume.Equal(u(1430)))
	assert.True(t, p2.CumulativeVolume.Equal(u(400)))
	assert.Equal(t, int64(2), p1.PositionCount)
	assert.Zero(t, p2.PositionCount)
	assert.Equal(t, []string{"1", "3"}, st.Keys(state.KindPosition))
}

func TestPnlAndFeesRollUp(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st)
	s := testutil.NewEventStream(testutil.Day0)

	open := s.Open("5", "1", u(2000), u(100), u(1000), true)
	open.Fee = u(2)
	closeEvt := s.Close("5", "1", u(1800), u(1000), u(100))
	closeEvt.Fee = u(3)
	closeEvt.Pnl = u(-100)
	closeEvt.WasLiquidated = true

	for _, evt := range []event.Event{open, closeEvt} {
		_, err := p.Process(ctx, evt)
		require.NoError(t, err)
	}

	for _, r := range []state.Rollup{global(t, st).Rollup, day(t, st, testutil.Day0).Rollup, product(t, st, "1").Rollup} {
		assert.True(t, r.CumulativeFees.Equal(u(5)))
		assert.True(t, r.CumulativePnl.Equal(u(-100)))
	}
	tr := mustFind[state.Trade](t, st, "1")
	assert.True(t, tr.WasLiquidated)
	assert.True(t, tr.Pnl.Equal(u(-100)))
}
