package state_test

import (
	"testing"

	"PerpStats/internal/event"
	fpmath "PerpStats/internal/math"
	"PerpStats/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayIndex(t *testing.T) {
	assert.Equal(t, int64(0), state.DayIndex(0))
	assert.Equal(t, int64(0), state.DayIndex(86399))
	assert.Equal(t, int64(1), state.DayIndex(86400))
	assert.Equal(t, int64(19675), state.DayIndex(1_700_000_000))
	assert.Equal(t, int64(-1), state.DayIndex(-1))
	assert.Equal(t, "19675", state.DayID(1_700_000_000))
}

func TestNewDayStats(t *testing.T) {
	d := state.NewDayStats(1_700_000_123)
	assert.Equal(t, "19675", d.ID)
	assert.Equal(t, int64(19675*86400), d.Date)
	assert.True(t, d.CumulativeVolume.IsZero())
	assert.Zero(t, d.PositionCount)
}

func TestGlobalStatsNextTradeID(t *testing.T) {
	g := state.NewGlobalStats()
	assert.Equal(t, "1", g.ID)
	assert.Equal(t, "1", g.NextTradeID())
	assert.Equal(t, "2", g.NextTradeID())
	assert.Equal(t, int64(2), g.TradeCount)
}

func TestRollup(t *testing.T) {
	var r state.Rollup
	r.RecordOpen(fpmath.Units(1), fpmath.Units(1000), fpmath.Units(100))
	r.RecordMargin(fpmath.Units(50))
	r.RecordClose(fpmath.Units(2), fpmath.Units(400), fpmath.Units(40), fpmath.Units(-7))

	assert.True(t, r.CumulativeFees.Equal(fpmath.Units(3)))
	assert.True(t, r.CumulativeVolume.Equal(fpmath.Units(1400)))
	assert.True(t, r.CumulativeMargin.Equal(fpmath.Units(190)))
	assert.True(t, r.CumulativePnl.Equal(fpmath.Units(-7)))
	assert.Equal(t, int64(1), r.PositionCount)
	assert.Zero(t, r.TradeCount)
}

func openEvent() *event.NewPosition {
	return &event.NewPosition{
		Meta:       event.Meta{BlockNumber: 10, Timestamp: 1000},
		PositionID: "5",
		ProductID:  "1",
		User:       common.HexToAddress("0x01"),
		Currency:   common.HexToAddress("0x02"),
		IsLong:     true,
		Price:      fpmath.Units(2000),
		Margin:     fpmath.Units(100),
		Size:       fpmath.Units(1000),
		Fee:        fpmath.Units(1),
	}
}

func TestOpenPosition(t *testing.T) {
	pos, err := state.OpenPosition(openEvent())
	require.NoError(t, err)
	assert.True(t, pos.Leverage.Equal(fpmath.Units(10)))
	assert.Equal(t, "1999999999984000000000", pos.LiquidationPrice.String())
	assert.Equal(t, int64(1000), pos.CreatedAtTimestamp)
	assert.Equal(t, uint64(10), pos.CreatedAtBlockNumber)
}

func TestOpenPositionZeroMargin(t *testing.T) {
	evt := openEvent()
	evt.Margin = fpmath.Zero()
	_, err := state.OpenPosition(evt)
	assert.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}

func TestPositionReduceKeepsLiquidationPrice(t *testing.T) {
	pos, err := state.OpenPosition(openEvent())
	require.NoError(t, err)
	liq := pos.LiquidationPrice

	require.NoError(t, pos.Reduce(fpmath.Units(500), fpmath.Units(40)))
	assert.True(t, pos.Size.Equal(fpmath.Units(500)))
	assert.True(t, pos.Margin.Equal(fpmath.Units(60)))
	assert.True(t, pos.LiquidationPrice.Equal(liq))
	assert.Equal(t, "8333333333333333333", pos.Leverage.String())
}

func TestNewTradeSnapshotsPosition(t *testing.T) {
	pos, err := state.OpenPosition(openEvent())
	require.NoError(t, err)

	closeEvt := &event.ClosePosition{
		Meta:       event.Meta{BlockNumber: 20, Timestamp: 4600, TxHash: common.HexToHash("0xabc")},
		PositionID: "5",
		ProductID:  "1",
		User:       common.HexToAddress("0x03"),
		Price:      fpmath.Units(2100),
		Size:       fpmath.Units(1000),
		Margin:     fpmath.Units(100),
		Pnl:        fpmath.Units(50),
	}
	tr := state.NewTrade("1", pos, closeEvt)

	assert.True(t, tr.IsFullClose)
	assert.Equal(t, int64(3600), tr.Duration)
	assert.True(t, tr.EntryPrice.Equal(fpmath.Units(2000)))
	assert.True(t, tr.ClosePrice.Equal(fpmath.Units(2100)))
	assert.Equal(t, common.HexToAddress("0x03"), tr.User)
	assert.Equal(t, common.HexToAddress("0x02"), tr.Currency)
	assert.True(t, tr.IsLong)
}
