package ingestion_test

import (
	"math/big"
	"testing"

	"PerpStats/internal/event"
	"PerpStats/internal/ingestion"
	fpmath "PerpStats/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contract = common.HexToAddress("0x0000000000000000000000000000000000c0ffee")
	trader   = common.HexToAddress(testUser)
	token    = common.HexToAddress(testToken)
)

func wei(units int64) *big.Int {
	return fpmath.Units(units).Big()
}

// logBuilder packs Trading contract logs the way the contract emits them.
type logBuilder struct {
	t       *testing.T
	decoder *ingestion.LogDecoder
}

func newLogBuilder(t *testing.T) *logBuilder {
	t.Helper()
	d, err := ingestion.NewLogDecoder()
	require.NoError(t, err)
	return &logBuilder{t: t, decoder: d}
}

func (b *logBuilder) build(name string, block uint64, index uint, topics []common.Hash, data ...interface{}) types.Log {
	b.t.Helper()
	ev := b.decoder.ABI().Events[name]
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	require.NoError(b.t, err)
	return types.Log{
		Address:     contract,
		Topics:      append([]common.Hash{ev.ID}, topics...),
		Data:        packed,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000) + int64(index))),
		Index:       index,
	}
}

func (b *logBuilder) newPosition(block uint64, index uint, positionID, productID int64) types.Log {
	return b.build("NewPosition", block, index,
		[]common.Hash{
			common.BigToHash(big.NewInt(positionID)),
			common.BytesToHash(trader.Bytes()),
			common.BigToHash(big.NewInt(productID)),
		},
		token, true, wei(2000), wei(100), wei(1000), wei(1),
	)
}

func (b *logBuilder) addMargin(block uint64, index uint, positionID int64) types.Log {
	return b.build("AddMargin", block, index,
		[]common.Hash{
			common.BigToHash(big.NewInt(positionID)),
			common.BytesToHash(trader.Bytes()),
		},
		wei(50), wei(150), big.NewInt(6666666666666666666),
	)
}

func (b *logBuilder) closePosition(block uint64, index uint, positionID, productID int64, pnl *big.Int) types.Log {
	return b.build("ClosePosition", block, index,
		[]common.Hash{
			common.BigToHash(big.NewInt(positionID)),
			common.BytesToHash(trader.Bytes()),
			common.BigToHash(big.NewInt(productID)),
		},
		wei(1900), wei(2000), wei(100), wei(1000), wei(0), pnl, false,
	)
}

func TestDecodeNewPosition(t *testing.T) {
	b := newLogBuilder(t)
	lg := b.newPosition(12, 4, 42, 7)

	evt, err := b.decoder.Decode(lg, 1700000000)
	require.NoError(t, err)

	np, ok := evt.(*event.NewPosition)
	require.True(t, ok, "expected *event.NewPosition, got %T", evt)
	assert.Equal(t, "42", np.PositionID)
	assert.Equal(t, "7", np.ProductID)
	assert.Equal(t, trader, np.User)
	assert.Equal(t, token, np.Currency)
	assert.True(t, np.IsLong)
	assert.True(t, np.Price.Equal(fpmath.Units(2000)))
	assert.True(t, np.Margin.Equal(fpmath.Units(100)))
	assert.True(t, np.Size.Equal(fpmath.Units(1000)))
	assert.True(t, np.Fee.Equal(fpmath.Units(1)))

	meta := np.Metadata()
	assert.Equal(t, uint64(12), meta.BlockNumber)
	assert.Equal(t, uint(4), meta.LogIndex)
	assert.Equal(t, int64(1700000000), meta.Timestamp)
	assert.Equal(t, lg.TxHash, meta.TxHash)
}

func TestDecodeAddMargin(t *testing.T) {
	b := newLogBuilder(t)

	evt, err := b.decoder.Decode(b.addMargin(12, 0, 42), 1700000000)
	require.NoError(t, err)

	am, ok := evt.(*event.AddMargin)
	require.True(t, ok, "expected *event.AddMargin, got %T", evt)
	assert.Equal(t, "42", am.PositionID)
	assert.Equal(t, trader, am.User)
	assert.True(t, am.Margin.Equal(fpmath.Units(50)))
	assert.True(t, am.NewMargin.Equal(fpmath.Units(150)))
	assert.Equal(t, "6666666666666666666", am.NewLeverage.String())
}

func TestDecodeClosePositionNegativePnl(t *testing.T) {
	b := newLogBuilder(t)

	evt, err := b.decoder.Decode(b.closePosition(12, 1, 42, 7, wei(-100)), 1700000000)
	require.NoError(t, err)

	cp, ok := evt.(*event.ClosePosition)
	require.True(t, ok, "expected *event.ClosePosition, got %T", evt)
	assert.Equal(t, "7", cp.ProductID)
	assert.True(t, cp.Price.Equal(fpmath.Units(1900)))
	assert.True(t, cp.EntryPrice.Equal(fpmath.Units(2000)))
	assert.True(t, cp.Pnl.Equal(fpmath.Units(-100)))
	assert.True(t, cp.Fee.IsZero())
	assert.False(t, cp.WasLiquidated)
}

func TestDecodeRejectsForeignLogs(t *testing.T) {
	b := newLogBuilder(t)

	_, err := b.decoder.Decode(types.Log{BlockNumber: 1}, 0)
	assert.Error(t, err, "no topics")

	_, err = b.decoder.Decode(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}, 0)
	assert.Error(t, err, "unknown signature")

	lg := b.newPosition(1, 0, 1, 1)
	lg.Data = lg.Data[:32]
	_, err = b.decoder.Decode(lg, 0)
	assert.Error(t, err, "truncated data")
}

func TestTopicsCoverAllEvents(t *testing.T) {
	b := newLogBuilder(t)
	topics := b.decoder.Topics()
	require.Len(t, topics, 3)
	assert.Equal(t, b.decoder.ABI().Events["NewPosition"].ID, topics[0])
	assert.Equal(t, b.decoder.ABI().Events["AddMargin"].ID, topics[1])
	assert.Equal(t, b.decoder.ABI().Events["ClosePosition"].ID, topics[2])
}
