package state

import (
	"PerpStats/internal/event"
	fpmath "PerpStats/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Position is an open position. It is deleted on a full close.
// ProductID and User never change after creation.
type Position struct {
	ID                   string         `json:"id"`
	ProductID            string         `json:"product_id"`
	Price                fpmath.Amount  `json:"price"` // entry price
	Margin               fpmath.Amount  `json:"margin"`
	Size                 fpmath.Amount  `json:"size"`
	Leverage             fpmath.Amount  `json:"leverage"`
	User                 common.Address `json:"user"`
	Currency             common.Address `json:"currency"`
	Fee                  fpmath.Amount  `json:"fee"`
	IsLong               bool           `json:"is_long"`
	LiquidationPrice     fpmath.Amount  `json:"liquidation_price"`
	CreatedAtTimestamp   int64          `json:"created_at_timestamp"`
	CreatedAtBlockNumber uint64         `json:"created_at_block_number"`
	UpdatedAtTimestamp   int64          `json:"updated_at_timestamp,omitempty"`
	UpdatedAtBlockNumber uint64         `json:"updated_at_block_number,omitempty"`
}

func (p *Position) Kind() Kind       { return KindPosition }
func (p *Position) EntityID() string { return p.ID }

// OpenPosition builds a Position from a NewPosition event. A zero margin
// fails with fpmath.ErrDivisionByZero.
func OpenPosition(evt *event.NewPosition) (*Position, error) {
	leverage, err := fpmath.ComputeLeverage(evt.Size, evt.Margin)
	if err != nil {
		return nil, err
	}
	liq, err := fpmath.ComputeLiquidationPrice(evt.Price, leverage, evt.IsLong)
	if err != nil {
		return nil, err
	}
	return &Position{
		ID:                   evt.PositionID,
		ProductID:            evt.ProductID,
		Price:                evt.Price,
		Margin:               evt.Margin,
		Size:                 evt.Size,
		Leverage:             leverage,
		User:                 evt.User,
		Currency:             evt.Currency,
		Fee:                  evt.Fee,
		IsLong:               evt.IsLong,
		LiquidationPrice:     liq,
		CreatedAtTimestamp:   evt.Timestamp,
		CreatedAtBlockNumber: evt.BlockNumber,
	}, nil
}

// ApplyMargin takes margin and leverage as reported by the contract and
// recomputes the liquidation price from the entry price.
func (p *Position) ApplyMargin(evt *event.AddMargin) error {
	liq, err := fpmath.ComputeLiquidationPrice(p.Price, evt.NewLeverage, p.IsLong)
	if err != nil {
		return err
	}
	p.Margin = evt.NewMargin
	p.Leverage = evt.NewLeverage
	p.LiquidationPrice = liq
	p.UpdatedAtTimestamp = evt.Timestamp
	p.UpdatedAtBlockNumber = evt.BlockNumber
	return nil
}

// IsFullClose reports whether closing closedMargin releases the whole
// position. The comparison is exact.
func (p *Position) IsFullClose(closedMargin fpmath.Amount) bool {
	return closedMargin.Equal(p.Margin)
}

// Reduce applies a partial close. Leverage follows the remaining size and
// margin; the liquidation price keeps its last computed value.
func (p *Position) Reduce(closedSize, closedMargin fpmath.Amount) error {
	margin := p.Margin.Sub(closedMargin)
	size := p.Size.Sub(closedSize)
	leverage, err := fpmath.ComputeLeverage(size, margin)
	if err != nil {
		return err
	}
	p.Margin = margin
	p.Size = size
	p.Leverage = leverage
	return nil
}

// Trade is the immutable record of one close.
type Trade struct {
	ID            string         `json:"id"`
	TxHash        common.Hash    `json:"tx_hash"`
	PositionID    string         `json:"position_id"`
	ProductID     string         `json:"product_id"`
	Leverage      fpmath.Amount  `json:"leverage"`
	Size          fpmath.Amount  `json:"size"`
	EntryPrice    fpmath.Amount  `json:"entry_price"`
	ClosePrice    fpmath.Amount  `json:"close_price"`
	Margin        fpmath.Amount  `json:"margin"`
	User          common.Address `json:"user"`
	Currency      common.Address `json:"currency"`
	Fee           fpmath.Amount  `json:"fee"`
	Pnl           fpmath.Amount  `json:"pnl"`
	WasLiquidated bool           `json:"was_liquidated"`
	IsFullClose   bool           `json:"is_full_close"`
	IsLong        bool           `json:"is_long"`
	Duration      int64          `json:"duration"` // seconds
	Timestamp     int64          `json:"timestamp"`
	BlockNumber   uint64         `json:"block_number"`
}

func (t *Trade) Kind() Kind       { return KindTrade }
func (t *Trade) EntityID() string { return t.ID }

// NewTrade snapshots a close against the position as it was before the
// close is applied. User comes from the event; currency, direction, entry
// price and leverage come from the position.
func NewTrade(id string, pos *Position, evt *event.ClosePosition) *Trade {
	return &Trade{
		ID:            id,
		TxHash:        evt.TxHash,
		PositionID:    evt.PositionID,
		ProductID:     evt.ProductID,
		Leverage:      pos.Leverage,
		Size:          evt.Size,
		EntryPrice:    pos.Price,
		ClosePrice:    evt.Price,
		Margin:        evt.Margin,
		User:          evt.User,
		Currency:      pos.Currency,
		Fee:           evt.Fee,
		Pnl:           evt.Pnl,
		WasLiquidated: evt.WasLiquidated,
		IsFullClose:   pos.IsFullClose(evt.Margin),
		IsLong:        pos.IsLong,
		Duration:      evt.Timestamp - pos.CreatedAtTimestamp,
		Timestamp:     evt.Timestamp,
		BlockNumber:   evt.BlockNumber,
	}
}
