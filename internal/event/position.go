package event

import (
	fpmath "PerpStats/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// NewPosition is emitted when a trader opens a position.
type NewPosition struct {
	Meta
	PositionID string
	ProductID  string
	User       common.Address
	Currency   common.Address // collateral token
	IsLong     bool
	Price      fpmath.Amount
	Margin     fpmath.Amount
	Size       fpmath.Amount
	Fee        fpmath.Amount
}

func (e *NewPosition) EventType() EventType { return EventTypeNewPosition }
func (e *NewPosition) PositionKey() string  { return e.PositionID }
func (e *NewPosition) Metadata() Meta       { return e.Meta }

// AddMargin is emitted when collateral is added to an open position.
// NewMargin and NewLeverage are computed by the contract; Margin is the
// amount added.
type AddMargin struct {
	Meta
	PositionID  string
	User        common.Address
	Margin      fpmath.Amount
	NewMargin   fpmath.Amount
	NewLeverage fpmath.Amount
}

func (e *AddMargin) EventType() EventType { return EventTypeAddMargin }
func (e *AddMargin) PositionKey() string  { return e.PositionID }
func (e *AddMargin) Metadata() Meta       { return e.Meta }

// ClosePosition is emitted for every full or partial close, including
// liquidations. Size and Margin are the amounts closed, not what remains.
type ClosePosition struct {
	Meta
	PositionID    string
	ProductID     string
	User          common.Address
	Price         fpmath.Amount
	EntryPrice    fpmath.Amount
	Size          fpmath.Amount
	Margin        fpmath.Amount
	Fee           fpmath.Amount
	Pnl           fpmath.Amount // signed
	WasLiquidated bool
}

func (e *ClosePosition) EventType() EventType { return EventTypeClosePosition }
func (e *ClosePosition) PositionKey() string  { return e.PositionID }
func (e *ClosePosition) Metadata() Meta       { return e.Meta }
