package testutil

import (
	"fmt"

	"PerpStats/internal/event"
	fpmath "PerpStats/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	Trader   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	Currency = common.HexToAddress("0x0000000000000000000000000000000000005dc0")
)

// Day0 is midnight UTC, 2023-11-14.
const Day0 int64 = 19675 * 86400

// EventStream builds events in stream order: every event gets the next
// block number, and the clock only moves when told to.
type EventStream struct {
	block uint64
	now   int64
}

func NewEventStream(start int64) *EventStream {
	return &EventStream{now: start}
}

// Advance moves the block clock forward.
func (s *EventStream) Advance(seconds int64) *EventStream {
	s.now += seconds
	return s
}

func (s *EventStream) Now() int64 { return s.now }

func (s *EventStream) meta() event.Meta {
	s.block++
	return event.Meta{
		BlockNumber: s.block,
		Timestamp:   s.now,
		TxHash:      common.BytesToHash([]byte(fmt.Sprintf("tx-%d", s.block))),
	}
}

// Open builds a NewPosition with a zero fee.
func (s *EventStream) Open(positionID, productID string, price, margin, size fpmath.Amount, isLong bool) *event.NewPosition {
	return &event.NewPosition{
		Meta:       s.meta(),
		PositionID: positionID,
		ProductID:  productID,
		User:       Trader,
		Currency:   Currency,
		IsLong:     isLong,
		Price:      price,
		Margin:     margin,
		Size:       size,
	}
}

// AddMargin builds an AddMargin carrying the contract-computed margin and
// leverage.
func (s *EventStream) AddMargin(positionID string, added, newMargin, newLeverage fpmath.Amount) *event.AddMargin {
	return &event.AddMargin{
		Meta:        s.meta(),
		PositionID:  positionID,
		User:        Trader,
		Margin:      added,
		NewMargin:   newMargin,
		NewLeverage: newLeverage,
	}
}

// Close builds a ClosePosition with zero fee and pnl.
func (s *EventStream) Close(positionID, productID string, price, size, margin fpmath.Amount) *event.ClosePosition {
	return &event.ClosePosition{
		Meta:       s.meta(),
		PositionID: positionID,
		ProductID:  productID,
		User:       Trader,
		Price:      price,
		Size:       size,
		Margin:     margin,
	}
}
