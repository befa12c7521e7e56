package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for Trading contract events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeNewPosition
	EventTypeAddMargin
	EventTypeClosePosition
)

func (et EventType) String() string {
	switch et {
	case EventTypeNewPosition:
		return "NewPosition"
	case EventTypeAddMargin:
		return "AddMargin"
	case EventTypeClosePosition:
		return "ClosePosition"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "NewPosition":
		return EventTypeNewPosition, nil
	case "AddMargin":
		return EventTypeAddMargin, nil
	case "ClosePosition":
		return EventTypeClosePosition, nil
	default:
		return EventTypeUnknown, fmt.Errorf("unknown event type: %s", s)
	}
}

// Meta locates an event on chain. Block timestamps are the only clock the
// reducer ever sees.
type Meta struct {
	BlockNumber uint64
	Timestamp   int64 // block timestamp, seconds since epoch (UTC)
	TxHash      common.Hash
	LogIndex    uint
}

// Position returns the (block, log index) ordering key.
func (m Meta) Position() StreamPosition {
	return StreamPosition{BlockNumber: m.BlockNumber, LogIndex: m.LogIndex}
}

// StreamPosition orders events within a single contract stream.
type StreamPosition struct {
	BlockNumber uint64
	LogIndex    uint
}

// After reports whether p is strictly later than other.
func (p StreamPosition) After(other StreamPosition) bool {
	if p.BlockNumber != other.BlockNumber {
		return p.BlockNumber > other.BlockNumber
	}
	return p.LogIndex > other.LogIndex
}

func (p StreamPosition) String() string {
	return fmt.Sprintf("%d:%d", p.BlockNumber, p.LogIndex)
}

// Event is the interface all Trading events implement
type Event interface {
	EventType() EventType

	// PositionKey is the id of the Position the event refers to.
	PositionKey() string

	Metadata() Meta
}

// Delivery pairs an event with the acknowledgement hooks of the transport
// that produced it. Ack is called only after the event's effects are
// committed; Nak when processing stops without committing.
type Delivery struct {
	Event Event
	Ack   func()
	Nak   func()
}

// Acknowledge runs the Ack hook if one is set.
func (d Delivery) Acknowledge() {
	if d.Ack != nil {
		d.Ack()
	}
}

// Reject runs the Nak hook if one is set.
func (d Delivery) Reject() {
	if d.Nak != nil {
		d.Nak()
	}
}
