package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"PerpStats/internal/event"
	fpmath "PerpStats/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Relay subjects carry one event kind each: perp.chain.{token}[.{anything}].
var subjectTokens = map[string]event.EventType{
	"new_position":   event.EventTypeNewPosition,
	"add_margin":     event.EventTypeAddMargin,
	"close_position": event.EventTypeClosePosition,
}

// EventTypeForSubject maps a relay subject to its event type.
func EventTypeForSubject(subject string) (event.EventType, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "perp" || parts[1] != "chain" {
		return event.EventTypeUnknown, fmt.Errorf("unexpected subject %q", subject)
	}
	et, ok := subjectTokens[parts[2]]
	if !ok {
		return event.EventTypeUnknown, fmt.Errorf("unknown event token %q in subject %q", parts[2], subject)
	}
	return et, nil
}

// ParseRawEvent converts a RawEvent into a typed event.Event.
func ParseRawEvent(raw RawEvent, eventType event.EventType) (event.Event, error) {
	switch eventType {
	case event.EventTypeNewPosition:
		return parseNewPosition(raw.Data)
	case event.EventTypeAddMargin:
		return parseAddMargin(raw.Data)
	case event.EventTypeClosePosition:
		return parseClosePosition(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// base-10 integer strings in 10^18 units; ids may be strings or numbers.

type metaJSON struct {
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint   `json:"log_index"`
	Timestamp   int64  `json:"timestamp"`
	TxHash      string `json:"tx_hash"`
}

func (m metaJSON) meta() (event.Meta, error) {
	if m.BlockNumber == 0 {
		return event.Meta{}, fmt.Errorf("missing block_number")
	}
	if !isHexHash(m.TxHash) {
		return event.Meta{}, fmt.Errorf("invalid tx_hash %q", m.TxHash)
	}
	return event.Meta{
		BlockNumber: m.BlockNumber,
		LogIndex:    m.LogIndex,
		Timestamp:   m.Timestamp,
		TxHash:      common.HexToHash(m.TxHash),
	}, nil
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*common.HashLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func parseID(field string, n json.Number) (string, error) {
	v, ok := new(big.Int).SetString(n.String(), 10)
	if !ok || v.Sign() < 0 {
		return "", fmt.Errorf("invalid %s %q", field, n)
	}
	return v.String(), nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s %q", field, s)
	}
	return common.HexToAddress(s), nil
}

type newPositionJSON struct {
	metaJSON
	PositionID json.Number   `json:"position_id"`
	ProductID  json.Number   `json:"product_id"`
	User       string        `json:"user"`
	Currency   string        `json:"currency"`
	IsLong     bool          `json:"is_long"`
	Price      fpmath.Amount `json:"price"`
	Margin     fpmath.Amount `json:"margin"`
	Size       fpmath.Amount `json:"size"`
	Fee        fpmath.Amount `json:"fee"`
}

func parseNewPosition(data []byte) (*event.NewPosition, error) {
	var j newPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse NewPosition: %w", err)
	}
	meta, err := j.meta()
	if err != nil {
		return nil, fmt.Errorf("parse NewPosition: %w", err)
	}
	positionID, err := parseID("position_id", j.PositionID)
	if err != nil {
		return nil, err
	}
	productID, err := parseID("product_id", j.ProductID)
	if err != nil {
		return nil, err
	}
	user, err := parseAddress("user", j.User)
	if err != nil {
		return nil, err
	}
	currency, err := parseAddress("currency", j.Currency)
	if err != nil {
		return nil, err
	}

	return &event.NewPosition{
		Meta:       meta,
		PositionID: positionID,
		ProductID:  productID,
		User:       user,
		Currency:   currency,
		IsLong:     j.IsLong,
		Price:      j.Price,
		Margin:     j.Margin,
		Size:       j.Size,
		Fee:        j.Fee,
	}, nil
}

type addMarginJSON struct {
	metaJSON
	PositionID  json.Number   `json:"position_id"`
	User        string        `json:"user"`
	Margin      fpmath.Amount `json:"margin"`
	NewMargin   fpmath.Amount `json:"new_margin"`
	NewLeverage fpmath.Amount `json:"new_leverage"`
}

func parseAddMargin(data []byte) (*event.AddMargin, error) {
	var j addMarginJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AddMargin: %w", err)
	}
	meta, err := j.meta()
	if err != nil {
		return nil, fmt.Errorf("parse AddMargin: %w", err)
	}
	positionID, err := parseID("position_id", j.PositionID)
	if err != nil {
		return nil, err
	}
	user, err := parseAddress("user", j.User)
	if err != nil {
		return nil, err
	}

	return &event.AddMargin{
		Meta:        meta,
		PositionID:  positionID,
		User:        user,
		Margin:      j.Margin,
		NewMargin:   j.NewMargin,
		NewLeverage: j.NewLeverage,
	}, nil
}

type closePositionJSON struct {
	metaJSON
	PositionID    json.Number   `json:"position_id"`
	ProductID     json.Number   `json:"product_id"`
	User          string        `json:"user"`
	Price         fpmath.Amount `json:"price"`
	EntryPrice    fpmath.Amount `json:"entry_price"`
	Size          fpmath.Amount `json:"size"`
	Margin        fpmath.Amount `json:"margin"`
	Fee           fpmath.Amount `json:"fee"`
	Pnl           fpmath.Amount `json:"pnl"`
	WasLiquidated bool          `json:"was_liquidated"`
}

func parseClosePosition(data []byte) (*event.ClosePosition, error) {
	var j closePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClosePosition: %w", err)
	}
	meta, err := j.meta()
	if err != nil {
		return nil, fmt.Errorf("parse ClosePosition: %w", err)
	}
	positionID, err := parseID("position_id", j.PositionID)
	if err != nil {
		return nil, err
	}
	productID, err := parseID("product_id", j.ProductID)
	if err != nil {
		return nil, err
	}
	user, err := parseAddress("user", j.User)
	if err != nil {
		return nil, err
	}

	return &event.ClosePosition{
		Meta:          meta,
		PositionID:    positionID,
		ProductID:     productID,
		User:          user,
		Price:         j.Price,
		EntryPrice:    j.EntryPrice,
		Size:          j.Size,
		Margin:        j.Margin,
		Fee:           j.Fee,
		Pnl:           j.Pnl,
		WasLiquidated: j.WasLiquidated,
	}, nil
}
