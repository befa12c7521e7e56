package ingestion

import (
	"fmt"
	"math/big"
	"strings"

	"PerpStats/internal/event"
	fpmath "PerpStats/internal/math"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TradingABI covers the three Trading contract events the reducer consumes.
const TradingABI = `[
  {"type":"event","name":"NewPosition","anonymous":false,"inputs":[
    {"name":"positionId","type":"uint256","indexed":true},
    {"name":"user","type":"address","indexed":true},
    {"name":"productId","type":"uint256","indexed":true},
    {"name":"currency","type":"address","indexed":false},
    {"name":"isLong","type":"bool","indexed":false},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"margin","type":"uint256","indexed":false},
    {"name":"size","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false}]},
  {"type":"event","name":"AddMargin","anonymous":false,"inputs":[
    {"name":"positionId","type":"uint256","indexed":true},
    {"name":"user","type":"address","indexed":true},
    {"name":"margin","type":"uint256","indexed":false},
    {"name":"newMargin","type":"uint256","indexed":false},
    {"name":"newLeverage","type":"uint256","indexed":false}]},
  {"type":"event","name":"ClosePosition","anonymous":false,"inputs":[
    {"name":"positionId","type":"uint256","indexed":true},
    {"name":"user","type":"address","indexed":true},
    {"name":"productId","type":"uint256","indexed":true},
    {"name":"price","type":"uint256","indexed":false},
    {"name":"entryPrice","type":"uint256","indexed":false},
    {"name":"margin","type":"uint256","indexed":false},
    {"name":"size","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false},
    {"name":"pnl","type":"int256","indexed":false},
    {"name":"wasLiquidated","type":"bool","indexed":false}]}
]`

// LogDecoder turns Trading contract logs into typed events.
type LogDecoder struct {
	abi    abi.ABI
	events map[common.Hash]abi.Event
}

func NewLogDecoder() (*LogDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(TradingABI))
	if err != nil {
		return nil, fmt.Errorf("parse trading abi: %w", err)
	}
	d := &LogDecoder{abi: parsed, events: make(map[common.Hash]abi.Event)}
	for _, ev := range parsed.Events {
		d.events[ev.ID] = ev
	}
	return d, nil
}

// ABI exposes the parsed contract ABI.
func (d *LogDecoder) ABI() abi.ABI {
	return d.abi
}

// Topics returns the event signatures to filter on.
func (d *LogDecoder) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(d.events))
	for _, name := range []string{"NewPosition", "AddMargin", "ClosePosition"} {
		topics = append(topics, d.abi.Events[name].ID)
	}
	return topics
}

// Decode converts lg into an event stamped with the block timestamp.
func (d *LogDecoder) Decode(lg types.Log, timestamp int64) (event.Event, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("log %d in block %d has no topics", lg.Index, lg.BlockNumber)
	}
	ev, ok := d.events[lg.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("unknown event signature %s", lg.Topics[0].Hex())
	}

	args := make(map[string]interface{})
	if err := ev.Inputs.UnpackIntoMap(args, lg.Data); err != nil {
		return nil, fmt.Errorf("unpack %s data: %w", ev.Name, err)
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse %s topics: %w", ev.Name, err)
	}

	meta := event.Meta{
		BlockNumber: lg.BlockNumber,
		Timestamp:   timestamp,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}
	a := argReader{event: ev.Name, args: args}

	var out event.Event
	switch ev.Name {
	case "NewPosition":
		out = &event.NewPosition{
			Meta:       meta,
			PositionID: a.id("positionId"),
			ProductID:  a.id("productId"),
			User:       a.address("user"),
			Currency:   a.address("currency"),
			IsLong:     a.boolean("isLong"),
			Price:      a.amount("price"),
			Margin:     a.amount("margin"),
			Size:       a.amount("size"),
			Fee:        a.amount("fee"),
		}
	case "AddMargin":
		out = &event.AddMargin{
			Meta:        meta,
			PositionID:  a.id("positionId"),
			User:        a.address("user"),
			Margin:      a.amount("margin"),
			NewMargin:   a.amount("newMargin"),
			NewLeverage: a.amount("newLeverage"),
		}
	case "ClosePosition":
		out = &event.ClosePosition{
			Meta:          meta,
			PositionID:    a.id("positionId"),
			ProductID:     a.id("productId"),
			User:          a.address("user"),
			Price:         a.amount("price"),
			EntryPrice:    a.amount("entryPrice"),
			Size:          a.amount("size"),
			Margin:        a.amount("margin"),
			Fee:           a.amount("fee"),
			Pnl:           a.amount("pnl"),
			WasLiquidated: a.boolean("wasLiquidated"),
		}
	default:
		return nil, fmt.Errorf("unhandled event %s", ev.Name)
	}
	if a.err != nil {
		return nil, a.err
	}
	return out, nil
}

// argReader pulls typed values out of an unpacked argument map, keeping
// the first error.
type argReader struct {
	event string
	args  map[string]interface{}
	err   error
}

func (r *argReader) fail(name, want string) {
	if r.err == nil {
		r.err = fmt.Errorf("%s.%s: expected %s, got %T", r.event, name, want, r.args[name])
	}
}

func (r *argReader) big(name string) *big.Int {
	v, ok := r.args[name].(*big.Int)
	if !ok {
		r.fail(name, "*big.Int")
		return new(big.Int)
	}
	return v
}

func (r *argReader) amount(name string) fpmath.Amount {
	return fpmath.FromBig(r.big(name))
}

func (r *argReader) id(name string) string {
	return r.big(name).String()
}

func (r *argReader) address(name string) common.Address {
	v, ok := r.args[name].(common.Address)
	if !ok {
		r.fail(name, "address")
	}
	return v
}

func (r *argReader) boolean(name string) bool {
	v, ok := r.args[name].(bool)
	if !ok {
		r.fail(name, "bool")
	}
	return v
}
