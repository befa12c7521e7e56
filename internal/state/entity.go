package state

import (
	"strconv"

	fpmath "PerpStats/internal/math"
)

// Kind names an entity collection. Values are used as storage keys and
// change-feed subject tokens, so they must stay stable.
type Kind string

const (
	KindGlobalStats Kind = "global_stats"
	KindDayStats    Kind = "day_stats"
	KindProduct     Kind = "product"
	KindPosition    Kind = "position"
	KindTrade       Kind = "trade"
)

// Kinds lists every collection in a fixed order.
var Kinds = []Kind{KindGlobalStats, KindDayStats, KindProduct, KindPosition, KindTrade}

func (k Kind) Valid() bool {
	switch k {
	case KindGlobalStats, KindDayStats, KindProduct, KindPosition, KindTrade:
		return true
	}
	return false
}

// Entity is implemented by every persisted record.
type Entity interface {
	Kind() Kind
	EntityID() string
}

const (
	// GlobalStatsID is the key of the GlobalStats singleton.
	GlobalStatsID = "1"

	SecondsPerDay = 86400
)

// DayIndex returns floor(ts / 86400) for a UTC epoch timestamp.
func DayIndex(ts int64) int64 {
	d := ts / SecondsPerDay
	if ts%SecondsPerDay < 0 {
		d--
	}
	return d
}

// DayID is the DayStats key for the day containing ts.
func DayID(ts int64) string {
	return strconv.FormatInt(DayIndex(ts), 10)
}

// Rollup holds the counters shared by the three aggregate scopes.
type Rollup struct {
	CumulativeFees   fpmath.Amount `json:"cumulative_fees"`
	CumulativePnl    fpmath.Amount `json:"cumulative_pnl"`
	CumulativeVolume fpmath.Amount `json:"cumulative_volume"`
	CumulativeMargin fpmath.Amount `json:"cumulative_margin"`
	PositionCount    int64         `json:"position_count"`
	TradeCount       int64         `json:"trade_count"`
}

// RecordOpen books a newly opened position.
func (r *Rollup) RecordOpen(fee, size, margin fpmath.Amount) {
	r.CumulativeFees = r.CumulativeFees.Add(fee)
	r.CumulativeVolume = r.CumulativeVolume.Add(size)
	r.CumulativeMargin = r.CumulativeMargin.Add(margin)
	r.PositionCount++
}

// RecordMargin books collateral added to an open position.
func (r *Rollup) RecordMargin(delta fpmath.Amount) {
	r.CumulativeMargin = r.CumulativeMargin.Add(delta)
}

// RecordClose books the amounts of a close. Counts are left to the caller:
// trade ids come from GlobalStats, and only full closes release a position.
func (r *Rollup) RecordClose(fee, size, margin, pnl fpmath.Amount) {
	r.CumulativeFees = r.CumulativeFees.Add(fee)
	r.CumulativeVolume = r.CumulativeVolume.Add(size)
	r.CumulativeMargin = r.CumulativeMargin.Add(margin)
	r.CumulativePnl = r.CumulativePnl.Add(pnl)
}

// GlobalStats is the protocol-wide singleton.
type GlobalStats struct {
	ID string `json:"id"`
	Rollup
}

func NewGlobalStats() *GlobalStats {
	return &GlobalStats{ID: GlobalStatsID}
}

func (g *GlobalStats) Kind() Kind       { return KindGlobalStats }
func (g *GlobalStats) EntityID() string { return g.ID }

// NextTradeID increments TradeCount and returns it as the new Trade key.
func (g *GlobalStats) NextTradeID() string {
	g.TradeCount++
	return strconv.FormatInt(g.TradeCount, 10)
}

// DayStats aggregates one UTC day. PositionCount counts opens on that day
// and is never decremented.
type DayStats struct {
	ID   string `json:"id"`
	Date int64  `json:"date"` // day start, epoch seconds
	Rollup
}

// NewDayStats returns zeroed stats for the day containing ts.
func NewDayStats(ts int64) *DayStats {
	idx := DayIndex(ts)
	return &DayStats{
		ID:   strconv.FormatInt(idx, 10),
		Date: idx * SecondsPerDay,
	}
}

func (d *DayStats) Kind() Kind       { return KindDayStats }
func (d *DayStats) EntityID() string { return d.ID }

// Product aggregates one instrument. It outlives its positions.
type Product struct {
	ID string `json:"id"`
	Rollup
}

func NewProduct(id string) *Product {
	return &Product{ID: id}
}

func (p *Product) Kind() Kind       { return KindProduct }
func (p *Product) EntityID() string { return p.ID }
