package core

import (
	"PerpStats/internal/state"
)

// GetOrCreateGlobalStats returns the singleton, zeroed on first use.
// The caller stages it.
func (u *UnitOfWork) GetOrCreateGlobalStats() (*state.GlobalStats, error) {
	g, _, err := getOrCreate(u, state.GlobalStatsID, state.NewGlobalStats)
	return g, err
}

// GetOrCreateDayStats returns the stats for the UTC day containing ts.
// A newly created day is staged right away.
func (u *UnitOfWork) GetOrCreateDayStats(ts int64) (*state.DayStats, error) {
	d, created, err := getOrCreate(u, state.DayID(ts), func() *state.DayStats {
		return state.NewDayStats(ts)
	})
	if err != nil {
		return nil, err
	}
	if created {
		u.Put(d)
	}
	return d, nil
}

// GetOrCreateProduct returns the product, zeroed on first use.
// The caller stages it.
func (u *UnitOfWork) GetOrCreateProduct(id string) (*state.Product, error) {
	p, _, err := getOrCreate(u, id, func() *state.Product {
		return state.NewProduct(id)
	})
	return p, err
}
