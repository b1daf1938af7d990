package decision

import (
	"sync"
	"time"
)

type priceSeries struct {
	prices  []float64
	updated time.Time
}

// MomentumTracker keeps a bounded price history per pool. RSI is an
// indicator, so the series is held as float64.
type MomentumTracker struct {
	mu     sync.Mutex
	size   int
	series map[string]*priceSeries
}

// NewMomentumTracker keeps up to size prices per pool.
func NewMomentumTracker(size int) *MomentumTracker {
	if size < 2 {
		size = 2
	}
	return &MomentumTracker{size: size, series: make(map[string]*priceSeries)}
}

// Record appends a price and returns a copy of the pool's current series.
func (m *MomentumTracker) Record(pool string, price float64, at time.Time) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[pool]
	if !ok {
		s = &priceSeries{prices: make([]float64, 0, m.size)}
		m.series[pool] = s
	}
	if len(s.prices) == m.size {
		copy(s.prices, s.prices[1:])
		s.prices = s.prices[:m.size-1]
	}
	s.prices = append(s.prices, price)
	s.updated = at
	return append([]float64(nil), s.prices...)
}

// Forget drops a pool's history.
func (m *MomentumTracker) Forget(pool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.series, pool)
}

// Prune drops pools not updated since cutoff and returns how many went.
func (m *MomentumTracker) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for pool, s := range m.series {
		if s.updated.Before(cutoff) {
			delete(m.series, pool)
			n++
		}
	}
	return n
}

// Len reports the number of tracked pools.
func (m *MomentumTracker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.series)
}

// WilderRSI computes the relative strength index over period using Wilder's
// smoothing. It needs at least period+1 prices.
func WilderRSI(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		ch := prices[i] - prices[i-1]
		if ch > 0 {
			gain += ch
		} else {
			loss -= ch
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	for i := period + 1; i < len(prices); i++ {
		ch := prices[i] - prices[i-1]
		g, l := 0.0, 0.0
		if ch > 0 {
			g = ch
		} else {
			l = -ch
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50, true
	case avgLoss == 0:
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// Change returns the fractional move from the oldest to the newest price.
func Change(prices []float64) (float64, bool) {
	if len(prices) < 2 || prices[0] <= 0 {
		return 0, false
	}
	return (prices[len(prices)-1] - prices[0]) / prices[0], true
}
