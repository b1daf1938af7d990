package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type sample struct {
	at        time.Time
	liquidity decimal.Decimal
}

// Shock describes a detected liquidity collapse.
type Shock struct {
	Pool    string
	Peak    decimal.Decimal
	Current decimal.Decimal
	Drop    decimal.Decimal // fraction of peak lost
}

// ShockDetector tracks per-pool liquidity over a sliding window and fires when
// liquidity falls more than DropFraction below the window's peak.
type ShockDetector struct {
	mu           sync.Mutex
	dropFraction decimal.Decimal
	window       time.Duration
	samples      map[string][]sample
	lastSweep    time.Time
}

func NewShockDetector(dropFraction decimal.Decimal, window time.Duration) *ShockDetector {
	return &ShockDetector{
		dropFraction: dropFraction,
		window:       window,
		samples:      make(map[string][]sample),
	}
}

// Observe records a liquidity sample and reports a shock if one fired. After
// firing the pool's window restarts from the current sample.
func (d *ShockDetector) Observe(pool string, liquidity decimal.Decimal, at time.Time) (Shock, bool) {
	if liquidity.IsNegative() {
		return Shock{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if at.Sub(d.lastSweep) >= d.window {
		d.pruneLocked(at)
	}
	cutoff := at.Add(-d.window)
	kept := d.samples[pool][:0]
	peak := decimal.Zero
	for _, s := range d.samples[pool] {
		if s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		if s.liquidity.GreaterThan(peak) {
			peak = s.liquidity
		}
	}
	kept = append(kept, sample{at: at, liquidity: liquidity})
	d.samples[pool] = kept

	if !peak.IsPositive() || liquidity.GreaterThanOrEqual(peak) {
		return Shock{}, false
	}
	drop := peak.Sub(liquidity).DivRound(peak, 18)
	if !drop.GreaterThan(d.dropFraction) {
		return Shock{}, false
	}
	d.samples[pool] = []sample{{at: at, liquidity: liquidity}}
	return Shock{Pool: pool, Peak: peak, Current: liquidity, Drop: drop}, true
}

// Prune drops every pool whose newest sample has left the window and
// returns how many were dropped.
func (d *ShockDetector) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pruneLocked(now)
}

func (d *ShockDetector) pruneLocked(now time.Time) int {
	d.lastSweep = now
	cutoff := now.Add(-d.window)
	n := 0
	for pool, ss := range d.samples {
		if len(ss) == 0 || ss[len(ss)-1].at.Before(cutoff) {
			delete(d.samples, pool)
			n++
		}
	}
	return n
}

// Len reports how many pools have history.
func (d *ShockDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.samples)
}

// Forget drops a pool's history, typically once its position is closed.
func (d *ShockDetector) Forget(pool string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.samples, pool)
}
