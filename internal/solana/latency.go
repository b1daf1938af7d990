package solana

import (
	"slices"
	"sync"
	"time"
)

const (
	latencySamples = 128
	latencyHorizon = time.Minute
	latencyMinimum = 5 // fewer recent samples than this say nothing
)

type sample struct {
	at time.Time
	d  time.Duration
}

// latencies keeps the last calls to one endpoint. Samples older than the
// horizon are ignored, so an endpoint that stopped receiving traffic is
// tried again once its bad samples age out.
type latencies struct {
	mu   sync.Mutex
	ring []sample
	next int
}

func newLatencies() *latencies {
	return &latencies{ring: make([]sample, 0, latencySamples)}
}

func (l *latencies) add(at time.Time, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ring) < latencySamples {
		l.ring = append(l.ring, sample{at, d})
		return
	}
	l.ring[l.next] = sample{at, d}
	l.next = (l.next + 1) % latencySamples
}

func (l *latencies) p95(now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	recent := make([]time.Duration, 0, len(l.ring))
	for _, s := range l.ring {
		if now.Sub(s.at) <= latencyHorizon {
			recent = append(recent, s.d)
		}
	}
	l.mu.Unlock()
	if len(recent) < latencyMinimum {
		return 0, false
	}
	slices.Sort(recent)
	return recent[(len(recent)*95+99)/100-1], true
}
