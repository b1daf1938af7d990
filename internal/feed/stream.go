package feed

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

// Stream fans in frames from all sources and normalizes them.
type Stream struct {
	sources []Source
	buffer  int
}

func NewStream(buffer int, sources ...Source) *Stream {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Stream{sources: sources, buffer: buffer}
}

// Run emits events on out until every source stops or ctx is done, then
// closes out. Malformed payloads are logged, counted and dropped. A source
// failing for any reason other than cancellation stops the stream.
func (s *Stream) Run(ctx context.Context, out chan<- model.MarketEvent) error {
	defer close(out)

	frames := make(chan Frame, s.buffer)
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range s.sources {
		src := src
		g.Go(func() error {
			err := src.Run(gctx, frames)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				observ.Error("feed_source_failed", err, map[string]any{"source": src.Name()})
			}
			return err
		})
	}
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(frames)
	}()

	for f := range frames {
		ev, err := NormalizeAt(f.Venue, f.Payload, f.Received)
		if err != nil {
			observ.Warn("normalize_failed", map[string]any{"venue": string(f.Venue), "error": err.Error()})
			observ.IncCounter("feed_malformed_total", map[string]string{"venue": string(f.Venue)})
			continue
		}
		observ.IncCounter("feed_events_total", map[string]string{"venue": string(ev.Venue), "kind": string(ev.Kind)})
		select {
		case out <- ev:
		case <-ctx.Done():
			// keep draining so sources can observe cancellation and exit
		}
	}
	return <-done
}
