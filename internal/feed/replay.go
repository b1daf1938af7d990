package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

// replayRecord is one line of a capture file. Payload may be the venue JSON
// itself or that JSON as a string.
type replayRecord struct {
	Venue   string          `json:"venue"`
	Payload json.RawMessage `json:"payload"`
}

// ReplaySource plays back a JSONL capture. Pace, when set, sleeps between
// frames to mimic a live feed.
type ReplaySource struct {
	Path string
	Pace time.Duration
}

func (r ReplaySource) Name() string { return "replay:" + r.Path }

func (r ReplaySource) Run(ctx context.Context, out chan<- Frame) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return fmt.Errorf("open replay: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec replayRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			observ.Warn("replay_bad_line", map[string]any{"line": line, "error": err.Error()})
			continue
		}
		venue, err := model.ParseVenue(rec.Venue)
		if err != nil {
			observ.Warn("replay_bad_line", map[string]any{"line": line, "error": err.Error()})
			continue
		}
		payload := []byte(rec.Payload)
		var s string
		if json.Unmarshal(rec.Payload, &s) == nil {
			payload = []byte(s)
		}

		select {
		case out <- Frame{Venue: venue, Payload: payload, Received: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if r.Pace > 0 {
			select {
			case <-time.After(r.Pace):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read replay: %w", err)
	}
	return nil
}
