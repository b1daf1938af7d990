package portfolio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

// Sink receives liveness beats.
type Sink interface {
	Name() string
	Beat(ctx context.Context, at time.Time) error
}

// FileSink appends "<RFC3339> heartbeat" lines to a file.
type FileSink struct {
	Path string
}

func (f FileSink) Name() string { return "file" }

func (f FileSink) Beat(_ context.Context, at time.Time) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	fh, err := os.OpenFile(f.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = fmt.Fprintf(fh, "%s heartbeat\n", at.UTC().Format(time.RFC3339))
	return err
}

// RedisSink sets a key with a TTL so external monitors can alert on expiry.
type RedisSink struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

// NewRedisSink connects to the Redis URL. The TTL should exceed the beat
// interval by a comfortable margin.
func NewRedisSink(url, key string, ttl time.Duration) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisSink{Client: redis.NewClient(opts), Key: key, TTL: ttl}, nil
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Beat(ctx context.Context, at time.Time) error {
	return r.Client.Set(ctx, r.Key, at.UTC().Format(time.RFC3339), r.TTL).Err()
}

// Close releases the client connection pool.
func (r *RedisSink) Close() error { return r.Client.Close() }

// RunHeartbeat beats every interval until ctx ends. The first beat happens
// immediately. Sink failures are logged and counted, never returned.
func RunHeartbeat(ctx context.Context, interval time.Duration, sinks ...Sink) {
	beat := func(at time.Time) {
		for _, s := range sinks {
			bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := s.Beat(bctx, at)
			cancel()
			if err != nil {
				observ.Warn("heartbeat_failed", map[string]any{"sink": s.Name(), "error": err.Error()})
				observ.IncCounter("heartbeat_failures_total", map[string]string{"sink": s.Name()})
				continue
			}
			observ.SetGauge("heartbeat_last_unix", float64(at.Unix()), map[string]string{"sink": s.Name()})
		}
	}

	beat(time.Now())
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case at := <-t.C:
			beat(at)
		}
	}
}
