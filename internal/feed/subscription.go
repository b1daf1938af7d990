package feed

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
	"github.com/Rajchodisetti/pool-sniper/internal/retry"
)

// Frame is one raw payload as received from a venue.
type Frame struct {
	Venue    model.Venue
	Payload  []byte
	Received time.Time
}

// Source produces frames until ctx is done or it runs dry. Frames from one
// source are delivered in arrival order.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Frame) error
}

// ConnectionState of a venue subscription.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Subscription is a reconnecting websocket client for one venue. A feed that
// stays silent for longer than the idle timeout is treated as dead.
type Subscription struct {
	venue     model.Venue
	url       string
	subscribe []byte
	idle      time.Duration
	backoff   retry.Backoff
	dialer    *websocket.Dialer

	state      atomic.Int32
	reconnects atomic.Int64
	received   atomic.Int64
}

func NewSubscription(venue model.Venue, url, subscribe string, idle time.Duration, backoff retry.Backoff) *Subscription {
	if idle <= 0 {
		idle = 30 * time.Second
	}
	s := &Subscription{
		venue:   venue,
		url:     url,
		idle:    idle,
		backoff: backoff,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	if subscribe != "" {
		s.subscribe = []byte(subscribe)
	}
	return s
}

func (s *Subscription) Name() string { return string(s.venue) }

// ConnectionState returns the current state for health reporting.
func (s *Subscription) ConnectionState() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Reconnects counts reconnect attempts since start.
func (s *Subscription) Reconnects() int64 { return s.reconnects.Load() }

func (s *Subscription) setState(st ConnectionState) {
	s.state.Store(int32(st))
	connected := 0.0
	if st == StateConnected {
		connected = 1
	}
	observ.SetGauge("feed_connected", connected, map[string]string{"venue": string(s.venue)})
}

// Run connects, reads and reconnects until ctx is done.
func (s *Subscription) Run(ctx context.Context, out chan<- Frame) error {
	defer s.setState(StateDisconnected)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.setState(StateConnecting)
		n, err := s.session(ctx, out)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n > 0 {
			attempt = 0
		}
		attempt++
		wait := s.backoff.Next(attempt)
		s.reconnects.Add(1)
		observ.Warn("feed_disconnected", map[string]any{
			"venue":   string(s.venue),
			"error":   err.Error(),
			"frames":  n,
			"wait_ms": wait.Milliseconds(),
		})
		observ.IncCounter("feed_reconnects_total", map[string]string{"venue": string(s.venue)})
		if err := retry.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// session runs one connection and returns how many frames it delivered.
func (s *Subscription) session(ctx context.Context, out chan<- Frame) (int, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	conn.SetReadLimit(1 << 20)
	if s.subscribe != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, s.subscribe); err != nil {
			return 0, fmt.Errorf("subscribe: %w", err)
		}
	}
	s.setState(StateConnected)
	observ.Log("feed_connected", map[string]any{"venue": string(s.venue), "url": s.url})

	n := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idle))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return n, fmt.Errorf("read: %w", err)
		}
		select {
		case out <- Frame{Venue: s.venue, Payload: msg, Received: time.Now()}:
			n++
			s.received.Add(1)
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}
