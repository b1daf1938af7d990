// Package outbox is the append-only JSONL audit trail of intents and their
// receipts. It also remembers recent intent keys so a replayed event cannot
// produce the same trade twice.
package outbox

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
)

// Entry types
const (
	TypeIntent   = "intent"
	TypeReceipt  = "receipt"
	TypeRejected = "rejected"
)

// Entry is one audit line. Data holds a TradeIntent for intent and rejected
// entries and an ExecutionReceipt for receipt entries.
type Entry struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	IntentID       string          `json:"intent_id"`
	PoolID         string          `json:"pool_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Data           json.RawMessage `json:"data"`
	Event          time.Time       `json:"event"`
}

// Outbox appends entries to a single file.
type Outbox struct {
	path         string
	dedupeWindow time.Duration
	now          func() time.Time

	mu      sync.Mutex
	f       *os.File
	entropy io.Reader
	recent  map[string]time.Time // idempotency key -> intent time
}

// New opens (or creates) the outbox at path and indexes intent keys written
// within the dedupe window, so restarts keep deduplicating.
func New(path string, dedupeWindow time.Duration) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	o := &Outbox{
		path:         path,
		dedupeWindow: dedupeWindow,
		now:          time.Now,
		entropy:      ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		recent:       make(map[string]time.Time),
	}
	if err := o.index(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	o.f = f
	return o, nil
}

func (o *Outbox) index() error {
	cutoff := o.now().Add(-o.dedupeWindow)
	return scan(o.path, func(e Entry) {
		if e.Type == TypeIntent && e.IdempotencyKey != "" && e.Event.After(cutoff) {
			o.recent[e.IdempotencyKey] = e.Event
		}
	})
}

// Path returns the file location.
func (o *Outbox) Path() string { return o.path }

// Close flushes and closes the file.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return nil
	}
	err := o.f.Close()
	o.f = nil
	return err
}

// IdempotencyKey identifies an intent by what it would do rather than by its
// random ID: pool, side, strategy and the triggering event time.
func IdempotencyKey(i model.TradeIntent) string {
	data := fmt.Sprintf("%s-%s-%s-%d", i.PoolID, i.Side, i.Strategy, i.CreatedAt.UnixMilli())
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}

// HasRecentIntent reports whether an intent with the same key was written
// within the dedupe window.
func (o *Outbox) HasRecentIntent(i model.TradeIntent) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	at, ok := o.recent[IdempotencyKey(i)]
	return ok && o.now().Sub(at) < o.dedupeWindow
}

// WriteIntent records an authorized intent before it is executed.
func (o *Outbox) WriteIntent(i model.TradeIntent) error {
	key := IdempotencyKey(i)
	if err := o.append(Entry{Type: TypeIntent, IntentID: i.ID, PoolID: i.PoolID, IdempotencyKey: key}, i); err != nil {
		return err
	}
	o.mu.Lock()
	o.recent[key] = o.now()
	o.pruneLocked()
	o.mu.Unlock()
	return nil
}

// WriteRejected records an intent the governor refused.
func (o *Outbox) WriteRejected(i model.TradeIntent, reason error) error {
	return o.append(Entry{Type: TypeRejected, IntentID: i.ID, PoolID: i.PoolID, Reason: reason.Error()}, i)
}

// WriteReceipt records the router's outcome for an intent.
func (o *Outbox) WriteReceipt(r model.ExecutionReceipt) error {
	return o.append(Entry{Type: TypeReceipt, IntentID: r.IntentID, PoolID: r.Intent.PoolID, Reason: r.FailureReason}, r)
}

func (o *Outbox) append(e Entry, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Type, err)
	}
	e.Data = raw

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return fmt.Errorf("outbox %s closed", o.path)
	}
	e.Event = o.now().UTC()
	id, err := ulid.New(ulid.Timestamp(e.Event), o.entropy)
	if err != nil {
		return fmt.Errorf("entry id: %w", err)
	}
	e.ID = id.String()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := o.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

func (o *Outbox) pruneLocked() {
	cutoff := o.now().Add(-o.dedupeWindow)
	for k, at := range o.recent {
		if at.Before(cutoff) {
			delete(o.recent, k)
		}
	}
}

// Tail returns the last n entries in the file at path, oldest first. A
// missing file yields no entries.
func Tail(path string, n int) ([]Entry, error) {
	var out []Entry
	err := scan(path, func(e Entry) {
		out = append(out, e)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
	})
	return out, err
}

// scan calls fn for every decodable line. Torn or foreign lines are skipped.
func scan(path string, fn func(Entry)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) != nil || e.Type == "" {
			continue
		}
		fn(e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	return nil
}
