package portfolio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

var (
	// ErrCorruptState means the state file exists but cannot be decoded.
	ErrCorruptState = errors.New("corrupt state file")
	// ErrNoPosition means a receipt or transition named a pool without an
	// active position.
	ErrNoPosition = errors.New("no active position")
)

// State is the persisted record: positions, the risk state and any
// indeterminate submissions awaiting reconciliation.
type State struct {
	Version   int64                          `json:"version"`
	UpdatedAt string                         `json:"updated_at"`
	Positions map[string]model.Position      `json:"positions"` // active positions by pool
	Risk      model.RiskState                `json:"risk"`
	Pending   map[string]model.PendingIntent `json:"pending"` // by pool
}

// Snapshot is a read-only copy of the state, ordered for display.
type Snapshot struct {
	Version   int64                 `json:"version"`
	UpdatedAt string                `json:"updated_at"`
	Positions []model.Position      `json:"positions"`
	Risk      model.RiskState       `json:"risk"`
	Pending   []model.PendingIntent `json:"pending"`
}

// Defaults seed a fresh state and carry the configured exit levels.
type Defaults struct {
	Risk          model.RiskState
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
}

// Store owns the position map and the risk state. Callers outside the risk
// governor only read from it.
type Store struct {
	path     string
	defaults Defaults
	now      func() time.Time

	mu    sync.RWMutex
	state State
}

// Open loads the state file at path. A missing file yields a fresh state which
// is written immediately; an unreadable or corrupt file is an error.
func Open(path string, d Defaults) (*Store, error) {
	return open(path, d, time.Now)
}

func open(path string, d Defaults, now func() time.Time) (*Store, error) {
	s := &Store{path: path, defaults: d, now: now}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.state = State{
			Positions: map[string]model.Position{},
			Pending:   map[string]model.PendingIntent{},
			Risk:      d.Risk,
		}
		if err := s.saveUnsafe(); err != nil {
			return nil, err
		}
		observ.Log("state_initialized", map[string]any{"path": path})
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	if s.state.Risk.Mode != model.ModeActive && s.state.Risk.Mode != model.ModeReadOnly {
		return nil, fmt.Errorf("%w: %s: unknown mode %q", ErrCorruptState, path, s.state.Risk.Mode)
	}
	if s.state.Positions == nil {
		s.state.Positions = map[string]model.Position{}
	}
	if s.state.Pending == nil {
		s.state.Pending = map[string]model.PendingIntent{}
	}

	// Configured limits win over persisted ones; the ledger does not.
	s.state.Risk.Limits = d.Risk.Limits
	s.state.Risk.DailyLossPct = d.Risk.DailyLossPct
	s.state.Risk.HardStopPct = d.Risk.HardStopPct

	observ.Log("state_loaded", map[string]any{
		"path":      path,
		"version":   s.state.Version,
		"positions": len(s.state.Positions),
		"pending":   len(s.state.Pending),
		"mode":      string(s.state.Risk.Mode),
	})
	return s, nil
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Risk returns a copy of the risk state.
func (s *Store) Risk() model.RiskState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Risk
}

// Position returns the active position on pool.
func (s *Store) Position(pool string) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Positions[pool]
	return p, ok
}

// Positions returns a copy of the active positions keyed by pool.
func (s *Store) Positions() map[string]model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Position, len(s.state.Positions))
	for k, v := range s.state.Positions {
		out[k] = v
	}
	return out
}

// Pending returns the unreconciled submission on pool, if any.
func (s *Store) Pending(pool string) (model.PendingIntent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Pending[pool]
	return p, ok
}

// Snapshot returns a consistent copy of the whole state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:   s.state.Version,
		UpdatedAt: s.state.UpdatedAt,
		Risk:      s.state.Risk,
		Positions: make([]model.Position, 0, len(s.state.Positions)),
		Pending:   make([]model.PendingIntent, 0, len(s.state.Pending)),
	}
	for _, p := range s.state.Positions {
		snap.Positions = append(snap.Positions, p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].PoolID < snap.Positions[j].PoolID })
	for _, p := range s.state.Pending {
		snap.Pending = append(snap.Pending, p)
	}
	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i].Intent.PoolID < snap.Pending[j].Intent.PoolID })
	return snap
}

// Apply folds an execution receipt into the state and persists it. It is the
// only place receipts change positions or realized PnL. The returned position
// is the post-receipt view of the pool (Status Closed when the exit completed).
//
// The in-memory state is updated even when the write fails; the caller is
// expected to fail closed on a non-nil error.
func (s *Store) Apply(r model.ExecutionReceipt) (model.Position, model.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.CompletedAt
	if now.IsZero() {
		now = s.now()
	}
	pool := r.Intent.PoolID
	pos, has := s.state.Positions[pool]

	switch {
	case r.Status == model.ReceiptFailed:
		// A failed receipt on a pool with a pending record is its
		// reconciliation: nothing landed.
		if _, pending := s.state.Pending[pool]; !pending {
			return pos, s.state.Risk, nil
		}
		delete(s.state.Pending, pool)
		if has {
			pos.Unconfirmed = false
			s.state.Positions[pool] = pos
		}

	case !r.Confirmed():
		// Indeterminate, or filled without confirmation: nothing is booked.
		s.state.Pending[pool] = model.PendingIntent{
			Intent:     r.Intent,
			BundleID:   r.BundleID,
			Signature:  r.Signature,
			RecordedAt: now.UTC(),
		}
		if has {
			pos.Unconfirmed = true
			s.state.Positions[pool] = pos
		}

	case r.Intent.Side == model.SideBuy:
		delete(s.state.Pending, pool)
		pos = s.openPosition(r, now)
		s.state.Positions[pool] = pos

	default:
		delete(s.state.Pending, pool)
		if !has {
			return model.Position{}, s.state.Risk, fmt.Errorf("%w: exit fill on %s", ErrNoPosition, pool)
		}
		var pnl decimal.Decimal
		pos, pnl = reduce(pos, r, now)
		s.state.Risk.RegisterRealized(pnl, now)
		if pos.Status == model.PositionClosed {
			delete(s.state.Positions, pool)
		} else {
			s.state.Positions[pool] = pos
		}
	}

	return pos, s.state.Risk, s.saveUnsafe()
}

func (s *Store) openPosition(r model.ExecutionReceipt, now time.Time) model.Position {
	entry := r.FillPrice
	if !entry.IsPositive() {
		entry = model.PriceOf(model.SideBuy, r.InAmount, r.OutAmount)
	}
	one := decimal.NewFromInt(1)
	return model.Position{
		PoolID:         r.Intent.PoolID,
		Venue:          r.Intent.Venue,
		BaseMint:       r.Intent.BaseMint,
		QuoteMint:      r.Intent.QuoteMint,
		Strategy:       r.Intent.Strategy,
		EntryPrice:     entry,
		Size:           r.OutAmount,
		CostBasis:      r.InAmount,
		StopLoss:       entry.Mul(one.Sub(s.defaults.StopLossPct)),
		TakeProfit:     entry.Mul(one.Add(s.defaults.TakeProfitPct)),
		OpenedAt:       now.UTC(),
		Status:         model.PositionOpen,
		LastPrice:      entry,
		PeakPrice:      entry,
		EntrySignature: r.Signature,
		RealizedPnL:    decimal.Zero,
	}
}

// reduce applies a confirmed exit fill. Cost basis is released in proportion
// to the base amount sold.
func reduce(pos model.Position, r model.ExecutionReceipt, now time.Time) (model.Position, decimal.Decimal) {
	sold := decimal.Min(r.InAmount, pos.Size)
	released := pos.CostBasis
	if sold.LessThan(pos.Size) && pos.Size.IsPositive() {
		released = pos.CostBasis.Mul(sold).DivRound(pos.Size, 18)
	}
	pnl := r.OutAmount.Sub(released)

	pos.Size = pos.Size.Sub(sold)
	pos.CostBasis = pos.CostBasis.Sub(released)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.ExitSignature = r.Signature
	pos.Unconfirmed = false
	if r.FillPrice.IsPositive() {
		pos.LastPrice = r.FillPrice
	}
	if reason := r.Intent.Reason; reason != "" {
		pos.ExitReason = reason
	} else if pos.ExitReason == "" {
		pos.ExitReason = r.Intent.Strategy
	}

	if pos.Size.IsPositive() {
		pos.Status = model.PositionOpen
		return pos, pnl
	}
	pos.Size = decimal.Zero
	pos.CostBasis = decimal.Zero
	pos.Status = model.PositionClosed
	pos.ClosedAt = now.UTC()
	return pos, pnl
}

// MarkClosing moves an Open position to Closing and records the exit reason.
// A position that is already Closing is left as is.
func (s *Store) MarkClosing(pool, reason string) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.state.Positions[pool]
	if !ok || !pos.Active() {
		return model.Position{}, fmt.Errorf("%w: %s", ErrNoPosition, pool)
	}
	if pos.Status == model.PositionClosing {
		return pos, nil
	}
	pos.Status = model.PositionClosing
	pos.ExitReason = reason
	s.state.Positions[pool] = pos
	return pos, s.saveUnsafe()
}

// ObservePrice records the latest venue price for a held pool and raises its
// peak. Both are kept in memory only and reaches disk with the next persisted mutation.
func (s *Store) ObservePrice(pool string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.state.Positions[pool]; ok {
		pos.LastPrice = price
		if pos.Active() && price.GreaterThan(pos.PeakPrice) {
			pos.PeakPrice = price
		}
		s.state.Positions[pool] = pos
	}
}

// Resolve clears a pending submission after reconciliation and drops the
// Unconfirmed flag on the pool's position.
func (s *Store) Resolve(pool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Pending[pool]; !ok {
		return nil
	}
	delete(s.state.Pending, pool)
	if pos, ok := s.state.Positions[pool]; ok {
		pos.Unconfirmed = false
		s.state.Positions[pool] = pos
	}
	return s.saveUnsafe()
}

// Reset drops the position and pending record on pool without booking PnL.
func (s *Store) Reset(pool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hasPos := s.state.Positions[pool]
	_, hasPending := s.state.Pending[pool]
	if !hasPos && !hasPending {
		return fmt.Errorf("%w: %s", ErrNoPosition, pool)
	}
	delete(s.state.Positions, pool)
	delete(s.state.Pending, pool)
	return s.saveUnsafe()
}

// UpdateRisk mutates the risk state under the store lock and persists it when
// fn reports a change. The mutation is kept in memory even if the write fails.
func (s *Store) UpdateRisk(fn func(*model.RiskState) bool) (model.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !fn(&s.state.Risk) {
		return s.state.Risk, nil
	}
	return s.state.Risk, s.saveUnsafe()
}

// saveUnsafe writes the whole state atomically. Callers hold mu.
func (s *Store) saveUnsafe() error {
	s.state.Version++
	s.state.UpdatedAt = s.now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	start := time.Now()
	if err := writeAtomic(s.path, data); err != nil {
		observ.IncCounter("state_persist_failures_total", nil)
		return err
	}
	observ.RecordDuration("state_persist", time.Since(start), nil)
	return nil
}

// writeAtomic replaces path with data via a synced temp file and rename, then
// syncs the directory so the rename itself is durable.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename state: %w", err)
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync state dir: %w", err)
	}
	return nil
}
