package decision

import (
	"context"
	"sync"
	"time"

	"github.com/Rajchodisetti/pool-sniper/internal/observ"
	"github.com/Rajchodisetti/pool-sniper/internal/solana"
)

// SafetyScreen is the anti-honeypot check applied to entries.
type SafetyScreen interface {
	IsSafe(ctx context.Context, mint string) bool
}

// ScreenFunc adapts a function to SafetyScreen.
type ScreenFunc func(ctx context.Context, mint string) bool

func (f ScreenFunc) IsSafe(ctx context.Context, mint string) bool { return f(ctx, mint) }

// StaticScreen applies configured deny and allow lists.
type StaticScreen struct {
	deny         map[string]struct{}
	allow        map[string]struct{}
	requireAllow bool
}

func NewStaticScreen(deny, allow []string, requireAllow bool) *StaticScreen {
	s := &StaticScreen{
		deny:         make(map[string]struct{}, len(deny)),
		allow:        make(map[string]struct{}, len(allow)),
		requireAllow: requireAllow,
	}
	for _, m := range deny {
		s.deny[m] = struct{}{}
	}
	for _, m := range allow {
		s.allow[m] = struct{}{}
	}
	return s
}

func (s *StaticScreen) IsSafe(_ context.Context, mint string) bool {
	if _, denied := s.deny[mint]; denied {
		return false
	}
	if s.requireAllow {
		_, ok := s.allow[mint]
		return ok
	}
	return true
}

// MintInspector reads SPL mint accounts.
type MintInspector interface {
	MintInfo(ctx context.Context, mint string) (solana.MintInfo, error)
}

// AuthorityScreen rejects mints that can still be minted or frozen by their
// creator. A lookup failure counts as unsafe.
type AuthorityScreen struct {
	Mints   MintInspector
	Timeout time.Duration
}

func (a AuthorityScreen) IsSafe(ctx context.Context, mint string) bool {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	info, err := a.Mints.MintInfo(ctx, mint)
	if err != nil {
		observ.Warn("safety_lookup_failed", map[string]any{"mint": mint, "error": err.Error()})
		return false
	}
	return info.IsInitialized && info.MintAuthority == nil && info.FreezeAuthority == nil
}

// AllScreens passes only when every screen passes, checked in order.
type AllScreens []SafetyScreen

func (s AllScreens) IsSafe(ctx context.Context, mint string) bool {
	for _, sc := range s {
		if !sc.IsSafe(ctx, mint) {
			return false
		}
	}
	return true
}

type verdict struct {
	safe    bool
	expires time.Time
}

// CachedScreen memoizes another screen's verdicts for a TTL.
type CachedScreen struct {
	inner SafetyScreen
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]verdict
}

func NewCachedScreen(inner SafetyScreen, ttl time.Duration) *CachedScreen {
	return &CachedScreen{inner: inner, ttl: ttl, now: time.Now, cache: make(map[string]verdict)}
}

func (c *CachedScreen) IsSafe(ctx context.Context, mint string) bool {
	now := c.now()
	c.mu.Lock()
	if v, ok := c.cache[mint]; ok && now.Before(v.expires) {
		c.mu.Unlock()
		observ.IncCounter("safety_cache_hits_total", nil)
		return v.safe
	}
	c.mu.Unlock()

	safe := c.inner.IsSafe(ctx, mint)
	if ctx.Err() != nil {
		return safe // do not cache a verdict cut short by cancellation
	}
	c.mu.Lock()
	c.cache[mint] = verdict{safe: safe, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return safe
}
