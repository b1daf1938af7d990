package solana

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// MintReader is the part of Client that DecimalsCache needs.
type MintReader interface {
	MintInfo(ctx context.Context, mint string) (MintInfo, error)
}

// DecimalsCache resolves token decimals from mint accounts. A mint's decimals
// never change, so entries are kept for the life of the process; concurrent
// misses on one mint share a single lookup.
type DecimalsCache struct {
	mints MintReader
	group singleflight.Group

	mu    sync.RWMutex
	known map[string]int32
}

func NewDecimalsCache(mints MintReader) *DecimalsCache {
	return &DecimalsCache{mints: mints, known: make(map[string]int32)}
}

// Decimals implements execution.MintDecimals.
func (c *DecimalsCache) Decimals(ctx context.Context, mint string) (int32, error) {
	c.mu.RLock()
	d, ok := c.known[mint]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := c.group.Do(mint, func() (any, error) {
		info, err := c.mints.MintInfo(ctx, mint)
		if err != nil {
			return int32(0), err
		}
		c.mu.Lock()
		c.known[mint] = info.Decimals
		c.mu.Unlock()
		return info.Decimals, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int32), nil
}
