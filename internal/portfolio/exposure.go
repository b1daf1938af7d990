package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/pool-sniper/internal/model"
)

// Exposure returns the quote committed to active positions.
func (s *Store) Exposure() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return exposure(s.state.Positions)
}

func exposure(positions map[string]model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p.Active() {
			total = total.Add(p.CostBasis)
		}
	}
	return total
}

// UnrealizedPnL marks a position to its last observed price.
func UnrealizedPnL(p model.Position) decimal.Decimal {
	if !p.Active() || !p.LastPrice.IsPositive() {
		return decimal.Zero
	}
	return p.Size.Mul(p.LastPrice).Sub(p.CostBasis)
}

// NAV returns booked equity plus unrealized PnL across active positions.
func (s *Store) NAV() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nav := s.state.Risk.Equity
	for _, p := range s.state.Positions {
		nav = nav.Add(UnrealizedPnL(p))
	}
	return nav
}
