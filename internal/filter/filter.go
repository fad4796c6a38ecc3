// Package filter implements the pure predicate chain evaluated before every
// copy decision (§4.D). Filters never mutate state and never throw; they
// return an allow/deny verdict.
package filter

import (
	"time"

	"github.com/coretrace/copyengine/internal/gateway"
)

// DenyReason enumerates the filter chain's short-circuit reasons, in
// evaluation order (§4.D).
type DenyReason string

// Deny reasons, one per filter stage.
const (
	DenyNone           DenyReason = ""
	DenyAlreadyCopied  DenyReason = "already-copied"
	DenyPositionCount  DenyReason = "position-count"
	DenyCooldown       DenyReason = "cooldown"
	DenyDailyTradeCap  DenyReason = "daily-trade-cap"
	DenyTradingHours   DenyReason = "trading-hours"
	DenySymbolNotAllowed DenyReason = "symbol-not-allowed"
	DenyMartingale     DenyReason = "martingale"
	DenyGrid           DenyReason = "grid"
)

// Decision is the chain's verdict.
type Decision struct {
	Allow  bool
	Reason DenyReason
}

// Candidate is the copy candidate under evaluation.
type Candidate struct {
	SourceAccountID string
	SourcePosition  gateway.Position
	Now             time.Time
}

// Config is the route's filter configuration (the "filters" section of a
// rule set, §6).
type Config struct {
	MaxDestPositions     int
	MinTimeBetweenTrades time.Duration
	MaxDailyTrades       int
	AllowedHoursUTC      map[int]bool // empty/nil means "all hours allowed"
	AllowedSymbols       map[string]bool // empty/nil means "all symbols allowed"
	MartingaleK          float64
	MartingaleBaseUnit   float64
	MartingaleMaxOpen    int
	MartingaleWindow     time.Duration
	GridPipBand          float64
	PipSize              float64
}

// MappingView is the slice of the mapping store the chain needs — read-only
// lookups against a consistent snapshot (§5).
type MappingView interface {
	HasActiveMapping(sourceAccountID, sourcePositionID string) bool
	ActiveDestCount(routeID string) int
}

// RiskView carries the fields of risk.View the chain consults.
type RiskView struct {
	TradesInWindow int
	LastTradeTime  time.Time
}

// SymbolWindowCounter reports, for the martingale/grid filters, how many of
// the route's currently-open destination mappings share a symbol, and how
// many open source positions exist within a pip band of a price.
type SymbolWindowCounter interface {
	OpenMappingsForSymbolSince(routeID, symbol string, since time.Time) int
	OpenSourcePositionsNearPrice(sourceAccountID, symbol string, price, pipBand, pipSize float64) int
}

// Evaluate runs the fixed-order filter chain of §4.D, short-circuiting on
// the first deny.
func Evaluate(
	routeID string,
	c Candidate,
	cfg Config,
	risk RiskView,
	mappings MappingView,
	counter SymbolWindowCounter,
) Decision {
	if mappings.HasActiveMapping(c.SourceAccountID, c.SourcePosition.ID) {
		return Decision{Reason: DenyAlreadyCopied}
	}

	if cfg.MaxDestPositions > 0 && mappings.ActiveDestCount(routeID) >= cfg.MaxDestPositions {
		return Decision{Reason: DenyPositionCount}
	}

	if cfg.MinTimeBetweenTrades > 0 && !risk.LastTradeTime.IsZero() {
		if c.Now.Sub(risk.LastTradeTime) < cfg.MinTimeBetweenTrades {
			return Decision{Reason: DenyCooldown}
		}
	}

	if cfg.MaxDailyTrades > 0 && risk.TradesInWindow >= cfg.MaxDailyTrades {
		return Decision{Reason: DenyDailyTradeCap}
	}

	if len(cfg.AllowedHoursUTC) > 0 && !cfg.AllowedHoursUTC[c.Now.UTC().Hour()] {
		return Decision{Reason: DenyTradingHours}
	}

	if len(cfg.AllowedSymbols) > 0 && !cfg.AllowedSymbols[c.SourcePosition.Symbol] {
		return Decision{Reason: DenySymbolNotAllowed}
	}

	if cfg.MartingaleK > 0 && cfg.MartingaleBaseUnit > 0 &&
		c.SourcePosition.Volume > cfg.MartingaleK*cfg.MartingaleBaseUnit {
		return Decision{Reason: DenyMartingale}
	}
	if cfg.MartingaleMaxOpen > 0 && cfg.MartingaleWindow > 0 && counter != nil {
		since := c.Now.Add(-cfg.MartingaleWindow)
		if counter.OpenMappingsForSymbolSince(routeID, c.SourcePosition.Symbol, since) >= cfg.MartingaleMaxOpen {
			return Decision{Reason: DenyMartingale}
		}
	}

	if cfg.GridPipBand > 0 && counter != nil {
		pipSize := cfg.PipSize
		if pipSize == 0 {
			pipSize = 0.0001
		}
		if counter.OpenSourcePositionsNearPrice(c.SourceAccountID, c.SourcePosition.Symbol, c.SourcePosition.OpenPrice, cfg.GridPipBand, pipSize) > 1 {
			return Decision{Reason: DenyGrid}
		}
	}

	return Decision{Allow: true}
}
