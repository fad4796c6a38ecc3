// Package risk tracks per-route mutable risk state — daily P/L, drawdown
// watermarks, consecutive losses, cooldowns, and sizing phase — and gates
// copy decisions against it (§4.C).
package risk

import (
	"sync"
	"time"
)

// Phase is a tier in the sizing/risk progression.
type Phase int

// Sizing phases (§4.C "Phase progression").
const (
	Phase1 Phase = 1
	Phase2 Phase = 2
	Phase3 Phase = 3
)

// DenyReason enumerates why onEventIngress denied a copy.
type DenyReason string

// Deny reasons (§4.C, §7). Volatility pause is intentionally absent: see
// DESIGN.md for why no volatility gate is implemented.
const (
	DenyNone            DenyReason = ""
	DenyDailyLoss       DenyReason = "daily-loss-reached"
	DenyEmergencyStop   DenyReason = "emergency-stop"
	DenyDrawdown        DenyReason = "drawdown-limit"
	DenyConsecutiveLoss DenyReason = "consecutive-loss-pause"
	DenyCooldown        DenyReason = "cooldown"
	DenyDailyTradeCap   DenyReason = "daily-trade-cap"
	DenyConcurrentCap   DenyReason = "concurrent-position-cap"
	DenySymbolCap       DenyReason = "symbol-cap"
)

// GateResult is the outcome of onEventIngress. JustTripped is set only on
// the call that transitions the route into emergency-stop or daily-loss
// denial, so the caller can perform the one-shot side effects (§7 "alerts
// once") exactly once rather than on every subsequent denied event.
type GateResult struct {
	Allow       bool
	Reason      DenyReason
	JustTripped bool
}

// PhaseConfig defines one phase's sizing/risk contribution and the
// thresholds required to advance into it (Open Question (b): these are
// config, not constants).
type PhaseConfig struct {
	Multiplier      float64
	RiskFactor      float64
	MinDaysActive   int
	MinWinRatePct   float64
	MinProfitPct    float64
}

// Config is the per-route risk configuration loaded from the rule set.
type Config struct {
	DailyLossLimitPct      float64 // percent of starting balance
	EmergencyStopPct       float64 // percent of starting balance
	TotalDrawdownLimitPct  float64 // percent of high-water-mark
	ConsecutiveLossPause   int     // pause after N consecutive losses
	CooldownBetweenTrades  time.Duration
	MaxDailyTrades         int
	MaxConcurrentPositions int
	MaxPerSymbol           int
	PhaseEnabled           bool
	Phases                 map[Phase]PhaseConfig
}

// View is a read-only snapshot of a route's risk state, captured at event
// ingress so that gate evaluation never observes mutations caused by the
// event being evaluated (Invariant I4).
type View struct {
	StartingBalance  float64
	CurrentBalance   float64
	CurrentEquity    float64
	HighWaterMark    float64
	DailyPnL         float64
	ConsecutiveLosses int
	TradesInWindow   int
	LastTradeTime    time.Time
	Phase            Phase
	CooldownUntil    time.Time
	EmergencyStopped bool
	PositionsBySymbol map[string]int
	TotalPositions   int
}

// State is one route's mutable risk state. It is private to its route's
// pipeline; the pipeline's concurrent event handlers and the supervisor's
// daily rollover all mutate it, serialized by mu.
type State struct {
	mu sync.Mutex

	cfg Config

	startingBalance float64
	currentBalance  float64
	currentEquity   float64
	highWaterMark   float64
	dailyPnL        float64
	consecutiveLosses int
	tradesInWindow  int
	lastTradeTime   time.Time
	phase           Phase
	cooldownUntil   time.Time
	emergencyStopped bool
	dailyLossTripped bool
	daysActive      int
	winningTrades   int
	closedTrades    int
	totalProfitPct  float64

	squeezeSeqStart map[string]time.Time
	positionsBySymbol map[string]int
	totalPositions  int
}

// New creates risk state seeded with an initial balance.
func New(cfg Config, startingBalance float64) *State {
	phase := Phase1
	if !cfg.PhaseEnabled {
		phase = Phase1
	}
	return &State{
		cfg:               cfg,
		startingBalance:   startingBalance,
		currentBalance:    startingBalance,
		currentEquity:     startingBalance,
		highWaterMark:     startingBalance,
		phase:             phase,
		squeezeSeqStart:   make(map[string]time.Time),
		positionsBySymbol: make(map[string]int),
	}
}

// Snapshot implements the read-only operation of §4.C.
func (s *State) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySymbol := make(map[string]int, len(s.positionsBySymbol))
	for k, v := range s.positionsBySymbol {
		bySymbol[k] = v
	}

	return View{
		StartingBalance:   s.startingBalance,
		CurrentBalance:    s.currentBalance,
		CurrentEquity:     s.currentEquity,
		HighWaterMark:     s.highWaterMark,
		DailyPnL:          s.dailyPnL,
		ConsecutiveLosses: s.consecutiveLosses,
		TradesInWindow:    s.tradesInWindow,
		LastTradeTime:     s.lastTradeTime,
		Phase:             s.phase,
		CooldownUntil:     s.cooldownUntil,
		EmergencyStopped:  s.emergencyStopped,
		PositionsBySymbol: bySymbol,
		TotalPositions:    s.totalPositions,
	}
}

// OnEventIngress evaluates the account/route-level risk gates (§4.C) for a
// candidate copy of symbol. The Filter Chain (§4.D) evaluates the
// copy-specific predicates separately; this gate covers only the
// risk-state conditions listed in the spec.
//
// The emergency-stop threshold is checked before the daily-loss threshold,
// reversing the bullet order §4.C lists them in: EmergencyStopPct is a
// stricter (higher) threshold than DailyLossLimitPct on the same
// dailyLossPct metric, so checking daily-loss first would make
// emergency-stop unreachable whenever both trip on the same event,
// contradicting scenario 6. See DESIGN.md.
func (s *State) OnEventIngress(now time.Time, symbol string) GateResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.emergencyStopped {
		return GateResult{Reason: DenyEmergencyStop}
	}
	if s.dailyLossTripped {
		return GateResult{Reason: DenyDailyLoss}
	}

	if s.startingBalance > 0 {
		dailyLossPct := -s.dailyPnL / s.startingBalance * 100
		if s.cfg.EmergencyStopPct > 0 && dailyLossPct >= s.cfg.EmergencyStopPct {
			s.emergencyStopped = true
			return GateResult{Reason: DenyEmergencyStop, JustTripped: true}
		}
		if s.cfg.DailyLossLimitPct > 0 && dailyLossPct >= s.cfg.DailyLossLimitPct {
			s.dailyLossTripped = true
			return GateResult{Reason: DenyDailyLoss, JustTripped: true}
		}
	}

	if s.highWaterMark > 0 && s.cfg.TotalDrawdownLimitPct > 0 {
		drawdownPct := (s.highWaterMark - s.currentEquity) / s.highWaterMark * 100
		if drawdownPct >= s.cfg.TotalDrawdownLimitPct {
			return GateResult{Reason: DenyDrawdown}
		}
	}

	if s.cfg.ConsecutiveLossPause > 0 && s.consecutiveLosses >= s.cfg.ConsecutiveLossPause {
		return GateResult{Reason: DenyConsecutiveLoss}
	}

	if !s.cooldownUntil.IsZero() && now.Before(s.cooldownUntil) {
		return GateResult{Reason: DenyCooldown}
	}

	if s.cfg.MaxDailyTrades > 0 && s.tradesInWindow >= s.cfg.MaxDailyTrades {
		return GateResult{Reason: DenyDailyTradeCap}
	}

	if s.cfg.MaxConcurrentPositions > 0 && s.totalPositions >= s.cfg.MaxConcurrentPositions {
		return GateResult{Reason: DenyConcurrentCap}
	}

	if s.cfg.MaxPerSymbol > 0 && s.positionsBySymbol[symbol] >= s.cfg.MaxPerSymbol {
		return GateResult{Reason: DenySymbolCap}
	}

	return GateResult{Allow: true}
}

// OnTradeOpened records a successful copy open (§4.C).
func (s *State) OnTradeOpened(symbol string, openedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tradesInWindow++
	s.lastTradeTime = openedAt
	if s.cfg.CooldownBetweenTrades > 0 {
		s.cooldownUntil = openedAt.Add(s.cfg.CooldownBetweenTrades)
	}
	s.positionsBySymbol[symbol]++
	s.totalPositions++
}

// OnTradeClosed records a realized close and advances phase progression
// (§4.C "Phase progression"). It returns the route's phase after the
// update and whether this call is the one that advanced it, so the caller
// can fire a single phase-upgraded alert (§4.I).
func (s *State) OnTradeClosed(symbol string, realizedPnL float64) (Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dailyPnL += realizedPnL
	s.currentBalance += realizedPnL
	s.currentEquity = s.currentBalance
	if s.currentEquity > s.highWaterMark {
		s.highWaterMark = s.currentEquity
	}

	if realizedPnL < 0 {
		s.consecutiveLosses++
	} else {
		s.consecutiveLosses = 0
	}

	s.closedTrades++
	if realizedPnL > 0 {
		s.winningTrades++
	}
	if s.startingBalance > 0 {
		s.totalProfitPct = (s.currentBalance - s.startingBalance) / s.startingBalance * 100
	}

	if s.positionsBySymbol[symbol] > 0 {
		s.positionsBySymbol[symbol]--
	}
	if s.totalPositions > 0 {
		s.totalPositions--
	}

	upgraded := s.maybeAdvancePhaseLocked()
	return s.phase, upgraded
}

// maybeAdvancePhaseLocked applies the monotone phase transition rule of
// §4.C and reports whether it advanced the phase. Must be called with
// s.mu held.
func (s *State) maybeAdvancePhaseLocked() bool {
	if !s.cfg.PhaseEnabled || s.phase >= Phase3 {
		return false
	}
	next := s.phase + 1
	pc, ok := s.cfg.Phases[next]
	if !ok {
		return false
	}
	winRate := 0.0
	if s.closedTrades > 0 {
		winRate = float64(s.winningTrades) / float64(s.closedTrades) * 100
	}
	if s.daysActive >= pc.MinDaysActive && winRate >= pc.MinWinRatePct && s.totalProfitPct >= pc.MinProfitPct {
		s.phase = next
		return true
	}
	return false
}

// CurrentPhaseConfig returns the sizing/risk pair for the active phase,
// consumed by the Sizing Policy (§4.E).
func (s *State) CurrentPhaseConfig() PhaseConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.cfg.Phases[s.phase]; ok {
		return pc
	}
	return PhaseConfig{Multiplier: 1, RiskFactor: 1}
}

// DailyRollover archives yesterday's counters and reseeds today's starting
// balance with current equity (§4.C, Invariant I3). Must only be invoked by
// the Route Supervisor at the configured wall-clock boundary; no I/O happens
// inside the exclusive window (§5).
func (s *State) DailyRollover(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startingBalance = s.currentEquity
	s.dailyPnL = 0
	s.tradesInWindow = 0
	s.emergencyStopped = false
	s.dailyLossTripped = false
	s.daysActive++
}

// TrackSqueezeSequence records the first-seen time for a symbol's squeeze
// sequence and returns it. The martingale filter's time-window check
// (§4.D.7) does not use it; that check counts open mappings by open time.
func (s *State) TrackSqueezeSequence(symbol string, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.squeezeSeqStart[symbol]; ok {
		return t
	}
	s.squeezeSeqStart[symbol] = now
	return now
}
