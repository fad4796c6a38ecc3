package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		DailyLossLimitPct:      5,
		EmergencyStopPct:       10,
		TotalDrawdownLimitPct:  20,
		ConsecutiveLossPause:   3,
		CooldownBetweenTrades:  time.Minute,
		MaxDailyTrades:         2,
		MaxConcurrentPositions: 5,
	}
}

func TestOnEventIngress_AllowsByDefault(t *testing.T) {
	s := New(baseConfig(), 10000)
	res := s.OnEventIngress(time.Now(), "EURUSD")
	require.True(t, res.Allow)
}

func TestOnEventIngress_DailyTradeCapExactlyReachedDenies(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxDailyTrades = 1
	s := New(cfg, 10000)

	s.OnTradeOpened("EURUSD", time.Now().Add(-time.Hour))
	res := s.OnEventIngress(time.Now(), "EURUSD")
	require.False(t, res.Allow)
	require.Equal(t, DenyDailyTradeCap, res.Reason)
}

func TestOnEventIngress_CooldownExpiryAtBoundaryAllows(t *testing.T) {
	s := New(baseConfig(), 10000)
	opened := time.Now().Add(-2 * time.Minute)
	s.OnTradeOpened("EURUSD", opened)

	// cooldown was 1 minute; an event exactly at the boundary is allowed.
	res := s.OnEventIngress(opened.Add(time.Minute), "EURUSD")
	require.True(t, res.Allow)
}

func TestOnEventIngress_SymbolCapDeniesOnlyThatSymbol(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPerSymbol = 1
	s := New(cfg, 10000)

	s.OnTradeOpened("EURUSD", time.Now().Add(-time.Hour))
	res := s.OnEventIngress(time.Now(), "EURUSD")
	require.False(t, res.Allow)
	require.Equal(t, DenySymbolCap, res.Reason)

	res = s.OnEventIngress(time.Now(), "GBPUSD")
	require.True(t, res.Allow)
}

func TestOnTradeClosed_ConsecutiveLossCountsLossesAndResetsOnWin(t *testing.T) {
	s := New(baseConfig(), 10000)
	s.OnTradeClosed("EURUSD", -10)
	s.OnTradeClosed("EURUSD", -10)
	v := s.Snapshot()
	require.Equal(t, 2, v.ConsecutiveLosses)

	s.OnTradeClosed("EURUSD", 50)
	v = s.Snapshot()
	require.Equal(t, 0, v.ConsecutiveLosses)
}

func TestOnEventIngress_EmergencyStopTriggersAndPersists(t *testing.T) {
	s := New(baseConfig(), 10000)
	s.OnTradeClosed("EURUSD", -1100) // 11% loss > 10% emergency threshold

	res := s.OnEventIngress(time.Now(), "EURUSD")
	require.False(t, res.Allow)
	require.Equal(t, DenyEmergencyStop, res.Reason)
	require.True(t, res.JustTripped)

	// Remains emergency-stopped for subsequent events too, but only trips once.
	res = s.OnEventIngress(time.Now(), "EURUSD")
	require.Equal(t, DenyEmergencyStop, res.Reason)
	require.False(t, res.JustTripped)
}

func TestOnEventIngress_DailyLossReachedDeniesForRestOfDay(t *testing.T) {
	s := New(baseConfig(), 10000)
	s.OnTradeClosed("EURUSD", -600) // 6% loss > 5% daily-loss threshold, under 10% emergency

	res := s.OnEventIngress(time.Now(), "EURUSD")
	require.False(t, res.Allow)
	require.Equal(t, DenyDailyLoss, res.Reason)
	require.True(t, res.JustTripped)

	res = s.OnEventIngress(time.Now(), "EURUSD")
	require.Equal(t, DenyDailyLoss, res.Reason)
	require.False(t, res.JustTripped)
}

func TestDailyRollover_ResetsCountersAtomically(t *testing.T) {
	s := New(baseConfig(), 10000)
	s.OnTradeOpened("EURUSD", time.Now())
	s.OnTradeClosed("EURUSD", 100)

	before := s.Snapshot()
	require.Equal(t, 1, before.TradesInWindow)

	s.DailyRollover(time.Now())
	after := s.Snapshot()
	require.Equal(t, 0, after.TradesInWindow)
	require.Equal(t, float64(0), after.DailyPnL)
	require.Equal(t, after.CurrentEquity, after.StartingBalance)
}

func TestDailyRollover_ResetsDailyLossTripped(t *testing.T) {
	s := New(baseConfig(), 10000)
	s.OnTradeClosed("EURUSD", -600)
	res := s.OnEventIngress(time.Now(), "EURUSD")
	require.Equal(t, DenyDailyLoss, res.Reason)

	s.DailyRollover(time.Now())
	res = s.OnEventIngress(time.Now(), "EURUSD")
	require.True(t, res.Allow)
}

func TestPhaseProgression_MonotoneNoDemotion(t *testing.T) {
	cfg := baseConfig()
	cfg.PhaseEnabled = true
	cfg.Phases = map[Phase]PhaseConfig{
		Phase2: {Multiplier: 2, RiskFactor: 1, MinDaysActive: 0, MinWinRatePct: 50, MinProfitPct: 1},
	}
	s := New(cfg, 10000)
	s.daysActive = 1

	newPhase, upgraded := s.OnTradeClosed("EURUSD", 500) // win, profit 5%
	require.True(t, upgraded)
	require.Equal(t, Phase2, newPhase)

	v := s.Snapshot()
	require.Equal(t, Phase2, v.Phase)

	// A subsequent loss must not demote the phase.
	newPhase, upgraded = s.OnTradeClosed("EURUSD", -200)
	require.False(t, upgraded)
	require.Equal(t, Phase2, newPhase)
	v = s.Snapshot()
	require.Equal(t, Phase2, v.Phase)
}
