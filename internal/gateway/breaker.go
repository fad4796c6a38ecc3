package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// errTransientResult stands in for an ExecuteTrade call that returned a
// FailureTransient result rather than a Go error, so it still counts as a
// failure in the per-account tracker.
var errTransientResult = errors.New("gateway: transient execute failure")

// AlertFunc is invoked at most once per 5 minutes per account when the
// gateway detects a sustained run of transient failures (§4.A, §7).
type AlertFunc func(accountID string, consecutiveFailures uint32)

const connectionAlertThrottle = 5 * time.Minute

// Monitor wraps a Gateway and tracks consecutive failures per account to
// drive the connection-issue alert. It never refuses an operation: every
// call always reaches the underlying Gateway regardless of breaker state.
// The circuit breaker here is a pure failure-rate/state tracker, not an
// admission gate.
type Monitor struct {
	next  Gateway
	alert AlertFunc

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	lastAlert map[string]time.Time
}

// NewMonitor wraps next with connection-issue tracking. alert may be nil to
// disable alerting (tracking still happens, silently).
func NewMonitor(next Gateway, alert AlertFunc) *Monitor {
	if alert == nil {
		alert = func(string, uint32) {}
	}
	return &Monitor{
		next:      next,
		alert:     alert,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		lastAlert: make(map[string]time.Time),
	}
}

func (m *Monitor) breakerFor(accountID string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[accountID]; ok {
		return b
	}
	// tripFailures holds the failure count seen by ReadyToTrip; the breaker
	// resets its counts before OnStateChange runs, and Counts() cannot be
	// called from inside OnStateChange.
	var tripFailures uint32
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway:" + accountID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     connectionAlertThrottle,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			tripFailures = counts.ConsecutiveFailures
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				m.maybeAlert(accountID, tripFailures)
			}
		},
	})
	m.breakers[accountID] = b
	return b
}

func (m *Monitor) maybeAlert(accountID string, consecutive uint32) {
	m.mu.Lock()
	last, ok := m.lastAlert[accountID]
	now := time.Now()
	if ok && now.Sub(last) < connectionAlertThrottle {
		m.mu.Unlock()
		return
	}
	m.lastAlert[accountID] = now
	m.mu.Unlock()

	m.alert(accountID, consecutive)
}

// record feeds a call outcome into the per-account tracker without ever
// affecting whether the caller's operation was allowed to proceed.
func (m *Monitor) record(accountID string, err error) {
	b := m.breakerFor(accountID)
	// Execute here only decides whether counts/state update; req always runs
	// exactly once, already having happened, so this purely mirrors the
	// outcome into the breaker's bookkeeping.
	_, _ = b.Execute(func() (interface{}, error) {
		return nil, err
	})
}

func (m *Monitor) ConnectStream(ctx context.Context, accountID, region string) (*StreamHandle, error) {
	h, err := m.next.ConnectStream(ctx, accountID, region)
	m.record(accountID, err)
	return h, err
}

func (m *Monitor) GetPositions(ctx context.Context, accountID string) ([]Position, error) {
	p, err := m.next.GetPositions(ctx, accountID)
	m.record(accountID, err)
	return p, err
}

func (m *Monitor) ExecuteTrade(ctx context.Context, accountID, region string, order Order) (ExecuteResult, error) {
	res, err := m.next.ExecuteTrade(ctx, accountID, region, order)
	recErr := err
	if recErr == nil && res.Failure == FailureTransient {
		recErr = errTransientResult
	}
	m.record(accountID, recErr)
	return res, err
}

func (m *Monitor) ModifyPosition(ctx context.Context, accountID, positionID string, sl, tp *float64) error {
	err := m.next.ModifyPosition(ctx, accountID, positionID, sl, tp)
	m.record(accountID, err)
	return err
}

func (m *Monitor) ClosePosition(ctx context.Context, accountID, positionID string) (CloseResult, error) {
	res, err := m.next.ClosePosition(ctx, accountID, positionID)
	m.record(accountID, err)
	return res, err
}

func (m *Monitor) GetAccountInfo(ctx context.Context, accountID string) (AccountInfo, error) {
	info, err := m.next.GetAccountInfo(ctx, accountID)
	m.record(accountID, err)
	return info, err
}

var _ Gateway = (*Monitor)(nil)
