package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeGateway is an in-memory Gateway used by tests and the paper-trading
// demo mode. It is not goroutine-safe beyond its own mutex-guarded state;
// callers should not mutate returned slices.
type FakeGateway struct {
	mu sync.Mutex

	positions map[string]map[string]Position // accountID -> positionID -> Position
	accounts  map[string]AccountInfo
	streams   map[string]chan StreamEvent

	// FailNext, when >0, makes the next N ExecuteTrade or ClosePosition calls
	// for any account fail: ExecuteTrade returns a FailureTransient result,
	// ClosePosition returns an error. ModifyPosition does not consult it.
	// Used to exercise the
	// "operation continues under failure" property (P7).
	FailNext int
}

// NewFakeGateway creates an empty fake gateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		positions: make(map[string]map[string]Position),
		accounts:  make(map[string]AccountInfo),
		streams:   make(map[string]chan StreamEvent),
	}
}

// SeedAccount sets the account info returned by GetAccountInfo.
func (f *FakeGateway) SeedAccount(accountID string, info AccountInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[accountID] = info
}

// SeedPosition injects a position directly into an account's book, bypassing
// ExecuteTrade — used to set up source-side fixtures in tests.
func (f *FakeGateway) SeedPosition(accountID string, pos Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positions[accountID] == nil {
		f.positions[accountID] = make(map[string]Position)
	}
	f.positions[accountID][pos.ID] = pos
	f.publishLocked(accountID, StreamEvent{Kind: EventPositionCreated, Position: pos})
}

// RemovePosition removes a position directly, emitting position-removed —
// used to simulate the source account closing a trade out of band.
func (f *FakeGateway) RemovePosition(accountID, positionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.positions[accountID][positionID]
	if !ok {
		return
	}
	delete(f.positions[accountID], positionID)
	f.publishLocked(accountID, StreamEvent{Kind: EventPositionRemoved, Position: pos})
}

func (f *FakeGateway) publishLocked(accountID string, ev StreamEvent) {
	ch, ok := f.streams[accountID]
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
		// Backpressure: drop rather than block the seeding caller. Real
		// streams apply the §5 per-source queue-depth policy at the pipeline
		// layer; this fake simply never blocks on a full buffer.
	}
}

func (f *FakeGateway) ConnectStream(ctx context.Context, accountID, region string) (*StreamHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan StreamEvent, 256)
	f.streams[accountID] = ch
	errCh := make(chan error)
	closed := false
	var closeMu sync.Mutex
	return &StreamHandle{
		Events: ch,
		Errors: errCh,
		Close: func() {
			closeMu.Lock()
			defer closeMu.Unlock()
			if closed {
				return
			}
			closed = true
			f.mu.Lock()
			delete(f.streams, accountID)
			f.mu.Unlock()
			close(ch)
		},
	}, nil
}

func (f *FakeGateway) GetPositions(ctx context.Context, accountID string) ([]Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Position
	for _, p := range f.positions[accountID] {
		out = append(out, p)
	}
	return out, nil
}

func (f *FakeGateway) ExecuteTrade(ctx context.Context, accountID, region string, order Order) (ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNext > 0 {
		f.FailNext--
		return ExecuteResult{Failure: FailureTransient}, nil
	}
	id := uuid.New().String()
	pos := Position{
		ID:         id,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Volume:     order.Volume,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		Comment:    order.Comment,
	}
	if f.positions[accountID] == nil {
		f.positions[accountID] = make(map[string]Position)
	}
	f.positions[accountID][id] = pos
	return ExecuteResult{Success: true, BrokerOrderID: id}, nil
}

func (f *FakeGateway) ModifyPosition(ctx context.Context, accountID, positionID string, sl, tp *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.positions[accountID][positionID]
	if !ok {
		return fmt.Errorf("fake gateway: position %s not found for account %s", positionID, accountID)
	}
	pos.StopLoss = sl
	pos.TakeProfit = tp
	f.positions[accountID][positionID] = pos
	return nil
}

func (f *FakeGateway) ClosePosition(ctx context.Context, accountID, positionID string) (CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNext > 0 {
		f.FailNext--
		return CloseResult{}, fmt.Errorf("fake gateway: transient close failure")
	}
	_, ok := f.positions[accountID][positionID]
	if !ok {
		return CloseResult{}, fmt.Errorf("fake gateway: position %s not found for account %s", positionID, accountID)
	}
	delete(f.positions[accountID], positionID)
	return CloseResult{Closed: true}, nil
}

func (f *FakeGateway) GetAccountInfo(ctx context.Context, accountID string) (AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.accounts[accountID]
	if !ok {
		return AccountInfo{}, fmt.Errorf("fake gateway: no account info seeded for %s", accountID)
	}
	return info, nil
}

var _ Gateway = (*FakeGateway)(nil)
