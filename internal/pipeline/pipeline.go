// Package pipeline implements the Copy Pipeline (§4.F): one instance per
// enabled route, consuming a source account's position stream and mirroring
// opens/closes/modifications to a destination account through the filter
// chain, sizing policy, and mapping store. It is grounded on the teacher's
// cmd/bot trading cycle and reconciler for its state-machine shape and
// per-position serialization, generalized from a single options strategy
// to an arbitrary multi-route copy engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coretrace/copyengine/internal/alertlog"
	"github.com/coretrace/copyengine/internal/filter"
	"github.com/coretrace/copyengine/internal/gateway"
	"github.com/coretrace/copyengine/internal/mapping"
	"github.com/coretrace/copyengine/internal/risk"
	"github.com/coretrace/copyengine/internal/sizing"
	"github.com/coretrace/copyengine/internal/util"
)

// State is the pipeline's lifecycle state (§4.F).
type State int

// Pipeline states, in the order a healthy route moves through them.
const (
	StateStarting State = iota
	StateSyncing
	StateRunning
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSyncing:
		return "syncing"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// degradeThreshold is the number of consecutive gateway failures that push
// a healthy pipeline into Degraded (§4.F "Degraded ... sustained failures").
const degradeThreshold = 3

// defaultConcurrency bounds cross-source-position parallelism within one
// route (§5 "per-route concurrency cap (default 4)").
const defaultConcurrency = 4

// defaultDrainTimeout bounds how long Stop waits for in-flight handlers
// (§5 "drain budget (default 10 s)").
const defaultDrainTimeout = 10 * time.Second

// SLTPBuffer configures stop-loss/take-profit mirroring buffers applied
// when opening a destination trade derived from a source position.
type SLTPBuffer struct {
	StopLossPips   float64
	TakeProfitPips float64
	PipSize        float64
	MirrorUpdates  bool
}

// Config is one route's full wiring: account identity, rule set, and
// tuning knobs not owned by filter/sizing/risk configs directly.
type Config struct {
	RouteID         string
	RouteName       string
	SourceAccountID string
	DestAccountID   string
	SourceRegion    string
	DestRegion      string

	Filters filter.Config
	Sizing  sizing.Config
	Buffer  SLTPBuffer

	Concurrency  int
	DrainTimeout time.Duration
}

// Pipeline mirrors one route's source position stream to its destination.
type Pipeline struct {
	cfg    Config
	gw     gateway.Gateway
	store  mapping.Store
	risk   *risk.State
	alerts *alertlog.Log
	log    *log.Logger

	mu            sync.Mutex
	state         State
	consecutiveFail int

	// posLocks serializes events for the same source position id while
	// allowing different ids to run concurrently, bounded by a semaphore
	// (§5 "events for the same source position processed... serially").
	posLocks map[string]*sync.Mutex
	posMu    sync.Mutex
	sem      chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Pipeline. gw, store, riskState, and alerts must be
// non-nil.
func New(cfg Config, gw gateway.Gateway, store mapping.Store, riskState *risk.State, alerts *alertlog.Log, logger *log.Logger) *Pipeline {
	if gw == nil || store == nil || riskState == nil || alerts == nil {
		panic("pipeline: nil dependency")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return &Pipeline{
		cfg:      cfg,
		gw:       gw,
		store:    store,
		risk:     riskState,
		alerts:   alerts,
		log:      logger,
		state:    StateStarting,
		posLocks: make(map[string]*sync.Mutex),
		sem:      make(chan struct{}, cfg.Concurrency),
		stopCh:   make(chan struct{}),
	}
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// recordOutcome feeds a gateway-call result into the degrade/recover state
// machine: sustained failure pushes Running -> Degraded; any success while
// Degraded recovers to Running (§4.F).
func (p *Pipeline) recordOutcome(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.consecutiveFail++
		if p.consecutiveFail >= degradeThreshold && p.state == StateRunning {
			p.state = StateDegraded
			p.log.Printf("route %q: entering degraded state after %d consecutive failures", p.cfg.RouteID, p.consecutiveFail)
		}
		return
	}
	p.consecutiveFail = 0
	if p.state == StateDegraded {
		p.state = StateRunning
		p.log.Printf("route %q: recovered to running", p.cfg.RouteID)
	}
}

func (p *Pipeline) lockFor(sourcePositionID string) *sync.Mutex {
	p.posMu.Lock()
	defer p.posMu.Unlock()
	m, ok := p.posLocks[sourcePositionID]
	if !ok {
		m = &sync.Mutex{}
		p.posLocks[sourcePositionID] = m
	}
	return m
}

// Start runs Sync then enters the event loop, blocking until ctx is
// canceled or Stop is called. Intended to run on its own goroutine, owned
// by the supervisor.
func (p *Pipeline) Start(ctx context.Context) error {
	handle, err := p.gw.ConnectStream(ctx, p.cfg.SourceAccountID, p.cfg.SourceRegion)
	if err != nil {
		p.setState(StateDegraded)
		return fmt.Errorf("pipeline %q: connecting stream: %w", p.cfg.RouteID, err)
	}
	defer handle.Close()

	p.setState(StateSyncing)
	if err := p.sync(ctx); err != nil {
		p.log.Printf("route %q: startup sync error: %v", p.cfg.RouteID, err)
	}
	p.setState(StateRunning)

	for {
		select {
		case <-ctx.Done():
			p.drain()
			p.setState(StateStopped)
			return ctx.Err()
		case <-p.stopCh:
			p.drain()
			p.setState(StateStopped)
			return nil
		case ev, ok := <-handle.Events:
			if !ok {
				p.setState(StateDegraded)
				return fmt.Errorf("pipeline %q: source stream closed", p.cfg.RouteID)
			}
			p.dispatch(ctx, ev)
		case streamErr, ok := <-handle.Errors:
			if ok && streamErr != nil {
				p.log.Printf("route %q: stream error: %v", p.cfg.RouteID, streamErr)
				p.recordOutcome(streamErr)
			}
		}
	}
}

// dispatch fans an event out to a worker, serialized per source position id
// and bounded by the route's concurrency cap.
func (p *Pipeline) dispatch(ctx context.Context, ev gateway.StreamEvent) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-p.sem }()

		posLock := p.lockFor(ev.Position.ID)
		posLock.Lock()
		defer posLock.Unlock()

		p.handleEvent(ctx, ev)
	}()
}

func (p *Pipeline) drain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		p.log.Printf("route %q: drain timeout exceeded, abandoning in-flight handlers", p.cfg.RouteID)
	}
}

// Stop requests cooperative shutdown; it does not close destination
// positions (§4.F).
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pipeline) handleEvent(ctx context.Context, ev gateway.StreamEvent) {
	switch ev.Kind {
	case gateway.EventPositionCreated:
		p.handlePositionCreated(ctx, ev.Position)
	case gateway.EventPositionRemoved:
		p.handlePositionRemoved(ctx, ev.Position)
	case gateway.EventPositionUpdated:
		p.handlePositionUpdated(ctx, ev.Position)
	case gateway.EventAccountInfoUpdated:
		// No direct action; sizing reads destination balance fresh on each
		// copy decision rather than caching it here.
	}
}

var errAlreadyMapped = errors.New("pipeline: source position already mapped")

// handlePositionCreated implements §4.F's 7-step open path.
func (p *Pipeline) handlePositionCreated(ctx context.Context, src gateway.Position) {
	srcKey := mapping.SourceKey{AccountID: p.cfg.SourceAccountID, PositionID: src.ID}

	if _, err := p.store.GetBySource(srcKey); err == nil {
		return // step 2: already mapped
	}

	riskView := p.risk.Snapshot()
	gate := p.risk.OnEventIngress(time.Now(), src.Symbol)
	if !gate.Allow {
		p.log.Printf("route %q: risk gate denied position %s: %s", p.cfg.RouteID, src.ID, gate.Reason)
		if gate.JustTripped {
			p.onGateTripped(ctx, gate.Reason)
		}
		return
	}

	decision := filter.Evaluate(
		p.cfg.RouteID,
		filter.Candidate{SourceAccountID: p.cfg.SourceAccountID, SourcePosition: src, Now: time.Now()},
		p.cfg.Filters,
		filter.RiskView{TradesInWindow: riskView.TradesInWindow, LastTradeTime: riskView.LastTradeTime},
		p.mappingView(),
		p.symbolWindowCounter(ctx),
	)
	if !decision.Allow {
		p.log.Printf("route %q: filter denied position %s: %s", p.cfg.RouteID, src.ID, decision.Reason)
		return
	}

	destInfo, err := p.gw.GetAccountInfo(ctx, p.cfg.DestAccountID)
	p.recordOutcome(err)
	if err != nil {
		p.log.Printf("route %q: failed to fetch destination account info: %v", p.cfg.RouteID, err)
		return
	}

	phaseCfg := p.risk.CurrentPhaseConfig()
	result := sizing.Compute(p.cfg.Sizing, sizing.Input{
		SourceVolume:      src.Volume,
		DestBalance:       destInfo.Balance,
		PhaseMultiplier:   phaseCfg.Multiplier,
		PhaseRiskFactor:   phaseCfg.RiskFactor,
		ConsecutiveLosses: riskView.ConsecutiveLosses,
		Side:              string(src.Side),
		Symbol:            src.Symbol,
		CurrentExposure:   0,
	})
	if result.Skip {
		return
	}

	// Step 5: real-time de-dup self-heal.
	if healed := p.selfHealIfAlreadyMirrored(ctx, srcKey, src); healed {
		return
	}

	order := gateway.Order{
		Symbol:     src.Symbol,
		Side:       src.Side,
		Volume:     result.Volume,
		StopLoss:   bufferedPrice(src.StopLoss, p.cfg.Buffer.StopLossPips, p.cfg.Buffer.PipSize),
		TakeProfit: bufferedPrice(src.TakeProfit, p.cfg.Buffer.TakeProfitPips, p.cfg.Buffer.PipSize),
		Comment:    mirrorComment(src.ID),
	}

	exec, err := p.gw.ExecuteTrade(ctx, p.cfg.DestAccountID, p.cfg.DestRegion, order)
	p.recordOutcome(err)
	if err != nil {
		p.log.Printf("route %q: execute trade failed for position %s: %v", p.cfg.RouteID, src.ID, err)
		return
	}
	if !exec.Success {
		p.log.Printf("route %q: execute trade rejected for position %s: %s", p.cfg.RouteID, src.ID, exec.Failure)
		return
	}

	now := time.Now()
	err = p.store.Put(mapping.Mapping{
		Source:   srcKey,
		Dest:     mapping.DestKey{AccountID: p.cfg.DestAccountID, PositionID: exec.BrokerOrderID},
		RouteID:  p.cfg.RouteID,
		OpenTime: now,
		Status:   mapping.StatusActive,
		LastSeen: now,
		Meta:     map[string]string{"symbol": src.Symbol},
	})
	if err != nil && !errors.Is(err, mapping.ErrDuplicate) {
		p.log.Printf("route %q: failed to persist mapping for position %s: %v", p.cfg.RouteID, src.ID, err)
		return
	}

	p.risk.OnTradeOpened(src.Symbol, now)
}

// onGateTripped runs the one-shot side effects for a risk gate that just
// transitioned its route into a sticky deny state (§4.I, §7 "alerts
// once"). Emergency-stop additionally liquidates every open destination
// position for the route via the gateway (scenario 6).
func (p *Pipeline) onGateTripped(ctx context.Context, reason risk.DenyReason) {
	switch reason {
	case risk.DenyEmergencyStop:
		closed, err := p.closeAllDestinationPositions(ctx)
		msg := fmt.Sprintf("route %q: emergency stop triggered, closed %d destination position(s)", p.cfg.RouteID, closed)
		if err != nil {
			msg = fmt.Sprintf("%s (incomplete: %v)", msg, err)
		}
		if _, fireErr := p.alerts.Fire(time.Now(), alertlog.CategoryEmergencyStop, p.cfg.RouteID, p.cfg.RouteID, msg); fireErr != nil {
			p.log.Printf("route %q: failed to record emergency-stop alert: %v", p.cfg.RouteID, fireErr)
		}
	case risk.DenyDailyLoss:
		msg := fmt.Sprintf("route %q: daily loss limit reached, route disabled for the remainder of the day", p.cfg.RouteID)
		if _, fireErr := p.alerts.Fire(time.Now(), alertlog.CategoryDailyLimit, p.cfg.RouteID, p.cfg.RouteID, msg); fireErr != nil {
			p.log.Printf("route %q: failed to record daily-limit alert: %v", p.cfg.RouteID, fireErr)
		}
	}
}

// closeAllDestinationPositions liquidates every open position in the
// route's destination account (scenario 6 "all open destination positions
// for that route closed via gateway"). It keeps going on a per-position
// close failure so one stuck position doesn't block the rest, and reports
// the count actually closed plus the first error encountered, if any.
func (p *Pipeline) closeAllDestinationPositions(ctx context.Context) (int, error) {
	destPositions, err := p.gw.GetPositions(ctx, p.cfg.DestAccountID)
	p.recordOutcome(err)
	if err != nil {
		return 0, fmt.Errorf("fetching destination positions: %w", err)
	}

	var firstErr error
	closed := 0
	for _, dp := range destPositions {
		res, err := p.gw.ClosePosition(ctx, p.cfg.DestAccountID, dp.ID)
		p.recordOutcome(err)
		if err != nil || !res.Closed {
			if firstErr == nil {
				if err != nil {
					firstErr = fmt.Errorf("closing %s: %w", dp.ID, err)
				} else {
					firstErr = fmt.Errorf("closing %s: gateway reported not closed", dp.ID)
				}
			}
			continue
		}
		closed++
	}
	return closed, firstErr
}

// selfHealIfAlreadyMirrored implements step 5: scan destination positions
// for one whose comment already references this source position, and if
// found, write the mapping instead of placing a duplicate trade.
func (p *Pipeline) selfHealIfAlreadyMirrored(ctx context.Context, srcKey mapping.SourceKey, src gateway.Position) bool {
	destPositions, err := p.gw.GetPositions(ctx, p.cfg.DestAccountID)
	p.recordOutcome(err)
	if err != nil {
		return false
	}
	want := mirrorComment(src.ID)
	for _, dp := range destPositions {
		if dp.Comment == want {
			now := time.Now()
			if err := p.store.Put(mapping.Mapping{
				Source: srcKey, Dest: mapping.DestKey{AccountID: p.cfg.DestAccountID, PositionID: dp.ID},
				RouteID: p.cfg.RouteID, OpenTime: now, Status: mapping.StatusActive, LastSeen: now,
			}); err != nil && !errors.Is(err, mapping.ErrDuplicate) {
				p.log.Printf("route %q: self-heal mapping write failed for %s: %v", p.cfg.RouteID, src.ID, err)
			}
			return true
		}
	}
	return false
}

// handlePositionRemoved implements §4.F's close path.
func (p *Pipeline) handlePositionRemoved(ctx context.Context, src gateway.Position) {
	srcKey := mapping.SourceKey{AccountID: p.cfg.SourceAccountID, PositionID: src.ID}
	m, err := p.store.GetBySource(srcKey)
	if err != nil {
		return // never mirrored
	}

	res, err := p.gw.ClosePosition(ctx, m.Dest.AccountID, m.Dest.PositionID)
	p.recordOutcome(err)
	if err != nil || !res.Closed {
		p.log.Printf("route %q: close failed for mapped position %s->%s, leaving mapping active for reconciler: %v",
			p.cfg.RouteID, src.ID, m.Dest.PositionID, err)
		return
	}

	if err := p.store.MarkClosed(srcKey); err != nil {
		p.log.Printf("route %q: failed to mark mapping closed for %s: %v", p.cfg.RouteID, src.ID, err)
	}

	newPhase, upgraded := p.risk.OnTradeClosed(src.Symbol, res.Profit)
	if upgraded {
		msg := fmt.Sprintf("route %q: advanced to phase %d", p.cfg.RouteID, newPhase)
		if _, err := p.alerts.Fire(time.Now(), alertlog.CategoryPhaseUpgraded, p.cfg.RouteID, p.cfg.RouteID, msg); err != nil {
			p.log.Printf("route %q: failed to record phase-upgraded alert: %v", p.cfg.RouteID, err)
		}
	}
}

// handlePositionUpdated mirrors SL/TP changes best-effort; it never
// touches the mapping store (§4.F).
func (p *Pipeline) handlePositionUpdated(ctx context.Context, src gateway.Position) {
	if !p.cfg.Buffer.MirrorUpdates {
		return
	}
	srcKey := mapping.SourceKey{AccountID: p.cfg.SourceAccountID, PositionID: src.ID}
	m, err := p.store.GetBySource(srcKey)
	if err != nil {
		return
	}
	sl := bufferedPrice(src.StopLoss, p.cfg.Buffer.StopLossPips, p.cfg.Buffer.PipSize)
	tp := bufferedPrice(src.TakeProfit, p.cfg.Buffer.TakeProfitPips, p.cfg.Buffer.PipSize)
	err = p.gw.ModifyPosition(ctx, m.Dest.AccountID, m.Dest.PositionID, sl, tp)
	p.recordOutcome(err)
	if err != nil {
		p.log.Printf("route %q: modify position failed for %s: %v", p.cfg.RouteID, src.ID, err)
	}
}

func bufferedPrice(price *float64, bufferPips, pipSize float64) *float64 {
	if price == nil {
		return nil
	}
	if bufferPips == 0 || pipSize == 0 {
		v := *price
		return &v
	}
	v := util.RoundToTick(*price+bufferPips*pipSize, pipSize)
	return &v
}

func mirrorComment(sourcePositionID string) string {
	return "copy:" + sourcePositionID
}

// sync performs the startup snapshot and re-materialization pass (§4.F
// "Startup").
func (p *Pipeline) sync(ctx context.Context) error {
	destPositions, err := p.gw.GetPositions(ctx, p.cfg.DestAccountID)
	if err != nil {
		return fmt.Errorf("fetching destination snapshot: %w", err)
	}
	if _, err := p.gw.GetPositions(ctx, p.cfg.SourceAccountID); err != nil {
		return fmt.Errorf("fetching source snapshot: %w", err)
	}

	rematerialized := 0
	for _, dp := range destPositions {
		srcID, ok := parseMirrorComment(dp.Comment)
		if !ok {
			continue
		}
		srcKey := mapping.SourceKey{AccountID: p.cfg.SourceAccountID, PositionID: srcID}
		if _, err := p.store.GetBySource(srcKey); err == nil {
			continue // already present, idempotent
		}
		now := time.Now()
		if err := p.store.Put(mapping.Mapping{
			Source: srcKey, Dest: mapping.DestKey{AccountID: p.cfg.DestAccountID, PositionID: dp.ID},
			RouteID: p.cfg.RouteID, OpenTime: now, Status: mapping.StatusActive, LastSeen: now,
		}); err == nil {
			rematerialized++
		}
	}
	p.log.Printf("route %q: startup sync complete, %d destination positions, %d mappings re-materialized",
		p.cfg.RouteID, len(destPositions), rematerialized)
	return nil
}

func parseMirrorComment(comment string) (string, bool) {
	const prefix = "copy:"
	if len(comment) <= len(prefix) || comment[:len(prefix)] != prefix {
		return "", false
	}
	return comment[len(prefix):], true
}
