// Package supervisor owns the lifecycle of every route's Copy Pipeline
// (§4.H): starting pipelines from config, isolating crashes with
// exponential back-off restarts, diffing config reloads, and driving the
// daily rollover tick. Grounded on the teacher's cmd/bot Bot struct and
// its signal-driven shutdown, generalized from one strategy instance to
// many concurrently-supervised route pipelines.
package supervisor

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/coretrace/copyengine/internal/pipeline"
	"github.com/coretrace/copyengine/internal/risk"
	"github.com/coretrace/copyengine/internal/routeconfig"
	"golang.org/x/sync/errgroup"
)

// Status is the supervisor's public view of one route for the operator
// surface (§4.H "Expose a status enumerator").
type Status struct {
	RouteID string
	Name    string
	State   pipeline.State
	Enabled bool
	Started time.Time
	Crashes int
}

// Factory builds a fresh Pipeline and its owning risk.State for a route;
// supplied by the caller so the supervisor does not depend on
// gateway/mapping construction directly.
type Factory func(route routeconfig.Route) (*pipeline.Pipeline, *risk.State, error)

// Restart back-off starts at 1s and doubles (1s, 2s, 4s, ...) up to a 60s
// cap (§7 "restarts the pipeline with back-off (1 s, 2 s, 4 s, capped at
// 60 s)").
const (
	initialRestartBackoff = 1 * time.Second
	maxRestartBackoff     = 60 * time.Second
)

type managedRoute struct {
	route   routeconfig.Route
	pipe    *pipeline.Pipeline
	risk    *risk.State
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	crashes int
}

// Supervisor runs and supervises one Pipeline per enabled route.
type Supervisor struct {
	factory Factory
	log     *log.Logger

	mu     sync.Mutex
	routes map[string]*managedRoute

	wg sync.WaitGroup
}

// New constructs a Supervisor. factory must be non-nil.
func New(factory Factory, logger *log.Logger) *Supervisor {
	if factory == nil {
		panic("supervisor: nil factory")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{factory: factory, log: logger, routes: make(map[string]*managedRoute)}
}

// LoadInitial starts a pipeline for every enabled route in cfg concurrently,
// returning the first construction error encountered (§4.H "Load routes
// from config on start"). Routes that started successfully keep running
// even if a sibling route failed to build; the caller decides whether a
// partial start is acceptable.
func (s *Supervisor) LoadInitial(ctx context.Context, cfg *routeconfig.Config) error {
	var g errgroup.Group
	for _, route := range cfg.EnabledRoutes() {
		route := route
		g.Go(func() error {
			// startRoute is handed the caller's ctx, not the group's: a
			// sibling route's startup failure must not cancel the
			// long-running pipeline context of a route that already
			// started successfully.
			if err := s.startRoute(ctx, route); err != nil {
				return fmt.Errorf("starting route %q: %w", route.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) startRoute(ctx context.Context, route routeconfig.Route) error {
	pipe, riskState, err := s.factory(route)
	if err != nil {
		return err
	}

	routeCtx, cancel := context.WithCancel(ctx)
	mr := &managedRoute{route: route, pipe: pipe, risk: riskState, cancel: cancel, done: make(chan struct{}), started: time.Now()}

	s.mu.Lock()
	s.routes[route.ID] = mr
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runWithRestart(routeCtx, mr)
	return nil
}

// runWithRestart runs mr.pipe.Start, restarting on unexpected error with
// exponential back-off, until routeCtx is canceled (§4.H "isolate
// failures... restarts a crashed pipeline with exponential back-off").
func (s *Supervisor) runWithRestart(ctx context.Context, mr *managedRoute) {
	defer s.wg.Done()
	defer close(mr.done)

	backoff := initialRestartBackoff
	for {
		err := mr.pipe.Start(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		s.mu.Lock()
		mr.crashes++
		crashes := mr.crashes
		s.mu.Unlock()

		s.log.Printf("route %q: pipeline exited with error (crash #%d): %v; restarting in %v",
			mr.route.ID, crashes, err, backoff)

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)/4+1))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

// StopRoute stops a single route's pipeline and waits for it to exit.
func (s *Supervisor) StopRoute(routeID string) {
	s.mu.Lock()
	mr, ok := s.routes[routeID]
	if ok {
		delete(s.routes, routeID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	mr.pipe.Stop()
	mr.cancel()
	<-mr.done
}

// StopAll stops every supervised pipeline and waits for them to exit.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.routes))
	for id := range s.routes {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.StopRoute(id)
	}
}

// Reload diffs newCfg against the currently running routes: stops
// removed/disabled routes, starts added/enabled ones, and restarts routes
// whose source/destination/rule-set changed (§4.H).
func (s *Supervisor) Reload(ctx context.Context, newCfg *routeconfig.Config) error {
	enabled := make(map[string]routeconfig.Route, len(newCfg.Routes))
	for _, r := range newCfg.EnabledRoutes() {
		enabled[r.ID] = r
	}

	s.mu.Lock()
	var toStop []string
	for id, mr := range s.routes {
		newRoute, stillEnabled := enabled[id]
		if !stillEnabled || routeChanged(mr.route, newRoute) {
			toStop = append(toStop, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toStop {
		s.StopRoute(id)
	}

	s.mu.Lock()
	var toStart []routeconfig.Route
	for id, route := range enabled {
		if _, running := s.routes[id]; !running {
			toStart = append(toStart, route)
		}
	}
	s.mu.Unlock()

	for _, route := range toStart {
		if err := s.startRoute(ctx, route); err != nil {
			s.log.Printf("reload: failed to start route %q: %v", route.ID, err)
		}
	}
	return nil
}

func routeChanged(old, updated routeconfig.Route) bool {
	return old.Source != updated.Source || old.Destination != updated.Destination || old.RuleSet != updated.RuleSet
}

// DailyRollover invokes risk.DailyRollover on every supervised route
// (§4.H "Daily rollover tick").
func (s *Supervisor) DailyRollover(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mr := range s.routes {
		mr.risk.DailyRollover(now)
	}
}

// Statuses returns a snapshot of every supervised route's status, for the
// operator HTTP surface.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.routes))
	for _, mr := range s.routes {
		out = append(out, Status{
			RouteID: mr.route.ID,
			Name:    mr.route.Name,
			State:   mr.pipe.State(),
			Enabled: mr.route.Enabled,
			Started: mr.started,
			Crashes: mr.crashes,
		})
	}
	return out
}

// Wait blocks until every supervised pipeline goroutine has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
