// Package reconcile implements the Orphan Reconciler (§4.G): a per-route
// periodic scan that classifies destination positions as healthy or
// orphaned and, depending on route configuration, alerts or auto-closes
// them. It is grounded on the teacher's cmd/bot Reconciler, generalized
// from a single broker/storage pair to the gateway.Gateway /
// mapping.Store abstractions and from polling-with-local-state to
// polling-against-the-mapping-store.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/coretrace/copyengine/internal/alertlog"
	"github.com/coretrace/copyengine/internal/gateway"
	"github.com/coretrace/copyengine/internal/mapping"
)

// Reason classifies why a destination position was flagged as an orphan.
type Reason string

const (
	ReasonSourceClosed Reason = "source-closed"
	ReasonNoMapping    Reason = "no-mapping"
)

// Orphan describes one orphaned destination position found during a scan.
type Orphan struct {
	RouteID     string
	DestAccount string
	Position    gateway.Position
	Reason      Reason
}

// RouteSpec is the minimal route shape the reconciler needs per scan.
type RouteSpec struct {
	RouteID         string
	RouteName       string
	SourceAccountID string
	DestAccountID   string
	AutoCloseOrphan bool
}

// DefaultInterval is the per-route scan period unless overridden (§4.G
// "default 30 min").
const DefaultInterval = 30 * time.Minute

// Reconciler scans routes for orphaned destination positions.
type Reconciler struct {
	gw     gateway.Gateway
	store  mapping.Store
	alerts *alertlog.Log
	logger *log.Logger
}

// New constructs a Reconciler. gw, store, and alerts must be non-nil.
func New(gw gateway.Gateway, store mapping.Store, alerts *alertlog.Log, logger *log.Logger) *Reconciler {
	if gw == nil || store == nil || alerts == nil {
		panic("reconcile: nil dependency")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{gw: gw, store: store, alerts: alerts, logger: logger}
}

// Scan performs one pass over a single route: fetch destination positions,
// classify each against the mapping store and source account, alert on
// new/persisting orphans, and optionally auto-close them (§4.G steps 1-5).
func (r *Reconciler) Scan(ctx context.Context, now time.Time, route RouteSpec) ([]Orphan, error) {
	destPositions, err := r.gw.GetPositions(ctx, route.DestAccountID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetching destination positions for route %q: %w", route.RouteID, err)
	}

	sourcePositions, err := r.gw.GetPositions(ctx, route.SourceAccountID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetching source positions for route %q: %w", route.RouteID, err)
	}
	sourceByID := make(map[string]bool, len(sourcePositions))
	for _, p := range sourcePositions {
		sourceByID[p.ID] = true
	}

	var orphans []Orphan
	for _, dp := range destPositions {
		dst := mapping.DestKey{AccountID: route.DestAccountID, PositionID: dp.ID}
		m, err := r.store.GetByDest(dst)

		switch {
		case err == nil && sourceByID[m.Source.PositionID]:
			continue // mapped & source-present: healthy
		case err == nil:
			orphans = append(orphans, Orphan{RouteID: route.RouteID, DestAccount: route.DestAccountID, Position: dp, Reason: ReasonSourceClosed})
		default:
			orphans = append(orphans, Orphan{RouteID: route.RouteID, DestAccount: route.DestAccountID, Position: dp, Reason: ReasonNoMapping})
		}
	}

	for _, o := range orphans {
		r.handleOrphan(ctx, now, route, o)
	}

	return orphans, nil
}

func (r *Reconciler) handleOrphan(ctx context.Context, now time.Time, route RouteSpec, o Orphan) {
	key := o.Position.ID
	msg := fmt.Sprintf(
		"orphan in route %q: symbol=%s position=%s volume=%.2f reason=%s open=%s",
		route.RouteName, o.Position.Symbol, o.Position.ID, o.Position.Volume, o.Reason,
		o.Position.OpenTime.Format(time.RFC3339),
	)

	fired, err := r.alerts.Fire(now, alertlog.CategoryOrphanDetected, route.RouteID, key, msg)
	if err != nil {
		r.logger.Printf("reconcile: failed to record orphan alert for %s: %v", key, err)
	}
	if fired {
		r.logger.Printf("ORPHAN: %s", msg)
	}

	if !route.AutoCloseOrphan {
		return
	}

	if _, err := r.gw.ClosePosition(ctx, route.DestAccountID, o.Position.ID); err != nil {
		r.logger.Printf("reconcile: auto-close failed for orphan %s on route %q: %v", o.Position.ID, route.RouteID, err)
		return
	}
	r.logger.Printf("reconcile: auto-closed orphan %s on route %q", o.Position.ID, route.RouteID)

	dst := mapping.DestKey{AccountID: route.DestAccountID, PositionID: o.Position.ID}
	if err := r.store.MarkOrphaned(dst); err != nil {
		r.logger.Printf("reconcile: failed to clear stale mapping for %s: %v", o.Position.ID, err)
	}
}
