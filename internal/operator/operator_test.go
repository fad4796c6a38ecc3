package operator

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coretrace/copyengine/internal/alertlog"
	"github.com/coretrace/copyengine/internal/gateway"
	"github.com/coretrace/copyengine/internal/mapping"
	"github.com/coretrace/copyengine/internal/pipeline"
	"github.com/coretrace/copyengine/internal/reconcile"
	"github.com/coretrace/copyengine/internal/risk"
	"github.com/coretrace/copyengine/internal/routeconfig"
	"github.com/coretrace/copyengine/internal/supervisor"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *gateway.FakeGateway, mapping.Store) {
	t.Helper()
	gw := gateway.NewFakeGateway()
	gw.SeedAccount("src", gateway.AccountInfo{Balance: 10000})
	gw.SeedAccount("dst", gateway.AccountInfo{Balance: 10000})

	store, err := mapping.NewFileStore(filepath.Join(t.TempDir(), "map.log"))
	require.NoError(t, err)

	alerts, err := alertlog.Open(filepath.Join(t.TempDir(), "alerts.log"))
	require.NoError(t, err)
	recon := reconcile.New(gw, store, alerts, nil)

	cfg := &routeconfig.Config{
		Routes: []routeconfig.Route{{ID: "r1", Name: "Route 1", Source: "src", Destination: "dst", Enabled: true}},
	}

	sup := supervisor.New(func(route routeconfig.Route) (*pipeline.Pipeline, *risk.State, error) {
		riskState := risk.New(risk.Config{}, 10000)
		pipe := pipeline.New(pipeline.Config{
			RouteID: route.ID, SourceAccountID: route.Source, DestAccountID: route.Destination,
		}, gw, store, riskState, alerts, nil)
		return pipe, riskState, nil
	}, nil)

	sv := NewServer(Config{Port: 0, AuthToken: "secret"}, gw, store, cfg, sup, recon, nil)
	return sv, gw, store
}

func TestHandleScanOrphans_ReturnsUnmappedDestPositions(t *testing.T) {
	sv, gw, _ := newTestServer(t)
	gw.SeedPosition("dst", gateway.Position{ID: "dst-1", Symbol: "EURUSD", Side: gateway.SideLong, Volume: 0.2})

	req := httptest.NewRequest("POST", "/orphans/scan", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec := httptest.NewRecorder()
	sv.router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "dst-1")
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	sv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	sv.router.ServeHTTP(rec, req)
	require.Equal(t, 401, rec.Code)
}

func TestHandleCloseOrphan_NotFoundWhenNoRouteOwnsPosition(t *testing.T) {
	sv, _, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/orphans/close", strings.NewReader(`{"positionId":"missing-pos"}`))
	req.Header.Set("X-Auth-Token", "secret")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	sv.router.ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}

func TestHandleCloseOrphan_ClosesAndClearsMapping(t *testing.T) {
	sv, gw, store := newTestServer(t)
	gw.SeedPosition("dst", gateway.Position{ID: "dst-1", Symbol: "EURUSD", Side: gateway.SideLong, Volume: 0.2})
	require.NoError(t, store.Put(mapping.Mapping{
		Source:  mapping.SourceKey{AccountID: "src", PositionID: "gone"},
		Dest:    mapping.DestKey{AccountID: "dst", PositionID: "dst-1"},
		RouteID: "r1", Status: mapping.StatusActive,
	}))

	req := httptest.NewRequest("POST", "/orphans/close", strings.NewReader(`{"positionId":"dst-1"}`))
	req.Header.Set("X-Auth-Token", "secret")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	sv.router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	positions, err := gw.GetPositions(context.Background(), "dst")
	require.NoError(t, err)
	require.Empty(t, positions)

	_, err = store.GetByDest(mapping.DestKey{AccountID: "dst", PositionID: "dst-1"})
	require.Error(t, err)
}

func TestHandleListOrphans_ReturnsUnmappedDestPositions(t *testing.T) {
	sv, gw, _ := newTestServer(t)
	gw.SeedPosition("dst", gateway.Position{ID: "dst-1", Symbol: "EURUSD", Side: gateway.SideLong, Volume: 0.2})

	req := httptest.NewRequest("GET", "/orphans/list", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec := httptest.NewRecorder()
	sv.router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "dst-1")
}

func TestHandleToggleRoute_EnablingIsRejected(t *testing.T) {
	sv, _, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/routes/r1/toggle", strings.NewReader(`{"enabled":true}`))
	req.Header.Set("X-Auth-Token", "secret")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	sv.router.ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)
}
