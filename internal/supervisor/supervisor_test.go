package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coretrace/copyengine/internal/alertlog"
	"github.com/coretrace/copyengine/internal/gateway"
	"github.com/coretrace/copyengine/internal/mapping"
	"github.com/coretrace/copyengine/internal/pipeline"
	"github.com/coretrace/copyengine/internal/risk"
	"github.com/coretrace/copyengine/internal/routeconfig"
	"github.com/stretchr/testify/require"
)

func testFactory(t *testing.T) Factory {
	return func(route routeconfig.Route) (*pipeline.Pipeline, *risk.State, error) {
		gw := gateway.NewFakeGateway()
		gw.SeedAccount(route.Source, gateway.AccountInfo{Balance: 10000})
		gw.SeedAccount(route.Destination, gateway.AccountInfo{Balance: 10000})
		store, err := mapping.NewFileStore(filepath.Join(t.TempDir(), route.ID+".log"))
		if err != nil {
			return nil, nil, err
		}
		alerts, err := alertlog.Open(filepath.Join(t.TempDir(), route.ID+"-alerts.log"))
		if err != nil {
			return nil, nil, err
		}
		riskState := risk.New(risk.Config{}, 10000)
		pipe := pipeline.New(pipeline.Config{
			RouteID: route.ID, RouteName: route.Name,
			SourceAccountID: route.Source, DestAccountID: route.Destination,
		}, gw, store, riskState, alerts, nil)
		return pipe, riskState, nil
	}
}

func baseRouteConfig() *routeconfig.Config {
	return &routeconfig.Config{
		Accounts: map[string]routeconfig.AccountRef{"a": {}, "b": {}},
		RuleSets: map[string]routeconfig.RuleSet{"rs": {}},
		Routes: []routeconfig.Route{
			{ID: "r1", Name: "Route 1", Source: "a", Destination: "b", RuleSet: "rs", Enabled: true},
		},
	}
}

func TestLoadInitial_StartsEnabledRoutes(t *testing.T) {
	s := New(testFactory(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.LoadInitial(ctx, baseRouteConfig()))
	time.Sleep(50 * time.Millisecond)

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	require.Equal(t, "r1", statuses[0].RouteID)

	s.StopAll()
}

func TestReload_StopsDisabledRouteAndStartsNewOne(t *testing.T) {
	s := New(testFactory(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := baseRouteConfig()
	require.NoError(t, s.LoadInitial(ctx, cfg))
	time.Sleep(20 * time.Millisecond)

	newCfg := &routeconfig.Config{
		Accounts: map[string]routeconfig.AccountRef{"a": {}, "b": {}, "c": {}},
		RuleSets: map[string]routeconfig.RuleSet{"rs": {}},
		Routes: []routeconfig.Route{
			{ID: "r1", Source: "a", Destination: "b", RuleSet: "rs", Enabled: false},
			{ID: "r2", Source: "a", Destination: "c", RuleSet: "rs", Enabled: true},
		},
	}
	require.NoError(t, s.Reload(ctx, newCfg))
	time.Sleep(20 * time.Millisecond)

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	require.Equal(t, "r2", statuses[0].RouteID)

	s.StopAll()
}

func TestDailyRollover_InvokesEveryRoute(t *testing.T) {
	s := New(testFactory(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.LoadInitial(ctx, baseRouteConfig()))
	time.Sleep(20 * time.Millisecond)

	require.NotPanics(t, func() { s.DailyRollover(time.Now()) })
	s.StopAll()
}
