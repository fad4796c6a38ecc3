// Package main is the entrypoint for the copy-trading engine: it loads
// route configuration, wires the gateway/mapping/risk/pipeline stack per
// route, starts the supervisor and operator HTTP surface, and runs until a
// shutdown signal arrives. Grounded on the teacher's cmd/bot main.go —
// config load, signal-driven graceful shutdown, dashboard goroutine — but
// generalized to the supervisor's multi-pipeline lifecycle.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/coretrace/copyengine/internal/alertlog"
	"github.com/coretrace/copyengine/internal/gateway"
	"github.com/coretrace/copyengine/internal/mapping"
	"github.com/coretrace/copyengine/internal/operator"
	"github.com/coretrace/copyengine/internal/pipeline"
	"github.com/coretrace/copyengine/internal/reconcile"
	"github.com/coretrace/copyengine/internal/retrybroker"
	"github.com/coretrace/copyengine/internal/risk"
	"github.com/coretrace/copyengine/internal/routeconfig"
	"github.com/coretrace/copyengine/internal/supervisor"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

// generateCorrelationID creates a short id for startup log lines, the same
// crypto/rand-with-fallback shape as the teacher's helper of the same name.
func generateCorrelationID(logger *log.Logger) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		fallback := fmt.Sprintf("%x%x", time.Now().UnixNano(), os.Getpid())
		logger.Printf("warning: crypto/rand.Read failed (%v), using fallback id", err)
		return fallback[:8]
	}
	return hex.EncodeToString(b)
}

func run() int {
	var (
		configPath    string
		overridesPath string
		paperMode     bool
		httpPort      int
		authToken     string
		mapStorePath  string
		alertLogPath  string
	)
	flag.StringVar(&configPath, "config", "config.json", "path to the route configuration document")
	flag.StringVar(&overridesPath, "routes-override", "routes.local.yaml", "optional local route-enable override file")
	flag.BoolVar(&paperMode, "paper", true, "run against the in-memory fake gateway instead of a live broker")
	flag.IntVar(&httpPort, "port", 8090, "operator HTTP surface port")
	flag.StringVar(&authToken, "auth-token", os.Getenv("COPYENGINE_AUTH_TOKEN"), "operator HTTP bearer token")
	flag.StringVar(&mapStorePath, "map-store", "data/mappings.log", "mapping store append-log path")
	flag.StringVar(&alertLogPath, "alert-log", "data/alerts.log", "alert log append-log path")
	flag.Parse()

	logger := log.New(os.Stdout, "[copyengine] ", log.LstdFlags|log.Lshortfile)
	corrID := generateCorrelationID(logger)
	logger.Printf("starting copy-trading engine (run=%s, paper=%v)", corrID, paperMode)

	cfg, err := routeconfig.Load(configPath)
	if err != nil {
		logger.Printf("failed to load config: %v", err)
		return 1
	}
	overrides, err := routeconfig.LoadLocalOverrides(overridesPath)
	if err != nil {
		logger.Printf("failed to load local route overrides: %v", err)
		return 1
	}
	overrides.Apply(cfg)

	dashLogger := logrus.New()
	dashLogger.SetOutput(os.Stdout)
	dashLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store, err := mapping.NewFileStore(mapStorePath)
	if err != nil {
		logger.Printf("failed to open mapping store: %v", err)
		return 1
	}
	defer store.Close()

	alerts, err := alertlog.Open(alertLogPath)
	if err != nil {
		logger.Printf("failed to open alert log: %v", err)
		return 1
	}
	defer alerts.Close()

	var gw gateway.Gateway = buildGateway(paperMode, cfg, alerts, logger)
	gw = retrybroker.NewClient(gw, logger)

	recon := reconcile.New(gw, store, alerts, logger)

	sup := supervisor.New(pipelineFactory(gw, store, cfg, alerts, logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.LoadInitial(ctx, cfg); err != nil {
		logger.Printf("failed to start initial routes: %v", err)
		return 1
	}

	opServer := operator.NewServer(operator.Config{Port: httpPort, AuthToken: authToken}, gw, store, cfg, sup, recon, dashLogger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := opServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("operator server error: %v", err)
		}
	}()

	reconcileTicker := time.NewTicker(reconcile.DefaultInterval)
	defer reconcileTicker.Stop()
	rolloverTicker := time.NewTicker(time.Hour)
	defer rolloverTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reconcileTicker.C:
				scanAllRoutes(ctx, recon, cfg, logger)
			case now := <-rolloverTicker.C:
				if cfg.RolloverBoundary(now).Hour() == now.UTC().Hour() {
					sup.DailyRollover(now)
				}
			}
		}
	}()

	<-sigChan
	logger.Println("shutdown signal received, stopping engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("error shutting down operator server: %v", err)
	}

	sup.StopAll()
	logger.Println("engine stopped")
	return 0
}

func scanAllRoutes(ctx context.Context, recon *reconcile.Reconciler, cfg *routeconfig.Config, logger *log.Logger) {
	for _, route := range cfg.EnabledRoutes() {
		if _, err := recon.Scan(ctx, time.Now(), reconcile.RouteSpec{
			RouteID: route.ID, RouteName: route.Name,
			SourceAccountID: route.Source, DestAccountID: route.Destination,
			AutoCloseOrphan: route.AutoCloseOrphan,
		}); err != nil {
			logger.Printf("reconcile scan failed for route %q: %v", route.ID, err)
		}
	}
}

// buildGateway constructs the base gateway and wraps it in the
// connection-issue Monitor; the caller adds the retry layer. In paper mode, an in-memory FakeGateway stands in for a live broker
// connection; a real implementation plugs in here behind the same
// gateway.Gateway interface.
func buildGateway(paperMode bool, cfg *routeconfig.Config, alerts *alertlog.Log, logger *log.Logger) gateway.Gateway {
	var base gateway.Gateway
	if paperMode {
		fake := gateway.NewFakeGateway()
		for id, acct := range cfg.Accounts {
			fake.SeedAccount(id, gateway.AccountInfo{Balance: acct.ReferenceBalance, Equity: acct.ReferenceBalance})
		}
		base = fake
	} else {
		logger.Fatal("no live broker adapter configured; run with -paper until one is wired")
	}

	return gateway.NewMonitor(base, func(accountID string, consecutiveFailures uint32) {
		msg := fmt.Sprintf("connection issue on account %s: %d consecutive failures", accountID, consecutiveFailures)
		if _, err := alerts.Fire(time.Now(), alertlog.CategoryConnectionIssue, "", accountID, msg); err != nil {
			logger.Printf("failed to record connection alert: %v", err)
		}
	})
}

// pipelineFactory builds the supervisor.Factory that constructs a fresh
// Pipeline and risk.State for a route, wiring its rule set from the config
// document.
func pipelineFactory(gw gateway.Gateway, store mapping.Store, cfg *routeconfig.Config, alerts *alertlog.Log, logger *log.Logger) supervisor.Factory {
	return func(route routeconfig.Route) (*pipeline.Pipeline, *risk.State, error) {
		ruleSet, ok := cfg.RuleSets[route.RuleSet]
		if !ok {
			return nil, nil, fmt.Errorf("route %q: unknown rule set %q", route.ID, route.RuleSet)
		}
		srcAcct, ok := cfg.Accounts[route.Source]
		if !ok {
			return nil, nil, fmt.Errorf("route %q: unknown source account %q", route.ID, route.Source)
		}
		dstAcct, ok := cfg.Accounts[route.Destination]
		if !ok {
			return nil, nil, fmt.Errorf("route %q: unknown destination account %q", route.ID, route.Destination)
		}

		sizingCfg := ruleSet.Sizing
		if sizingCfg.ReferenceBalance == 0 {
			sizingCfg.ReferenceBalance = srcAcct.ReferenceBalance
		}

		riskState := risk.New(ruleSet.Risk, dstAcct.ReferenceBalance)

		pipe := pipeline.New(pipeline.Config{
			RouteID:         route.ID,
			RouteName:       route.Name,
			SourceAccountID: route.Source,
			DestAccountID:   route.Destination,
			SourceRegion:    srcAcct.Region,
			DestRegion:      dstAcct.Region,
			Filters:         ruleSet.Filters,
			Sizing:          sizingCfg,
			Buffer:          ruleSet.Buffer,
		}, gw, store, riskState, alerts, logger)

		return pipe, riskState, nil
	}
}
