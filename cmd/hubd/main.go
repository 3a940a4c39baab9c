// Command hubd runs the interceptor hub: the Ingress Server, the Admin
// API, and the per-host maintenance scheduler, wired from environment
// configuration (spec.md §4, SPEC_FULL.md §3, DESIGN.md "cmd/hubd").
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/interceptorhub/internal/adminapi"
	"github.com/R3E-Network/interceptorhub/internal/adminapi/wshub"
	"github.com/R3E-Network/interceptorhub/internal/config"
	"github.com/R3E-Network/interceptorhub/internal/flowstore"
	"github.com/R3E-Network/interceptorhub/internal/ingress"
	"github.com/R3E-Network/interceptorhub/internal/interceptor"
	"github.com/R3E-Network/interceptorhub/internal/maintenance"
	"github.com/R3E-Network/interceptorhub/internal/metrics"
	"github.com/R3E-Network/interceptorhub/internal/mockengine"
	"github.com/R3E-Network/interceptorhub/internal/router"
	"github.com/R3E-Network/interceptorhub/internal/rulestore"
	"github.com/R3E-Network/interceptorhub/internal/rulestore/memstore"
	"github.com/R3E-Network/interceptorhub/internal/rulestore/sqlrepo"
	"github.com/R3E-Network/interceptorhub/pkg/logger"
)

func main() {
	_ = godotenv.Load() // best-effort: absent .env is not an error

	cfg := config.FromEnv()
	log := logger.New("hubd", logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	var repo rulestore.RuleRepository = memstore.New()
	if cfg.RuleStoreDSN != "" {
		r, err := sqlrepo.Open(cfg.RuleStoreDSN)
		if err != nil {
			log.WithField("error", err.Error()).Warn("hubd: rule store persistence unavailable, falling back to process-local storage")
		} else {
			defer r.Close()
			repo = r
		}
	}

	reg := router.New()
	hub := wshub.New(log)
	mtr := metrics.New(prometheus.DefaultRegisterer)
	scheduler := maintenance.New(log)

	factory := func(projectID, name string) (adminapi.ProjectStores, error) {
		fs := flowstore.New(flowstore.Config{
			MaxFlows: cfg.FlowStoreMaxFlows,
			MaxBytes: cfg.FlowStoreMaxBytes,
			MaxAge:   cfg.FlowStoreMaxAge,
		}, log)

		rs := rulestore.New(rulestore.Config{CacheSize: cfg.RuleCacheSize}, repo, log)
		if repo != nil {
			if err := rs.Load(context.Background()); err != nil {
				log.WithField("project_id", projectID).WithField("error", err.Error()).
					Warn("hubd: rule store load failed, starting empty")
			}
		}

		eng := mockengine.New(rs, log)
		ic := interceptor.New(projectID, fs, rs, eng, cfg.DebugTimeout, log)

		scheduler.RegisterFlowStoreSweep(projectID, "@every 30s", fs)
		scheduler.RegisterRuleCacheLog(projectID, "@every 5m", rs)

		return ic, nil
	}

	ingressServer := ingress.New(ingress.Config{
		Addr:        cfg.IngressAddr,
		WorkerCount: cfg.IngressWorkerCount,
		QueueSize:   cfg.IngressQueueSize,
		ReadTimeout: cfg.IngressReadTimeout,
	}, reg, log)

	adminServer := adminapi.New(adminapi.Config{Addr: cfg.AdminAddr}, reg, factory, hub, mtr, log)

	// The Ingress Server is not started here: spec.md §4.1 makes start()
	// the implicit side effect of the first project registration (wired
	// via ingressServer's ref-count subscription to reg, see
	// internal/ingress.New), and stop() the side effect of the last
	// unregistration. A host with no registered projects never binds the
	// ingress port at all.
	if err := adminServer.Start(); err != nil {
		log.WithField("error", err.Error()).Fatalf("hubd: admin api failed to start")
	}
	scheduler.Start()

	log.WithField("ingress_addr", cfg.IngressAddr).WithField("admin_addr", cfg.AdminAddr).
		Info("hubd: running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("hubd: shutting down")
	scheduler.Stop()
	adminServer.Stop()
	ingressServer.Stop()
	log.Info("hubd: stopped")
}
