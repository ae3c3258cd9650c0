package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"updatehub/pkg/bus"
	"updatehub/pkg/db"
	gos3 "updatehub/pkg/s3"
	"updatehub/pkg/telemetry"
	"updatehub/services/api"
	"updatehub/services/archive"
	"updatehub/services/audit"
	"updatehub/services/distribution"
	"updatehub/services/governance"
	"updatehub/services/pipeline"
	"updatehub/services/registry"
	"updatehub/services/signing"
	"updatehub/services/update"
	"updatehub/services/updhub/internal/config"
	"updatehub/services/validate"
	"updatehub/services/watchdog"
)

func main() {
	if err := run("updhub"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	signer, err := signing.NewSignerFromEnv()
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}
	logger.Printf("INFO signing as %s", signer.Identity())

	var (
		reg      api.Registry
		pipeReg  pipeline.Registry
		auditLog audit.Log
		auditRd  api.AuditReader
	)
	if cfg.Database.URL != "" {
		pool, err := db.Open(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		orm, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return fmt.Errorf("open orm: %w", err)
		}

		store, err := registry.NewStore(orm, pool)
		if err != nil {
			return fmt.Errorf("init registry store: %w", err)
		}
		auditStore, err := audit.NewStore(orm)
		if err != nil {
			return fmt.Errorf("init audit store: %w", err)
		}
		reg, pipeReg, auditLog, auditRd = store, store, auditStore, auditStore
	} else {
		logger.Printf("WARN UPD_DATABASE_URL is not set, using in-memory stores")
		mem := registry.NewMemory()
		auditMem := audit.NewMemory()
		reg, pipeReg, auditLog, auditRd = mem, mem, auditMem, auditMem
	}

	oracle, err := governance.NewRiskOracle(governance.Policy{
		AutoApproveMax: cfg.Governance.AutoApproveMax,
		DenyKinds:      cfg.Governance.DenyKinds,
		DenyPrincipals: cfg.Governance.DenyPrincipals,
	})
	if err != nil {
		return fmt.Errorf("init governance oracle: %w", err)
	}

	var sandbox validate.Sandbox
	if cfg.Validation.SandboxURL != "" {
		sandbox, err = validate.NewHTTPSandbox(cfg.Validation.SandboxURL)
		if err != nil {
			return fmt.Errorf("init sandbox: %w", err)
		}
	}

	deps := pipeline.Deps{
		Registry:   pipeReg,
		AuditLog:   auditLog,
		Oracle:     oracle,
		Signer:     signer,
		Validators: validate.NewPool(sandbox, cfg.Validation.Timeout),
		Logger:     logger,
	}

	// The watchdog bridge forwards anomalies to the orchestrator, which is
	// constructed after it; the closure binds late, before bridge.Start.
	var orch *pipeline.Orchestrator
	var bridge *watchdog.Bridge
	if cfg.Bus.URL != "" {
		natsBus, err := bus.New(cfg.Bus.URL)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer natsBus.Close()

		publisher, err := distribution.NewBusPublisher(natsBus)
		if err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
		deps.Publisher = publisher

		bridge, err = watchdog.NewBridge(natsBus, func(ctx context.Context, id uuid.UUID, evidence map[string]any) error {
			return orch.HandleAnomaly(ctx, id, evidence)
		})
		if err != nil {
			return fmt.Errorf("init watchdog bridge: %w", err)
		}
		deps.Watchdog = bridge
	} else {
		logger.Printf("WARN UPD_NATS_URL is not set, using in-memory distribution and watchdog")
		deps.Publisher = distribution.NewMemory()
		deps.Watchdog = watchdog.NewMemory()
	}

	orch, err = pipeline.New(deps, pipeline.Config{
		RetryBudget:          cfg.Pipeline.RetryBudget,
		RetryInitialInterval: cfg.Pipeline.RetryInitialInterval,
		ApprovalAbandonAfter: cfg.Pipeline.ApprovalAbandonAfter,
		ObservationWindow:    cfg.Pipeline.ObservationWindow,
		Registerer:           prometheus.DefaultRegisterer,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Close()

	if bridge != nil {
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start watchdog bridge: %w", err)
		}
		defer bridge.Close()
	}

	apiStore := &api.Store{
		Pipeline: orch,
		Registry: reg,
		Audit:    auditRd,
	}
	if cfg.Archive.Bucket != "" {
		s3c, err := gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("init object storage: %w", err)
		}
		apiStore.Presigner = s3c

		exporter, err := archive.NewExporter(s3c, signer, cfg.Archive.Bucket, logger)
		if err != nil {
			return fmt.Errorf("init archive exporter: %w", err)
		}
		startArchiver(ctx, reg, exporter, logger)
	}

	apiLayer, err := api.New(apiStore, api.Config{ArchiveBucket: cfg.Archive.Bucket})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	routes, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("init routes: %w", err)
	}

	var ready atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("INFO listening on :%d", cfg.HTTP.Port)
		ready.Store(true)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		// Cancel the run context so the deferred orchestrator close is not
		// left waiting on parked approval waits and observation timers.
		stop()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// startArchiver periodically exports bundles for updates that finished the
// pipeline. Export is idempotent per record, so rescans are cheap.
func startArchiver(ctx context.Context, reg api.Registry, exporter *archive.Exporter, logger *log.Logger) {
	go func() {
		exported := make(map[uuid.UUID]bool)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			records, err := reg.List(ctx,
				registry.Filter{Status: update.StatusWatched},
				registry.Page{Limit: 200})
			if err != nil {
				logger.Printf("WARN archive scan: %v", err)
				continue
			}
			for _, rec := range records {
				if exported[rec.ID] {
					continue
				}
				if err := exporter.Export(ctx, rec); err != nil {
					logger.Printf("WARN archive export: %v", err)
					continue
				}
				exported[rec.ID] = true
			}
		}
	}()
}
