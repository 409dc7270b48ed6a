package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixsec/helix/internal/application"
	appai "github.com/helixsec/helix/internal/application/ai"
	appsandbox "github.com/helixsec/helix/internal/application/sandbox"
	appscans "github.com/helixsec/helix/internal/application/scans"
	"github.com/helixsec/helix/internal/config"
	"github.com/helixsec/helix/internal/domain/analyst"
	sandboxdomain "github.com/helixsec/helix/internal/domain/sandbox"
	"github.com/helixsec/helix/internal/domain/scanerrors"
	domain "github.com/helixsec/helix/internal/domain/scans"
	openaicli "github.com/helixsec/helix/internal/infra/ai/openai"
	mysqlp "github.com/helixsec/helix/internal/infra/db/mysql"
	postgresp "github.com/helixsec/helix/internal/infra/db/postgres"
	"github.com/helixsec/helix/internal/infra/httpserver"
	"github.com/helixsec/helix/internal/infra/netguard"
	sandboxdocker "github.com/helixsec/helix/internal/infra/sandbox/docker"
	minioStore "github.com/helixsec/helix/internal/infra/storage"
	"github.com/helixsec/helix/internal/infra/workflow"
	"github.com/helixsec/helix/internal/middleware"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "helix").Logger()

	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}

	ctx := context.Background()

	// database (driver switch)
	var (
		db           *sql.DB
		scanRepo     domain.Repository
		projectRepo  domain.Projects
		errorRepo    scanerrors.Repository
		analysisRepo analyst.Repository
	)
	switch cfg.Database.Driver {
	case "postgres":
		db, err = postgresp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connect error")
		}
		scanRepo = postgresp.NewScanRepository(db)
		projectRepo = postgresp.NewProjectRepository(db)
		errorRepo = postgresp.NewScanErrorRepository(db)
		analysisRepo = postgresp.NewAnalystRepository(db)
	default:
		db, err = mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			logger.Fatal().Err(err).Msg("mysql connect error")
		}
		scanRepo = mysqlp.NewScanRepository(db)
		projectRepo = mysqlp.NewProjectRepository(db)
		errorRepo = mysqlp.NewScanErrorRepository(db)
		analysisRepo = mysqlp.NewAnalystRepository(db)
	}
	defer db.Close()

	store, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("minio init error")
	}

	metrics := middleware.NewMetrics()

	// network security gateway
	gatewayPolicy := netguard.Policy{
		RequireHTTPS:   cfg.Gateway.RequireHTTPS,
		AllowPrivate:   cfg.Gateway.AllowPrivate,
		AllowLocalhost: cfg.Gateway.AllowLocalhost,
		AllowedHosts:   cfg.Gateway.AllowedHosts,
		BlockedHosts:   cfg.Gateway.BlockedHosts,
		DevExceptions:  cfg.Gateway.DevExceptions,
	}
	validator := netguard.NewValidator()
	fetcher := netguard.NewFetcher(validator, logger, metrics.FetchRetries)

	engine := workflow.NewClient(cfg.Workflow.BaseURL, cfg.Workflow.Timeout.Std(), logger)

	platform, err := sandboxdocker.New(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("docker init error")
	}

	sandboxSvc := &appsandbox.Service{
		Platform: platform,
		Clock:    application.SystemClock{},
		Logger:   logger,
		Stats:    metrics,
		ValidateTarget: func(ctx context.Context, rawURL string) (string, error) {
			res := validator.ValidateURL(ctx, rawURL, gatewayPolicy)
			if !res.Valid {
				return "", fmt.Errorf("%s", res.Reason)
			}
			return res.Host, nil
		},
		Artifacts: store,
		ScanRepo:  scanRepo,
	}

	scansSvc := &appscans.Service{
		Repo:     scanRepo,
		Projects: projectRepo,
		Engine:   engine,
		Clock:    application.SystemClock{},
		Logger:   logger,
		Stats:    metrics,
		Limit:    cfg.Admission.MaxConcurrentScans,
	}

	reconciler := &appscans.Reconciler{
		Repo:     scanRepo,
		Engine:   engine,
		Clock:    application.SystemClock{},
		Logger:   logger,
		ErrorLog: errorRepo,
		Cleaner:  sandboxSvc,
	}

	if err := middleware.ValidateImageName(cfg.Sandbox.DefaultImage); err != nil {
		logger.Fatal().Err(err).Str("image", cfg.Sandbox.DefaultImage).
			Msg("invalid sandbox image in config")
	}
	// Every scan that reaches running gets its sandbox and its reconcile
	// loop here, whichever path started it.
	scansSvc.Provision = func(ctx context.Context, job *domain.ScanJob) error {
		_, err := sandboxSvc.Create(ctx, sandboxdomain.Spec{
			ScanID:    string(job.ID),
			TenantID:  job.TenantID,
			TargetURL: job.Target,
			Image:     cfg.Sandbox.DefaultImage,
			Plan:      cfg.Plan(job.TenantID),
		})
		return err
	}
	scansSvc.Tracker = reconciler.Track

	// Pick mid-flight scans back up after a restart.
	if err := reconciler.Resume(ctx); err != nil {
		logger.Error().Err(err).Msg("resuming running scans failed")
	}

	aiSvc := &appai.Service{
		Client:   openaicli.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model),
		Analyses: analysisRepo,
		Scans:    scanRepo,
		Errors:   errorRepo,
		Clock:    application.SystemClock{},
		Logger:   logger,
		// Artifacts usually live in our bucket; external artifact URLs go
		// through the gateway fetcher.
		FetchArtifact: func(ctx context.Context, url string) ([]byte, error) {
			if data, err := store.Fetch(ctx, url); err == nil {
				return data, nil
			}
			res, err := fetcher.Fetch(ctx, url, netguard.FetchOptions{Policy: gatewayPolicy})
			if err != nil {
				return nil, err
			}
			return res.Body, nil
		},
	}

	drainCtx, stopDrain := context.WithCancel(ctx)
	go scansSvc.RunQueueDrainer(drainCtx, cfg.Admission.DrainInterval.Std())

	// Watch platform events so cached sandbox phases stay current even when
	// a container exits on its own.
	events, stopWatch, err := sandboxSvc.WatchEvents(drainCtx, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("sandbox event watch error")
	}
	defer stopWatch()
	go func() {
		for ev := range events {
			logger.Debug().
				Str("sandbox", ev.Handle).
				Str("phase", string(ev.Phase)).
				Msg("sandbox phase change")
		}
	}()

	handler := httpserver.NewRouter(scansSvc, reconciler, sandboxSvc, aiSvc, errorRepo, logger, httpserver.Options{
		APIKeys:      cfg.Auth.APIKeys,
		RateCapacity: cfg.RateLimit.Capacity,
		RateRefill:   cfg.RateLimit.RefillRate,
		Metrics:      metrics,
		HealthCheckers: map[string]middleware.HealthChecker{
			"database": &middleware.DatabaseHealthChecker{DB: db},
			"workflow": middleware.FuncChecker(func(ctx context.Context) error {
				if !engine.Healthy(ctx) {
					return fmt.Errorf("workflow engine unreachable")
				}
				return nil
			}),
		},
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // progress streams stay open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")

	stopDrain()
	reconciler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
