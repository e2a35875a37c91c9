package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dialer-platform/internal/agents"
	"dialer-platform/internal/audit"
	"dialer-platform/internal/auth"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/campaigns"
	"dialer-platform/internal/compliance"
	"dialer-platform/internal/config"
	"dialer-platform/internal/dialer"
	"dialer-platform/internal/httpapi"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/retry"
	"dialer-platform/internal/telephony"
	"dialer-platform/pkg/logger"
	"dialer-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Repositories and services, bottom-up. The DeferredNotifier breaks the
	// state machine <-> pacer construction cycle.
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	rules := compliance.Rules{
		CallingWindowStart: cfg.Compliance.CallingWindowStart,
		CallingWindowEnd:   cfg.Compliance.CallingWindowEnd,
		FrequencyCapWindow: cfg.Compliance.FrequencyCapWindow,
		FrequencyCapMax:    cfg.Compliance.FrequencyCapMax,
		RequireConsent:     true,
		Version:            "v1",
	}
	gate := compliance.NewGate(rules, compliance.NewPostgresRepo(db), auditSvc)
	profiles := compliance.NewPostgresProfiles(db)

	campRepo := campaigns.NewPostgresRepo(db)
	campaignSvc := campaigns.NewService(campRepo, auditSvc)
	agentSvc := agents.NewService(agents.NewPostgresRepo(db))

	releaser := &dialer.SlotReleaser{Campaigns: campaignSvc, Redis: rdb, Log: log}
	notifier := dialer.NewDeferredNotifier()
	stateMachine := calls.NewStateMachine(calls.NewPostgresRepo(db), auditSvc, releaser, notifier, agentSvc)

	retryCoord := retry.NewCoordinator(retry.NewPostgresRepo(db), auditSvc, cfg.Retry, log)
	reportSvc := reporting.NewService(reporting.NewPostgresRepo(db))

	carrier := telephony.NewHTTPClient(cfg.Carrier)
	ingestor := telephony.NewIngestor(
		cfg.Carrier.WebhookSecret,
		telephony.NewPostgresLedger(db),
		stateMachine,
		retryCoord,
		rdb,
		0,
		log,
	)

	pacer := dialer.NewPacer(cfg.Dialer, dialer.PacerDeps{
		Campaigns: campaignSvc,
		CampRepo:  campRepo,
		Gate:      gate,
		Profiles:  profiles,
		Agents:    agentSvc,
		Calls:     stateMachine,
		Carrier:   carrier,
		Retries:   retryCoord,
		Audit:     auditSvc,
		Redis:     rdb,
		Rules:     rules,
		Log:       log,
	})
	notifier.Bind(pacer)

	// Deferred work handlers: webhook replays re-run the recorded event;
	// origination retries re-tick the campaign so the budget and compliance
	// checks are re-evaluated at dial time, not at schedule time.
	retryCoord.Register(retry.KindWebhookDispatch, func(ctx context.Context, t retry.Task) error {
		_, err := ingestor.ProcessRecorded(ctx, []byte(t.Payload))
		return err
	})
	retryCoord.Register(retry.KindCallOrigination, func(ctx context.Context, t retry.Task) error {
		var p retry.OriginationPayload
		if err := json.Unmarshal([]byte(t.Payload), &p); err != nil {
			return fmt.Errorf("decode origination payload: %w", err)
		}
		_, err := pacer.Tick(ctx, p.WorkspaceID, p.CampaignID)
		return err
	})
	go retryCoord.Run(rootCtx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	handlers := httpapi.Handlers{
		Auth:               authManager,
		Campaigns:          campaignSvc,
		Agents:             agentSvc,
		Calls:              stateMachine,
		Gate:               gate,
		Profiles:           profiles,
		Audit:              auditSvc,
		Retries:            retryCoord,
		Pacer:              pacer,
		Reports:            reportSvc,
		Carrier:            carrier,
		StaleCallThreshold: cfg.Dialer.StaleCallThreshold,
	}
	registerRoutes(r, auth.RequireAccessToken(authManager), handlers, ingestor)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
