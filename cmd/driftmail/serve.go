package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
	"github.com/driftmail-io/driftmail/internal/api"
	"github.com/driftmail-io/driftmail/internal/imapworker"
	"github.com/driftmail-io/driftmail/internal/kv"
	"github.com/driftmail-io/driftmail/internal/metrics"
	"github.com/driftmail-io/driftmail/internal/outbox"
	"github.com/driftmail-io/driftmail/internal/queue"
	"github.com/driftmail-io/driftmail/internal/secrets"
	"github.com/driftmail-io/driftmail/internal/settings"
	"github.com/driftmail-io/driftmail/internal/smtpserver"
	"github.com/driftmail-io/driftmail/internal/submitworker"
	"github.com/driftmail-io/driftmail/internal/supervisor"
	"github.com/driftmail-io/driftmail/internal/tokens"
	"github.com/driftmail-io/driftmail/internal/websocket"
)

const defaultQueueKeep = 100

// run is the serve entrypoint: it wires every component together and blocks
// until SIGINT or SIGTERM.
func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting driftmail",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("redis_addr", cfg.redisAddr),
		zap.Int("imap_workers", cfg.imapWorkers),
	)
	if cfg.secretKey == "" {
		logger.Warn("no secret key configured, credentials are stored in plaintext")
	}

	ctx, cancel := signalContext(ctx)
	defer cancel()

	store, err := kv.New(ctx, kv.Options{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
		Prefix:   cfg.redisPrefix,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	box := secrets.NewBox(cfg.secretKey)
	registry := accounts.New(store, box, logger)
	logs := accounts.NewLogRing(store, 10000)
	settingsStore := settings.New(store)
	blobs := outbox.NewStore(store)
	m := metrics.New()
	stats := metrics.NewDailyStats(store, 30*24*time.Hour)
	hub := websocket.NewHub()
	tokenSvc := tokens.NewService(store)

	// The service secret must exist before the first webhook delivery.
	if _, err := settingsStore.ServiceSecret(ctx); err != nil {
		return fmt.Errorf("failed to initialize service secret: %w", err)
	}

	keep, err := settingsStore.QueueKeep(ctx, defaultQueueKeep)
	if err != nil {
		return err
	}

	// The failure handler needs the engine and the engine needs the
	// handler; the indirection resolves the cycle.
	var onFailed queue.FailedHandler
	engine := queue.New(queue.Config{
		Store:  store,
		Keep:   keep,
		Logger: logger,
		OnFailed: func(job *queue.Job) {
			if onFailed != nil {
				onFailed(job)
			}
		},
	})
	onFailed = submitworker.FailureHandler(blobs, engine, logger)

	apps := map[string]imapworker.OAuth2App{}
	if cfg.gmailClientID != "" {
		apps["gmail"] = imapworker.OAuth2App{ClientID: cfg.gmailClientID, ClientSecret: cfg.gmailClientSecret}
	}
	if cfg.outlookClientID != "" {
		apps["outlook"] = imapworker.OAuth2App{ClientID: cfg.outlookClientID, ClientSecret: cfg.outlookClientSecret}
	}
	dialer := imapworker.NewNetDialer(registry, apps, logger)

	smtpMgr := &smtpManager{
		addr:     cfg.smtpAddr,
		registry: registry,
		blobs:    blobs,
		engine:   engine,
		settings: settingsStore,
		logger:   logger,
	}

	sup := supervisor.New(supervisor.Config{
		Store:         store,
		Registry:      registry,
		Logs:          logs,
		Settings:      settingsStore,
		Engine:        engine,
		Blobs:         blobs,
		Metrics:       m,
		Stats:         stats,
		Hub:           hub,
		Dial:          dialer.Dial,
		Logger:        logger,
		IMAPWorkers:   cfg.imapWorkers,
		SubmitWorkers: cfg.submitWorkers,
		NotifyWorkers: cfg.notifyWorkers,
		UserAgent:     "driftmail/" + version,
		OnSMTPReload:  smtpMgr.reload,
	})

	router := api.NewRouter(api.RouterConfig{
		Registry: registry,
		Logs:     logs,
		Settings: settingsStore,
		Engine:   engine,
		Tokens:   tokenSvc,
		Caller:   sup,
		Metrics:  m,
		Stats:    stats,
		Hub:      hub,
		Logger:   logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			cancel()
		}
	}()

	smtpMgr.reload(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	smtpMgr.stop()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// smtpManager starts and stops the reception server as the smtpServerEnabled
// setting changes. reload is called at startup and on smtpReload messages.
type smtpManager struct {
	addr     string
	registry *accounts.Registry
	blobs    *outbox.Store
	engine   *queue.Engine
	settings *settings.Store
	logger   *zap.Logger

	mu  sync.Mutex
	srv *smtpserver.Server
}

func (m *smtpManager) reload(ctx context.Context) {
	enabled, err := m.settings.GetBool(ctx, settings.KeySMTPEnabled, false)
	if err != nil {
		m.logger.Warn("failed to read smtp server setting", zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !enabled {
		if m.srv != nil {
			m.logger.Info("stopping smtp reception server")
			_ = m.srv.Close()
			m.srv = nil
		}
		return
	}
	if m.srv != nil {
		return
	}

	srv := smtpserver.New(smtpserver.Config{
		Addr:     m.addr,
		Domain:   "driftmail",
		Registry: m.registry,
		Blobs:    m.blobs,
		Engine:   m.engine,
		Logger:   m.logger,
	})
	m.srv = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			m.logger.Warn("smtp reception server stopped", zap.Error(err))
		}
	}()
}

func (m *smtpManager) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srv != nil {
		_ = m.srv.Close()
		m.srv = nil
	}
}
