// Command server is the control-plane binary. It loads a YAML configuration
// file, opens the PostgreSQL store and the SQLite-backed command queue,
// terminates agent and dashboard WebSocket connections, exposes a REST API,
// and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/audit"
	"github.com/tdoan35/onsembl-sub008/internal/auth"
	"github.com/tdoan35/onsembl-sub008/internal/broadcast"
	"github.com/tdoan35/onsembl-sub008/internal/config"
	"github.com/tdoan35/onsembl-sub008/internal/dispatch"
	"github.com/tdoan35/onsembl-sub008/internal/hub"
	"github.com/tdoan35/onsembl-sub008/internal/liveness"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
	"github.com/tdoan35/onsembl-sub008/internal/queue"
	"github.com/tdoan35/onsembl-sub008/internal/registry"
	"github.com/tdoan35/onsembl-sub008/internal/server/rest"
	"github.com/tdoan35/onsembl-sub008/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "server.yaml", "Path to YAML configuration file")
		listenAddr = flag.String("listen-addr", "", "Override listen_addr from the config file")
		logLevel   = flag.String("log-level", "", "Override log_level: debug | info | warn | error")
	)
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	clock := clockwork.NewRealClock()

	logger.Info("control plane starting", slog.String("listen_addr", cfg.ListenAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Durable store (PostgreSQL) ────────────────────────────────────────────
	var st *store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.New(ctx, cfg.DatabaseURL, 0, 0)
		if err != nil {
			logger.Error("failed to open store", slog.Any("error", err))
			os.Exit(1)
		}
		defer st.Close(context.Background())
		logger.Info("PostgreSQL store connected")
	} else {
		logger.Warn("no database_url configured; persistence disabled (dev mode)")
	}

	// ── Command queue (SQLite) ────────────────────────────────────────────────
	q, err := queue.Open(cfg.QueuePath, cfg.Limits.MaxQueueDepth)
	if err != nil {
		logger.Error("failed to open command queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer q.Close()

	// ── Audit sink (+ optional tamper-evident chain file) ─────────────────────
	var chain *audit.Chain
	if cfg.AuditChainPath != "" {
		chain, err = audit.OpenChain(cfg.AuditChainPath)
		if err != nil {
			logger.Error("failed to open audit chain", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("audit chain open", slog.String("path", cfg.AuditChainPath))
	}
	var auditStore audit.Store
	if st != nil {
		auditStore = st
	}
	sink := audit.NewSink(audit.SinkConfig{}, auditStore, chain, clock, logger)

	// Security events from the auth layer become audit records.
	onSecurityEvent := func(ev auth.SecurityEvent) {
		sink.Record("security."+ev.Kind, ev.Subject, ev.Detail)
	}

	// ── Auth stack ────────────────────────────────────────────────────────────
	blacklist := auth.NewBlacklist(clock)
	verifier := auth.NewVerifier([]byte(cfg.AuthSecret), blacklist, onSecurityEvent)
	sessions := auth.NewSessionManager(cfg.Limits.MaxSessionsPerUser, blacklist, clock, onSecurityEvent)
	limiter := auth.NewRateLimiter(auth.RateLimiterConfig{
		Limit:         cfg.RateLimit.Limit,
		Window:        cfg.RateLimit.Window.Std(),
		BlockDuration: cfg.RateLimit.BlockDuration.Std(),
	}, clock, onSecurityEvent)
	authz := auth.NewAuthorizer(onSecurityEvent)

	// ── Registry, broadcaster, dispatcher ─────────────────────────────────────
	reg := registry.New(logger, cfg.Limits.MaxConnections)
	compressor, err := protocol.NewCompressor(protocol.AlgoGzip, 0)
	if err != nil {
		logger.Error("failed to init compressor", slog.Any("error", err))
		os.Exit(1)
	}
	bcast := broadcast.New(reg, compressor, logger)

	var cmdStore dispatch.CommandStore
	if st != nil {
		cmdStore = st
	}
	disp := dispatch.New(dispatch.Config{}, q, reg, bcast, cmdStore, sink, clock, logger)

	// ── Liveness monitor ──────────────────────────────────────────────────────
	var agentStore liveness.AgentStore
	if st != nil {
		agentStore = st
	}
	monitor := liveness.New(liveness.Config{
		Interval: cfg.Heartbeat.SweepInterval.Std(),
		Timeout:  cfg.Heartbeat.StaleTimeout.Std(),
	}, reg, agentStore, disp, bcast, clock, logger)

	// ── WebSocket hub ─────────────────────────────────────────────────────────
	var hubStore hub.Store
	if st != nil {
		hubStore = st
	}
	h := hub.New(hub.Config{
		TokenTTL:     cfg.Token.TTL.Std(),
		RotateWithin: cfg.Token.RotateWithin.Std(),
	}, verifier, blacklist, sessions, limiter, authz, reg, bcast, disp, hubStore,
		monitor, clock, logger)

	// ── REST API ──────────────────────────────────────────────────────────────
	metrics := rest.NewMetrics()
	metrics.ConnectedAgents = func() int { return reg.Stats().Agents }
	metrics.ConnectedDashboards = func() int { return reg.Stats().Dashboards }
	metrics.QueueDepth = q.Depth

	var restStore rest.Store
	if st != nil {
		restStore = st
	}
	restSrv := rest.NewServer(verifier, authz, reg, disp, q, restStore, metrics, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/dashboard", h.HandleDashboard)
	mux.HandleFunc("/ws/agent", h.HandleAgent)
	mux.Handle("/", rest.NewRouter(restSrv, logger))

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── Background loops ──────────────────────────────────────────────────────
	var wg sync.WaitGroup
	runLoop := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	runLoop(disp.Run)
	runLoop(monitor.Run)
	runLoop(sink.Run)
	runLoop(func(ctx context.Context) { h.Run(ctx, cfg.Heartbeat.Interval.Std()) })

	// Expired blacklist entries, rate-limit windows, and sessions are
	// reclaimed on a fixed cadence.
	runLoop(func(ctx context.Context) {
		auth.RunCompaction(ctx, clock, logger, time.Minute, blacklist, limiter, sessions)
	})

	// Agent rows changed by other writers (operator tooling, another
	// replica) are fanned out to dashboards via LISTEN/NOTIFY.
	if st != nil {
		runLoop(func(ctx context.Context) {
			err := st.WatchAgents(ctx, logger, func(ch store.AgentChange) {
				env, err := protocol.NewEnvelope(protocol.TypeAgentStatus, protocol.AgentStatusPayload{
					AgentID: ch.AgentID,
					Status:  ch.Status,
				})
				if err != nil {
					return
				}
				bcast.Publish(broadcast.Event{
					Type:     protocol.TypeAgentStatus,
					AgentID:  ch.AgentID,
					Envelope: env,
				})
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("agent change listener stopped", slog.Any("error", err))
			}
		})
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down")
	reg.CloseAll(1001, "server shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("background loops did not drain in time")
	}

	if st != nil {
		if err := st.Flush(context.Background()); err != nil {
			logger.Warn("final store flush failed", slog.Any("error", err))
		}
	}

	logger.Info("control plane exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
