// Command agent is the agent-side daemon. It loads a YAML configuration
// file, resolves its stable identity, reads the access token from the
// credential store, maintains a reconnecting WebSocket connection to the
// control plane, and executes dispatched commands through a local shell,
// streaming output back. It shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tdoan35/onsembl-sub008/internal/agentclient"
	"github.com/tdoan35/onsembl-sub008/internal/config"
	"github.com/tdoan35/onsembl-sub008/internal/credstore"
	"github.com/tdoan35/onsembl-sub008/internal/identity"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
)

// version is stamped at build time with -ldflags.
var version = "dev"

func main() {
	var (
		configPath = flag.String("config", "agent.yaml", "path to the agent YAML configuration file")
		setToken   = flag.String("set-token", "", "store an access token in the credential store and exit")
	)
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	stateDir := cfg.StateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Error("cannot resolve home directory", slog.Any("error", err))
			os.Exit(1)
		}
		stateDir = filepath.Join(home, ".onsembl")
	}

	// ── Credential store ──────────────────────────────────────────────────────
	fileStore, err := credstore.NewFileStore(filepath.Join(stateDir, "credentials"))
	if err != nil {
		logger.Error("failed to open credential store", slog.Any("error", err))
		os.Exit(1)
	}
	backend := credstore.NewComposite(credstore.NewKeychainStore("onsembl-agent"), fileStore)
	tokens := credstore.NewTokenSource(backend, "")

	if *setToken != "" {
		if err := tokens.Store(context.Background(), *setToken); err != nil {
			logger.Error("failed to store token", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("access token stored")
		return
	}

	// ── Identity ──────────────────────────────────────────────────────────────
	identityPath := cfg.IdentityPath
	if identityPath == "" {
		identityPath = filepath.Join(stateDir, "identity.json")
	}
	agent, err := identity.NewManager(identityPath, nil).Ensure(cfg.AgentID, cfg.AgentType, cfg.AgentName)
	if err != nil {
		logger.Error("failed to resolve agent identity", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("agent starting",
		slog.String("agent_id", agent.ID),
		slog.String("agent_type", agent.Type),
		slog.String("server_url", cfg.ServerURL),
		slog.String("version", version),
	)

	// ── Control-plane client ──────────────────────────────────────────────────
	breaker := agentclient.NewBreaker(agentclient.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Std(),
	}, nil)

	events := agentclient.Events{
		AttemptScheduled: func(attempt int, delay time.Duration) {
			logger.Info("reconnect scheduled",
				slog.Int("attempt", attempt), slog.Duration("delay", delay))
		},
		AttemptFailed: func(attempt int, err error) {
			logger.Warn("connection attempt failed",
				slog.Int("attempt", attempt), slog.Any("error", err))
		},
		ReconnectionSuccessful: func(attempt int) {
			logger.Info("connected to control plane", slog.Int("attempt", attempt))
		},
		MaxAttemptsReached: func(attempts int) {
			logger.Error("giving up after repeated connection failures",
				slog.Int("attempts", attempts))
		},
	}

	client := agentclient.NewClient(agentclient.ClientConfig{
		ServerURL:         cfg.ServerURL,
		AgentID:           agent.ID,
		AgentType:         agent.Type,
		Version:           version,
		Capabilities:      []string{"shell"},
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		Reconnect: agentclient.ReconnectConfig{
			BaseDelay:   cfg.Reconnect.BaseDelay.Std(),
			Multiplier:  cfg.Reconnect.Multiplier,
			MaxDelay:    cfg.Reconnect.MaxDelay.Std(),
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	}, tokens, &shellExecutor{}, events, breaker, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		logger.Error("failed to start client", slog.Any("error", err))
		os.Exit(1)
	}

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	client.Stop()
	logger.Info("agent exited cleanly")
}

// shellExecutor runs commands through the local shell, streaming each output
// line back as it is produced.
type shellExecutor struct{}

func (e *shellExecutor) Execute(ctx context.Context, req protocol.CommandRequestPayload,
	emit func(stream, content string)) protocol.CommandCompletePayload {

	args := append([]string{req.Command}, req.Args...)
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", append([]string{"/c"}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", shellJoin(args))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failure(req, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failure(req, err)
	}
	if err := cmd.Start(); err != nil {
		return failure(req, err)
	}

	var wg sync.WaitGroup
	stream := func(name string, r io.Reader) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			emit(name, sc.Text()+"\n")
		}
	}
	wg.Add(2)
	go stream("stdout", stdout)
	go stream("stderr", stderr)
	wg.Wait()
	err = cmd.Wait()

	result := protocol.CommandCompletePayload{CommandID: req.CommandID}
	switch {
	case ctx.Err() != nil:
		result.Status = "cancelled"
		result.Error = ctx.Err().Error()
	case err == nil:
		result.Status = "completed"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Status = "failed"
			result.ExitCode = exitErr.ExitCode()
			result.Error = err.Error()
		} else {
			return failure(req, err)
		}
	}
	return result
}

func failure(req protocol.CommandRequestPayload, err error) protocol.CommandCompletePayload {
	return protocol.CommandCompletePayload{
		CommandID: req.CommandID,
		Status:    "failed",
		ExitCode:  -1,
		Error:     err.Error(),
	}
}

// shellJoin quotes each argument for sh -c so spaces survive.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
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
