package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/operonlabs/conductor/pkg/aistep"
	"github.com/operonlabs/conductor/pkg/api"
	"github.com/operonlabs/conductor/pkg/audit"
	"github.com/operonlabs/conductor/pkg/config"
	"github.com/operonlabs/conductor/pkg/execution"
	"github.com/operonlabs/conductor/pkg/llm"
	"github.com/operonlabs/conductor/pkg/observability"
	"github.com/operonlabs/conductor/pkg/reaper"
	"github.com/operonlabs/conductor/pkg/review"
	"github.com/operonlabs/conductor/pkg/store"
)

const reaperInterval = 5 * time.Minute

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer()
	}

	switch args[1] {
	case "server", "serve":
		return runServer()
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: conductor [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server    Start the coordinator server (default)")
	fmt.Fprintln(w, "  health    Probe a running coordinator")
	fmt.Fprintln(w, "  help      Show this message")
}

func runHealthCmd(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "unhealthy: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func runServer() int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	logger.Info("store ready", "path", cfg.DatabaseURL)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "conductor",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	activity := audit.NewStoreLogger(st)

	executions := execution.NewService(st, activity).Instrument(obs)

	dispatcher := review.NewDispatcher(cfg.EngineAPIKey, 10*time.Second)
	reviews := review.NewService(st, dispatcher, activity, cfg.EngineBaseURL, cfg.ReviewTimeout).Instrument(obs)

	var model llm.Client
	if cfg.OpenAIAPIKey != "" {
		model = llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	} else {
		logger.Warn("OPENAI_API_KEY not set, AI step execution will fail")
		model = llm.NewOpenAIClient("", cfg.OpenAIModel)
	}
	aiExecutor := aistep.NewExecutor(model, aistep.RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		InitialDelay:   cfg.InitialDelay,
		MaxDelay:       cfg.MaxDelay,
		JitterFraction: 0.3,
	}, activity).Instrument(obs)

	sweeper := reaper.New(st, activity)

	exporter := audit.NewExporter(st)
	if cfg.S3Bucket != "" {
		exporter, err = exporter.WithS3(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			log.Fatalf("Failed to init S3 export: %v", err)
		}
		logger.Info("activity export ready", "bucket", cfg.S3Bucket)
	}

	var rateStore api.RateStore
	if cfg.RedisAddr != "" {
		rateStore = api.NewRedisRateStore(cfg.RedisAddr, cfg.RateRPS, time.Second)
		logger.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	} else {
		rateStore = api.NewLocalRateStore(cfg.RateRPS, cfg.RateBurst)
	}

	var idemStore api.IdempotencyStore
	if cfg.PostgresURL != "" {
		idemStore, err = api.NewPostgresIdempotencyStore(cfg.PostgresURL, 24*time.Hour)
		if err != nil {
			log.Fatalf("Failed to init idempotency store: %v", err)
		}
		logger.Info("idempotency via postgres")
	} else {
		idemStore = api.NewMemoryIdempotencyStore(24 * time.Hour)
	}

	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET not set, webhook-gated endpoints will reject all requests")
	}

	srv := api.NewServer(api.Options{
		Executions:     executions,
		Reviews:        reviews,
		AIExecutor:     aiExecutor,
		Reaper:         sweeper,
		Store:          st,
		Exporter:       exporter,
		Gate:           api.NewWebhookGate(cfg.WebhookSecret),
		RateStore:      rateStore,
		IdemStore:      idemStore,
		ReviewerSecret: cfg.ReviewerJWTSecret,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.HTTPMiddleware(srv.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runReaperLoop(ctx, sweeper, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("conductor listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	logger.Info("conductor stopped")
	return 0
}

// runReaperLoop sweeps expired reviews on a fixed interval until the context
// is cancelled. The sweep also runs once at startup so a restart catches
// reviews that expired while the process was down.
func runReaperLoop(ctx context.Context, sweeper *reaper.Reaper, logger *slog.Logger) {
	sweep := func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := sweeper.Run(sweepCtx); err != nil {
			logger.Error("reaper sweep failed", "error", err)
		}
	}

	sweep()
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func envName() string {
	if v := os.Getenv("CONDUCTOR_ENV"); v != "" {
		return v
	}
	return "development"
}
