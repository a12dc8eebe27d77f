// Command gateway runs the OpenAI-compatible ensemble reasoning HTTP
// server. Grounded on the reference framework's cmd-style agent bootstrap
// (config load, logger, dependency wiring, Start/Stop lifecycle), adapted
// from BaseAgent's single-process model to this gateway's layered
// dependency graph.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelai/ensemble/internal/contextbuilder"
	"github.com/kestrelai/ensemble/internal/fusion"
	"github.com/kestrelai/ensemble/internal/gatewaycore"
	"github.com/kestrelai/ensemble/internal/gatewayconfig"
	"github.com/kestrelai/ensemble/internal/ingress"
	"github.com/kestrelai/ensemble/internal/modelclient"
	"github.com/kestrelai/ensemble/internal/obslog"
	"github.com/kestrelai/ensemble/internal/orchestrator"
	"github.com/kestrelai/ensemble/internal/resilience"
	"github.com/kestrelai/ensemble/internal/thread"
	"github.com/kestrelai/ensemble/internal/tracing"
	"github.com/kestrelai/ensemble/internal/validator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	logger := obslog.New("ensemble-gateway")

	cfg, err := gatewayconfig.Load(os.Getenv("GATEWAY_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	apiKey := gatewayconfig.APIKey()
	if apiKey == "" {
		return fmt.Errorf("no model API key set (GATEWAY_MODEL_API_KEY or OPENAI_API_KEY)")
	}

	tracerProvider := tracing.New("ensemble-gateway", logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	limiter := resilience.NewLimiter(cfg.Concurrency.MaxInFlight)
	retryCfg := toRetryConfig(cfg.Retry)
	breaker := resilience.NewCircuitBreaker(toBreakerConfig(cfg.CircuitBreaker, "model-client"))

	timeout, err := time.ParseDuration(cfg.ModelClient.Timeout)
	if err != nil {
		return fmt.Errorf("parse model_client.timeout: %w", err)
	}

	client := modelclient.NewOpenAIClient(apiKey, cfg.ModelClient.BaseURL, timeout,
		modelclient.WithLogger(logger.WithComponent("modelclient")),
		modelclient.WithLimiter(limiter),
		modelclient.WithRetryConfig(retryCfg),
		modelclient.WithCircuitBreaker(breaker),
	)

	fuser := fusion.New(client, fusion.Config{
		Strategy:        gatewaycore.FusionStrategy(cfg.Fusion.Strategy),
		FusionModel:     cfg.Models.Fusion,
		ConcatDelimiter: cfg.Fusion.ConcatDelimiter,
	}).WithLogger(logger.WithComponent("fusion"))

	threadCfg := thread.Config{
		MainModel:         cfg.Models.Main,
		MaxSteps:          cfg.Thinking.MaxSteps,
		TerminationMarker: cfg.Thinking.TerminationMarker,
		ValidationEnabled: cfg.Validation.Enabled,
	}
	validatorCfg := validator.Config{
		Counterexamples:     cfg.Validation.Counterexamples,
		Votes:               cfg.Validation.Votes,
		CounterexampleModel: cfg.Models.Counterexample,
		VoteModel:           cfg.Models.Vote,
		VoteJSONField:       cfg.Validation.VoteJSONField,
		MainKeywords:        cfg.Validation.MainKeywords,
		CounterKeywords:     cfg.Validation.CounterKeywords,
	}

	newThread := func(id int, req gatewaycore.Request) orchestrator.ThreadRunner {
		builder := contextbuilder.New(client, cfg.Models.Summary)
		v := validator.New(client, validatorCfg).WithLogger(logger.WithComponent("validator"))

		effective := threadCfg
		if req.MaxSteps >= 1 && req.MaxSteps <= 50 {
			effective.MaxSteps = req.MaxSteps
		}
		if req.Validate != nil {
			effective.ValidationEnabled = *req.Validate
		}
		return thread.New(client, builder, v, effective).WithLogger(logger.WithComponent("thread"))
	}

	orch := orchestrator.New(newThread, fuser, orchestrator.Config{
		Threads:     cfg.Thinking.Threads,
		StreamChunk: cfg.HTTP.StreamChunkSize,
	}).WithTracer(tracerProvider.Tracer()).WithLogger(logger.WithComponent("orchestrator"))

	server := ingress.NewServer(orch, logger.WithComponent("ingress"), ingress.ModelRoles{
		Main:           cfg.Models.Main,
		Fusion:         cfg.Models.Fusion,
		Summary:        cfg.Models.Summary,
		Counterexample: cfg.Models.Counterexample,
		Vote:           cfg.Models.Vote,
	}).
		WithCORS(cfg.HTTP.CORSEnabled).
		WithTracer(tracerProvider.Tracer()).
		WithHealthCheck(func() map[string]interface{} {
			return map[string]interface{}{
				"model_client_circuit": breaker.GetState().String(),
			}
		})

	requestDeadline, err := time.ParseDuration(cfg.HTTP.RequestDeadline)
	if err != nil {
		return fmt.Errorf("parse http.request_deadline: %w", err)
	}
	shutdownTimeout, err := time.ParseDuration(cfg.HTTP.ShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse http.shutdown_timeout: %w", err)
	}

	listener := ingress.NewListener(server, ingress.HTTPConfig{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      requestDeadline + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   shutdownTimeout,
		RequestDeadline:   requestDeadline,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", map[string]interface{}{"port": cfg.HTTP.Port})
		errCh <- listener.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout+time.Second)
		defer cancel()
		return listener.Stop(ctx)
	}
}

func toRetryConfig(cfg gatewayconfig.RetryConfig) resilience.RetryConfig {
	initial, err := time.ParseDuration(cfg.InitialDelay)
	if err != nil {
		initial = 2 * time.Second
	}
	return resilience.RetryConfig{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  initial,
		MaxDelay:      30 * time.Second,
		BackoffFactor: cfg.BackoffFactor,
		JitterEnabled: true,
	}
}

func toBreakerConfig(cfg gatewayconfig.CircuitBreakerConfig, name string) resilience.CircuitBreakerConfig {
	sleep, err := time.ParseDuration(cfg.SleepWindow)
	if err != nil {
		sleep = 30 * time.Second
	}
	return resilience.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		SleepWindow:      sleep,
		HalfOpenRequests: cfg.HalfOpenRequests,
	}
}
