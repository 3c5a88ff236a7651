package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate-go/agentgatetest"
	"github.com/agentgate/agentgate-go/internal/observability"
)

const shutdownTimeout = 10 * time.Second

// runStub serves the in-memory approval gateway on a real port so agents
// and the CLI can be exercised without a production deployment.
func runStub(args []string) error {
	fs := flag.NewFlagSet("stub", flag.ContinueOnError)
	addr := fs.String("addr", ":3000", "listen address")
	apiKey := fs.String("api-key", "", "require this API key on agent endpoints")
	deciderSecret := fs.String("decider-secret", "", "enable decider tokens signed with this secret")
	autoDecision := fs.String("auto-decision", "", "decide new requests immediately: approved or denied")
	policyEnvelope := fs.String("policy-envelope", "", "wrap the policy list under this key (default: bare array)")
	seedPolicies := fs.String("seed-policies", "", "JSON array of policy objects to serve")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger, err := observability.BuildLogger(level, "text")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var opts []agentgatetest.Option
	if *apiKey != "" {
		opts = append(opts, agentgatetest.WithAPIKey(*apiKey))
	}
	if *deciderSecret != "" {
		opts = append(opts, agentgatetest.WithDeciderAuth(*deciderSecret))
	}
	if *autoDecision != "" {
		opts = append(opts, agentgatetest.WithAutoDecision(*autoDecision))
	}
	if *policyEnvelope != "" {
		opts = append(opts, agentgatetest.WithPolicyEnvelope(*policyEnvelope))
	}

	gate := agentgatetest.NewUnstarted(opts...)
	if *seedPolicies != "" {
		var policies []map[string]any
		if err := json.Unmarshal([]byte(*seedPolicies), &policies); err != nil {
			return fmt.Errorf("invalid --seed-policies: %w", err)
		}
		gate.SetPolicies(policies...)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", gate.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stub gateway listening",
			zap.String("addr", *addr),
			zap.Bool("api_key_required", *apiKey != ""),
			zap.Bool("decider_auth", *deciderSecret != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down stub gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
