// Package main is the entry point for the operator API.
//
// Inside AWS Lambda the chi router is served behind an API Gateway HTTP API
// (payload format 2.0). Elsewhere it runs as a plain HTTP server with
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"jewelerp/internal/app"
	"jewelerp/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel, "api")
	logger.Info("API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	a, err := app.Build(ctx, cfg, logger, app.Options{})
	cancel()
	if err != nil {
		return fmt.Errorf("building services: %w", err)
	}
	defer a.Close()

	srv, err := a.NewAPIServer()
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if isLambdaEnvironment() {
		lambda.Start(proxyHandler(srv.Handler()))
		return nil
	}
	return runHTTPServer(srv.Handler(), cfg.Server.Port, logger)
}

// isLambdaEnvironment reports whether the process runs inside the Lambda
// runtime.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer serves h until a shutdown signal or a listener error.
func runHTTPServer(h http.Handler, port string, logger *slog.Logger) error {
	addr := ":" + port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}
