// Command streamgate runs the brokerage streaming proxy: a thin HTTP service
// that opens authenticated market data and brokerage streams upstream and
// multiplexes them to many frontend clients.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.etcd.io/bbolt"

	"github.com/quotewire/streamgate/circuitbreaker"
	"github.com/quotewire/streamgate/config"
	"github.com/quotewire/streamgate/handlers"
	"github.com/quotewire/streamgate/logging"
	"github.com/quotewire/streamgate/streams"
	"github.com/quotewire/streamgate/token"
	"github.com/quotewire/streamgate/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "streamgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Print()

	logger := logging.New(logging.ParseLogLevel(cfg.LogLevel), "[streamgate]")

	db, err := bbolt.Open(cfg.DB.Path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database at %s: %w", cfg.DB.Path, err)
	}
	defer db.Close()

	cipher, err := token.NewCipher(cfg.CredentialsKeyBytes())
	if err != nil {
		return fmt.Errorf("failed to initialize credential cipher: %w", err)
	}

	store, err := token.NewStore(db, cipher)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	provider := token.NewProvider(store, token.Config{
		SigninURL:    cfg.Upstream.SigninURL,
		ClientID:     cfg.Upstream.ClientID,
		ClientSecret: cfg.Upstream.ClientSecret,
	}, nil, logger)

	// One breaker per upstream host: the paper environment failing should
	// not block live streams.
	breakers := map[string]circuitbreaker.CircuitBreaker{}
	for _, base := range []string{cfg.Upstream.LiveBaseURL, cfg.Upstream.PaperBaseURL} {
		breakers[base] = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Timeout:          cfg.Breaker.Timeout,
			HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
			Logger:           logger,
			Host:             base,
		})
	}

	requester := upstream.NewRequester(upstream.Config{
		LiveBaseURL:     cfg.Upstream.LiveBaseURL,
		PaperBaseURL:    cfg.Upstream.PaperBaseURL,
		UpstreamTimeout: cfg.Mux.UpstreamTimeout,
	}, provider, nil, breakers, logger)

	registry, err := streams.NewRegistry(requester, &cfg.Mux, logger)
	if err != nil {
		return fmt.Errorf("failed to build stream registry: %w", err)
	}
	defer registry.Shutdown()

	handler := handlers.New(registry, store, cfg, logger)

	server := &http.Server{
		Addr:    net.JoinHostPort(cfg.HTTP.Address, cfg.HTTP.Port),
		Handler: handler.Router(),
		// No WriteTimeout: streaming responses are unbounded. Sinks clear
		// their own write deadlines per response.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown did not complete", map[string]interface{}{"error": err.Error()})
	}

	return nil
}
