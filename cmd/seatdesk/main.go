package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/neomorfeo/seatdesk/internal/adapter/backend"
	"github.com/neomorfeo/seatdesk/internal/adapter/fsm"
	"github.com/neomorfeo/seatdesk/internal/adapter/processor"
	"github.com/neomorfeo/seatdesk/internal/app"

	handler "github.com/neomorfeo/seatdesk/internal/adapter/http"
	oteladapter "github.com/neomorfeo/seatdesk/internal/adapter/otel"
	riveradapter "github.com/neomorfeo/seatdesk/internal/adapter/river"
)

const serviceName = "seatdesk"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	providers, err := oteladapter.Setup(ctx, oteladapter.ConfigFromEnv(serviceName, "console"))
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	// --- Adapters (out) ---
	db, err := oteladapter.OpenDB(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	httpClient := &http.Client{}
	backendClient, err := oteladapter.NewTracingBackend(backend.New(cfg.BackendURL, cfg.BackendToken, httpClient))
	if err != nil {
		return fmt.Errorf("backend tracing: %w", err)
	}
	processorClient := oteladapter.NewTracingProcessor(processor.New(cfg.ProcessorURL, cfg.ProcessorKey, httpClient))

	credentials := app.NewCredentialStore(backendClient, cfg.CredentialCacheTTL)

	riverClient, err := riveradapter.Setup(ctx, db, credentials)
	if err != nil {
		return fmt.Errorf("river: %w", err)
	}
	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			log.Printf("river stop: %v", err)
		}
	}()

	publisher, err := oteladapter.NewTracingPublisher(riveradapter.NewPublisher(riverClient))
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}

	// --- Application ---
	pricingOpts := app.DefaultPricingOptions()
	pricingOpts.Timeout = cfg.PricingTimeout

	orch := app.NewOrchestrator(
		app.NewPricingEngine(backendClient, pricingOpts),
		credentials,
		app.NewCredentialAcquisition(backendClient, processorClient, cfg.TokenizationTimeout, cfg.ProcessorTimeout),
		app.NewPurchaseConfirmation(backendClient, cfg.ConfirmTimeout),
		fsm.New(),
		publisher,
	)

	// --- Adapters (in) ---
	router := chi.NewMux()
	router.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(router)))
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)

	api := humachi.New(router, huma.DefaultConfig(serviceName, "0.1.0"))
	handler.Register(api, orch, credentials)

	// --- Server ---
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("%s listening on :%s (backend %s)", serviceName, cfg.Port, cfg.BackendURL)
		log.Printf("API docs: http://localhost:%s/docs", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	log.Println("stopped")
	return nil
}
