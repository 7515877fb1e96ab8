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

	"github.com/neomorfeo/seatdesk/internal/adapter/sqlite"
	"github.com/neomorfeo/seatdesk/internal/sandbox"

	oteladapter "github.com/neomorfeo/seatdesk/internal/adapter/otel"
)

const serviceName = "seatdesk-sandbox"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	port := envOrDefault("PORT", "8081")
	dbPath := envOrDefault("DATABASE_PATH", "seatdesk-sandbox.db")
	token := os.Getenv("SANDBOX_TOKEN")
	seedHandle := os.Getenv("SANDBOX_SEED_CARD")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := oteladapter.Setup(ctx, oteladapter.ConfigFromEnv(serviceName, "sandbox"))
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

	db, err := oteladapter.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	ledger, err := sqlite.NewFromDB(db)
	if err != nil {
		db.Close()
		return fmt.Errorf("ledger: %w", err)
	}
	defer ledger.Close()

	svc := sandbox.NewService(ledger)
	if seedHandle != "" {
		pm, err := svc.SeedCard(ctx, seedHandle)
		if err != nil {
			return fmt.Errorf("seeding card: %w", err)
		}
		log.Printf("seeded %s card ending %s (%s)", pm.Brand, pm.Last4, pm.ID)
	}

	router := chi.NewMux()
	router.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(router)))
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(sandbox.RequireBearer(token))

	api := humachi.New(router, huma.DefaultConfig(serviceName, "0.1.0"))
	sandbox.Register(api, svc)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("%s listening on :%s", serviceName, port)
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

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
