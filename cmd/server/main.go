package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/xhad/docchat/internal/app"
	cfgPkg "github.com/xhad/docchat/pkg/config"
	"github.com/xhad/docchat/server"
)

func main() {
	_ = godotenv.Load()

	var configPath, port, ollamaURL, dbURL string
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&port, "port", "", "HTTP port (overrides config and PORT)")
	flag.StringVar(&ollamaURL, "ollama-url", "", "Ollama server URL")
	flag.StringVar(&dbURL, "db-url", "", "PostgreSQL connection string")
	flag.Parse()

	cfg, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if port != "" {
		cfg.Server.Port = port
	}
	if ollamaURL != "" {
		cfg.LLM.BaseURL = ollamaURL
	}
	if dbURL != "" {
		cfg.Database.URL = dbURL
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("config: %v", e)
		}
		log.Fatalf("invalid configuration (%d errors)", len(errs))
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *cfgPkg.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.NewFromApp(a).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on port %s (auth=%s, billing=%s, storage=%s)",
			cfg.Server.Port, cfg.Auth.Mode, cfg.Billing.Policy, cfg.Storage.Provider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
