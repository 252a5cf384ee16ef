package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/karnal-os/karnal64/internal/api/http"
	"github.com/karnal-os/karnal64/internal/infrastructure/config"
	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/kernel"
)

func main() {
	manifestPath := flag.String("manifest", "", "Boot manifest path (YAML); empty uses defaults")
	flag.Parse()

	cfg := config.LoadOrDefault()
	manifest, err := config.LoadManifest(*manifestPath)
	if err != nil {
		log.Fatalf("Failed to load boot manifest: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	k, err := kernel.Boot(kernel.Options{
		Config:   cfg,
		Manifest: manifest,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Kernel boot failed: %v", err)
	}

	var monitor *api.Server
	errChan := make(chan error, 1)
	if cfg.Monitor.Enabled {
		monitor = api.NewServer(cfg.Monitor, k, logger)
		go func() {
			if err := monitor.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	go k.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-errChan:
		log.Printf("Monitor server error: %v", err)
	}

	if monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := monitor.Stop(ctx); err != nil {
			log.Printf("Monitor shutdown error: %v", err)
		}
	}
	k.Shutdown()
}
