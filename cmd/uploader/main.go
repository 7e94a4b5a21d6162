package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bencyrus/testflight-uploader/internal/config"
	"github.com/bencyrus/testflight-uploader/internal/logger"
	"github.com/bencyrus/testflight-uploader/internal/orchestrator"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize logger
	logger.Init("testflight-uploader")
	logger.SetLevel(cfg.LogLevel)
	ctx := context.Background()

	logger.Info(ctx, "starting testflight uploader", logger.Fields{
		"backend":   cfg.Backend,
		"app_type":  cfg.AppType,
		"app_path":  cfg.AppPath,
		"log_level": cfg.LogLevel,
	})

	o, err := orchestrator.New(cfg)
	if err != nil {
		logger.Error(ctx, "failed to create uploader", err)
		log.Fatalf("failed to create uploader: %v", err)
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info(ctx, "received shutdown signal", logger.Fields{"signal": sig.String()})
		cancel()
	}()

	result, err := o.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn(ctx, "upload canceled")
			os.Exit(1)
		}
		logger.Error(ctx, "upload failed", err)
		log.Fatalf("upload failed: %v", err)
	}

	fields := logger.Fields{
		"backend":   string(result.Backend),
		"upload_id": result.UploadID,
	}
	if result.Metadata != nil {
		fields["bundle_id"] = result.Metadata.BundleID
		fields["build_number"] = result.Metadata.BuildNumber
		fields["short_version"] = result.Metadata.ShortVersion
	}
	logger.Info(ctx, "upload complete", fields)
}
