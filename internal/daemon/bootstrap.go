package daemon

import (
	"fmt"
	"log/slog"
	"time"

	"distill/internal/config"
	"distill/internal/ledger"
	"distill/internal/notifications"
	"distill/internal/pipeline"
	"distill/internal/queue"
	"distill/internal/services/ai"
	"distill/internal/services/embedding"
	"distill/internal/services/transcriber"
	"distill/internal/storage"
)

// Bootstrap opens the stores, builds the provider clients, and assembles a
// ready-to-start daemon from configuration.
func Bootstrap(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	ledgerStore, err := ledger.Open(cfg.Paths.LogDir, ledger.WithEmbeddingDimension(cfg.Embedding.Dimension))
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	queueStore, err := queue.Open(cfg.Paths.LogDir, queue.WithRetryBackoff(
		time.Duration(cfg.Pipeline.RetryBaseSeconds)*time.Second,
		time.Duration(cfg.Pipeline.RetryMaxSeconds)*time.Second,
	))
	if err != nil {
		ledgerStore.Close()
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	var gateway storage.Gateway
	if cfg.Storage.Enabled {
		minioGateway, err := storage.NewMinioGateway(storage.Config{
			Endpoint:       cfg.Storage.Endpoint,
			AccessKey:      cfg.Storage.AccessKey,
			SecretKey:      cfg.Storage.SecretKey,
			Bucket:         cfg.Storage.Bucket,
			Prefix:         cfg.Storage.Prefix,
			UseSSL:         cfg.Storage.UseSSL,
			RequestTimeout: time.Duration(cfg.Storage.RequestTimeout) * time.Second,
		})
		if err != nil {
			queueStore.Close()
			ledgerStore.Close()
			return nil, err
		}
		gateway = minioGateway
	}

	pl := pipeline.New(pipeline.Deps{
		Cfg:    cfg,
		Logger: logger,
		Queue:  queueStore,
		Ledger: ledgerStore,
		Transcriber: transcriber.NewClient(transcriber.Config{
			APIKey:         cfg.Transcriber.APIKey,
			BaseURL:        cfg.Transcriber.BaseURL,
			Model:          cfg.Transcriber.Model,
			TimeoutSeconds: cfg.Transcriber.TimeoutSeconds,
			MaxUploadMB:    cfg.Transcriber.MaxUploadMB,
		}),
		AI: ai.NewClient(ai.Config{
			APIKey:         cfg.AI.APIKey,
			BaseURL:        cfg.AI.BaseURL,
			Model:          cfg.AI.Model,
			TimeoutSeconds: cfg.AI.TimeoutSeconds,
		}),
		Embedder: embedding.NewClient(embedding.Config{
			APIKey:         cfg.Embedding.APIKey,
			BaseURL:        cfg.Embedding.BaseURL,
			Model:          cfg.Embedding.Model,
			Dimension:      cfg.Embedding.Dimension,
			TimeoutSeconds: cfg.Embedding.TimeoutSeconds,
		}),
		Storage:  gateway,
		Notifier: notifications.NewService(cfg, logger),
	})

	return New(cfg, logger, queueStore, ledgerStore, pl)
}
