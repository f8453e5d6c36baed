package main

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"distill/internal/config"
	"distill/internal/ledger"
	"distill/internal/queue"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withStores opens both SQLite stores for direct inspection. The stores use
// WAL with a busy timeout, so this is safe while the daemon holds them open.
func (c *commandContext) withStores(fn func(*ledger.Store, *queue.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}

	ledgerStore, err := ledger.Open(cfg.Paths.LogDir, ledger.WithEmbeddingDimension(cfg.Embedding.Dimension))
	if err != nil {
		return err
	}
	defer ledgerStore.Close()

	queueStore, err := queue.Open(cfg.Paths.LogDir, queue.WithRetryBackoff(
		time.Duration(cfg.Pipeline.RetryBaseSeconds)*time.Second,
		time.Duration(cfg.Pipeline.RetryMaxSeconds)*time.Second,
	))
	if err != nil {
		return err
	}
	defer queueStore.Close()

	return fn(ledgerStore, queueStore)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
