package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/oarchive/internal/archive"
	"github.com/tunnelmesh/oarchive/internal/config"
	"github.com/tunnelmesh/oarchive/internal/daal"
	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/internal/logging/audit"
	"github.com/tunnelmesh/oarchive/internal/metrics"
)

// node is everything a command needs, wired from the configuration.
type node struct {
	cfg       *config.ArchiveConfig
	layouts   *layout.Static
	backend   daal.Backend
	client    *archive.Client
	collector *metrics.Collector
	logger    zerolog.Logger
}

var (
	metricsOnce    sync.Once
	nodeMetrics    *metrics.NodeMetrics
	archiveMetrics *archive.Metrics
)

// initMetrics registers the process metrics once; later calls reuse them.
func initMetrics() {
	metricsOnce.Do(func() {
		hostname, _ := os.Hostname()
		nodeMetrics = metrics.InitMetrics(hostname, Version)
		archiveMetrics = archive.NewMetrics(metrics.Registry)
	})
}

func loadConfig() (*config.ArchiveConfig, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadArchiveConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openNode loads the configuration, checks the disks once and builds the
// archive client.
func openNode(ctx context.Context) (*node, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}

	logger := log.Logger
	kind, err := daal.ParseKind(cfg.Backend)
	if err != nil {
		return nil, err
	}
	backend, err := daal.New(kind, logger)
	if err != nil {
		return nil, err
	}
	layouts, err := layout.NewStatic(cfg.LayoutDisks(), cfg.LayoutMaps)
	if err != nil {
		return nil, err
	}

	initMetrics()
	collector := metrics.NewCollector(nodeMetrics, metrics.CollectorConfig{
		Disks:   layouts,
		Checker: backend,
		Logger:  logger,
	})
	collector.Collect(ctx)

	env, err := archive.NewEnv(archive.EnvConfig{
		Settings: settings,
		Backend:  backend,
		Layouts:  layouts,
		Logger:   logger,
		Metrics:  archiveMetrics,
		Audit:    audit.NewLogger(logger.With().Str("component", "audit").Logger()),
	})
	if err != nil {
		return nil, err
	}
	client, err := archive.NewClient(env, nil)
	if err != nil {
		return nil, err
	}
	return &node{
		cfg:       cfg,
		layouts:   layouts,
		backend:   backend,
		client:    client,
		collector: collector,
		logger:    logger,
	}, nil
}

// Close writes the metrics textfile when one was asked for.
func (n *node) Close() {
	if metricsTextfile == "" {
		return
	}
	if err := metrics.WriteTextfile(metricsTextfile); err != nil {
		n.logger.Warn().Err(err).Str("path", metricsTextfile).Msg("failed to write metrics textfile")
	}
}
