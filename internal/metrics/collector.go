package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/oarchive/internal/layout"
)

// DiskSet is the set of disks the collector watches. layout.Static
// implements it.
type DiskSet interface {
	AllDisks() []*layout.Disk
	SetOnline(id layout.DiskID, online bool)
	Capacity() *layout.Capacity
}

// DiskChecker checks a disk. daal.Backend implements it.
type DiskChecker interface {
	Check(ctx context.Context, disk *layout.Disk, timeout time.Duration) error
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Disks        DiskSet
	Checker      DiskChecker
	CheckTimeout time.Duration // default: 5s
	Logger       zerolog.Logger
}

// Collector periodically checks disks, marks them online or offline in
// the layout and refreshes their capacity.
type Collector struct {
	metrics *NodeMetrics
	config  CollectorConfig
	logger  zerolog.Logger
}

// NewCollector creates a new metrics collector. A nil m only updates disk
// state.
func NewCollector(m *NodeMetrics, cfg CollectorConfig) *Collector {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	return &Collector{
		metrics: m,
		config:  cfg,
		logger:  cfg.Logger.With().Str("component", "disk-collector").Logger(),
	}
}

// Collect checks every disk once.
func (c *Collector) Collect(ctx context.Context) {
	disks := c.config.Disks.AllDisks()
	var online []*layout.Disk
	for _, d := range disks {
		err := c.config.Checker.Check(ctx, d, c.config.CheckTimeout)
		c.config.Disks.SetOnline(d.ID, err == nil)
		if err != nil {
			c.logger.Warn().Err(err).Str("disk", d.String()).Msg("disk check failed")
			if c.metrics != nil {
				c.metrics.DiskCheckFailures.WithLabelValues(d.String()).Inc()
				c.metrics.DiskOnline.WithLabelValues(d.String()).Set(0)
			}
			continue
		}
		online = append(online, d)
		if c.metrics != nil {
			c.metrics.DiskOnline.WithLabelValues(d.String()).Set(1)
		}
	}

	capacity := c.config.Disks.Capacity()
	capacity.Refresh(online)
	if c.metrics == nil {
		return
	}
	c.metrics.DisksOnline.Set(float64(len(online)))
	for _, d := range online {
		if snap := capacity.Get(d.ID); snap != nil {
			c.metrics.DiskTotalBytes.WithLabelValues(d.String()).Set(float64(snap.TotalBytes))
			c.metrics.DiskAvailableBytes.WithLabelValues(d.String()).Set(float64(snap.AvailableBytes))
		}
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
