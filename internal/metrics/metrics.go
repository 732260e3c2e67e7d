// Package metrics provides the process-wide Prometheus registry of an
// archive node and the node-level disk metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all oarchive metrics.
var Registry = prometheus.NewRegistry()

// NodeMetrics holds the disk metrics of one archive node.
type NodeMetrics struct {
	// Disk state (labeled by disk)
	DiskOnline         *prometheus.GaugeVec
	DiskTotalBytes     *prometheus.GaugeVec
	DiskAvailableBytes *prometheus.GaugeVec
	DiskCheckFailures  *prometheus.CounterVec

	// Aggregates
	DisksOnline prometheus.Gauge

	// Node info (constant labels exposed as a gauge)
	NodeInfo *prometheus.GaugeVec // labels: node, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes the node metrics with the node name as a constant label.
func InitMetrics(node, version string) *NodeMetrics {
	constLabels := prometheus.Labels{
		"node": node,
	}

	m := &NodeMetrics{
		DiskOnline: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "oarchive_disk_online",
			Help:        "1 if the disk passed its last check, 0 if not",
			ConstLabels: constLabels,
		}, []string{"disk"}),
		DiskTotalBytes: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "oarchive_disk_total_bytes",
			Help:        "Filesystem size of the disk",
			ConstLabels: constLabels,
		}, []string{"disk"}),
		DiskAvailableBytes: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "oarchive_disk_available_bytes",
			Help:        "Free bytes on the disk",
			ConstLabels: constLabels,
		}, []string{"disk"}),
		DiskCheckFailures: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "oarchive_disk_check_failures_total",
			Help:        "Disk checks that failed or timed out",
			ConstLabels: constLabels,
		}, []string{"disk"}),
		DisksOnline: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "oarchive_disks_online",
			Help:        "Number of disks that passed their last check",
			ConstLabels: constLabels,
		}),
		NodeInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "oarchive_node_info",
			Help: "Node information (value is always 1)",
		}, []string{"node", "version"}),
	}

	m.NodeInfo.WithLabelValues(node, version).Set(1)

	return m
}

// WriteTextfile writes every metric in Registry to path in the text
// exposition format, for the node exporter's textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
