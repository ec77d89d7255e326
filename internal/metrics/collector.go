// Package metrics exposes Prometheus counters and histograms for every
// apply_<kind>/undo the engine executes and for the obliteration
// subsystem's secure-overwrite passes, alongside a small debug/health
// HTTP surface next to the /metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks apply/undo/obliteration activity.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	applyTotal         *prometheus.CounterVec
	applyDuration      *prometheus.HistogramVec
	applyContentBytes  *prometheus.HistogramVec
	undoTotal          *prometheus.CounterVec
	errorTotal         *prometheus.CounterVec
	obliterationTotal  *prometheus.CounterVec
	obliterationPasses prometheus.Histogram

	kinds     map[string]*KindMetrics
	lastReset time.Time

	server *http.Server
}

// Config configures the collector and its optional HTTP endpoint.
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// KindMetrics accumulates apply/undo activity for one operation kind
// (create, delete, modify, move, copy, chmod, mkdir, rmdir, symlink,
// append, truncate, touch).
type KindMetrics struct {
	Applies       int64         `json:"applies"`
	Undos         int64         `json:"undos"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalBytes    int64         `json:"total_bytes"`
	LastActivity  time.Time     `json:"last_activity"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a metrics collector. A nil config enables the
// collector with defaults; a config with Enabled false returns a
// usable no-op collector so callers never need a nil check.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			Port:           8080,
			Path:           "/metrics",
			Namespace:      "januskey",
			UpdateInterval: 30 * time.Second,
			Labels:         make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:    config,
		registry:  prometheus.NewRegistry(),
		kinds:     make(map[string]*KindMetrics),
		lastReset: time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Start starts the metrics HTTP server.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/metrics", c.debugMetricsHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics HTTP server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordApply records one apply_<kind> call: duration, content size
// moved (0 if the kind touches no content), and whether it succeeded.
func (c *Collector) RecordApply(kind string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	km := c.kindMetrics(kind)
	km.Applies++
	km.TotalDuration += duration
	km.TotalBytes += size
	if !success {
		km.Errors++
	}
	km.LastActivity = time.Now()
	km.AvgDuration = time.Duration(int64(km.TotalDuration) / (km.Applies + km.Undos))
	c.mu.Unlock()

	status := statusLabel(success)
	c.applyTotal.With(prometheus.Labels{"kind": kind, "status": status}).Inc()
	c.applyDuration.With(prometheus.Labels{"kind": kind}).Observe(duration.Seconds())
	if size > 0 {
		c.applyContentBytes.With(prometheus.Labels{"kind": kind}).Observe(float64(size))
	}
}

// RecordUndo records one undo call for the given operation kind.
func (c *Collector) RecordUndo(kind string, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	km := c.kindMetrics(kind)
	km.Undos++
	km.TotalDuration += duration
	if !success {
		km.Errors++
	}
	km.LastActivity = time.Now()
	km.AvgDuration = time.Duration(int64(km.TotalDuration) / (km.Applies + km.Undos))
	c.mu.Unlock()

	c.undoTotal.With(prometheus.Labels{"kind": kind, "status": statusLabel(success)}).Inc()
}

// RecordError records an apply_<kind> or undo failure, classified by
// the kind of error so dashboards can separate e.g. content-unavailable
// (an obliterated pre-image) from ordinary I/O failures.
func (c *Collector) RecordError(kind string, err error) {
	if !c.config.Enabled {
		return
	}
	c.errorTotal.With(prometheus.Labels{"kind": kind, "class": classifyError(err)}).Inc()
}

// RecordObliteration records the outcome of one Obliterate call: how
// many overwrite passes it completed and whether the hash was
// successfully erased.
func (c *Collector) RecordObliteration(passes int, success bool) {
	if !c.config.Enabled {
		return
	}
	c.obliterationTotal.With(prometheus.Labels{"status": statusLabel(success)}).Inc()
	if success {
		c.obliterationPasses.Observe(float64(passes))
	}
}

// GetMetrics returns a snapshot of per-kind apply/undo activity.
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kinds := make(map[string]*KindMetrics, len(c.kinds))
	for k, v := range c.kinds {
		cp := *v
		kinds[k] = &cp
	}

	return map[string]interface{}{
		"kinds":      kinds,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics clears the in-process per-kind tracking used by the
// debug endpoints. It does not reset the Prometheus counters, which
// are cumulative by design.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.kinds = make(map[string]*KindMetrics)
	c.lastReset = time.Now()
}

// kindMetrics returns the tracking entry for kind, creating it if
// necessary. Callers must hold c.mu.
func (c *Collector) kindMetrics(kind string) *KindMetrics {
	km, ok := c.kinds[kind]
	if !ok {
		km = &KindMetrics{}
		c.kinds[kind] = km
	}
	return km
}

func (c *Collector) initMetrics() {
	c.applyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "apply_total",
			Help:      "Total number of apply_<kind> operations executed, by kind and outcome.",
		},
		[]string{"kind", "status"},
	)

	c.applyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "apply_duration_seconds",
			Help:      "Duration of apply_<kind> operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"kind"},
	)

	c.applyContentBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "apply_content_bytes",
			Help:      "Size in bytes of content moved by an apply_<kind> operation.",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 20),
		},
		[]string{"kind"},
	)

	c.undoTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "undo_total",
			Help:      "Total number of undo calls, by the kind of operation reversed and outcome.",
		},
		[]string{"kind", "status"},
	)

	c.errorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of apply/undo errors, by operation kind and error class.",
		},
		[]string{"kind", "class"},
	)

	c.obliterationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "obliteration_total",
			Help:      "Total number of Obliterate calls, by outcome.",
		},
		[]string{"status"},
	)

	c.obliterationPasses = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "obliteration_passes",
			Help:      "Number of overwrite passes completed per successful obliteration.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.applyTotal,
		c.applyDuration,
		c.applyContentBytes,
		c.undoTotal,
		c.errorTotal,
		c.obliterationTotal,
		c.obliterationPasses,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// classifyError buckets an error by message substring so dashboards
// can group failures without depending on pkg/errors codes directly.
func classifyError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "obliterat"):
		return "content_obliterated"
	case strings.Contains(msg, "connection"):
		return "connection"
	case strings.Contains(msg, "not found"), strings.Contains(msg, "not present"):
		return "not_found"
	case strings.Contains(msg, "permission"):
		return "permission"
	case strings.Contains(msg, "throttl"):
		return "throttling"
	default:
		return "other"
	}
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"januskey-metrics"}`))
}

func (c *Collector) debugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := c.GetMetrics()

	w.Header().Set("Content-Type", "application/json")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("{\n")
	writef("  \"uptime\": \"%v\",\n", metrics["uptime"])
	writef("  \"last_reset\": \"%v\",\n", metrics["last_reset"])
	writef("  \"kinds\": {\n")

	if kinds, ok := metrics["kinds"].(map[string]*KindMetrics); ok {
		first := true
		for name, km := range kinds {
			if !first {
				writef(",\n")
			}
			writef("    \"%s\": {\n", name)
			writef("      \"applies\": %d,\n", km.Applies)
			writef("      \"undos\": %d,\n", km.Undos)
			writef("      \"errors\": %d,\n", km.Errors)
			writef("      \"avg_duration\": \"%v\",\n", km.AvgDuration)
			writef("      \"total_bytes\": %d\n", km.TotalBytes)
			writef("    }")
			first = false
		}
	}

	writef("\n  }\n")
	writef("}\n")
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("JanusKey Operations Summary\n")
	writef("==========================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.kinds) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-12s %8s %8s %8s %14s %12s %10s\n",
		"Kind", "Applies", "Undos", "Errors", "Avg Duration", "Total Bytes", "Last Seen")
	writef("%-12s %8s %8s %8s %14s %12s %10s\n",
		"----", "-------", "-----", "------", "------------", "-----------", "---------")

	for name, km := range c.kinds {
		writef("%-12s %8d %8d %8d %14v %12d %10s\n",
			name, km.Applies, km.Undos, km.Errors, km.AvgDuration,
			km.TotalBytes, km.LastActivity.Format("15:04:05"))
	}
}
