// Package metrics exposes prometheus metrics for the upload pipeline.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Collector registers and serves the pipeline metrics.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	bytesUploaded   prometheus.Counter
	uploadsTotal    *prometheus.CounterVec
	chunksUploaded  prometheus.Counter
	chunkRetries    prometheus.Counter
	chunkFailures   prometheus.Counter
	activeTransfers prometheus.Gauge
	queueDepth      prometheus.Gauge
	watcherEvents   *prometheus.CounterVec
	forcedReleases  prometheus.Counter
	uploadDuration  prometheus.Histogram

	server *http.Server
}

// NewCollector creates a metrics collector. A disabled collector is a valid
// no-op sink so callers never need nil checks.
func NewCollector(config Config) *Collector {
	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	c.bytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapship",
		Name:      "bytes_uploaded_total",
		Help:      "Total bytes successfully transferred to the asset service",
	})
	c.uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapship",
		Name:      "uploads_total",
		Help:      "Completed upload tasks by strategy and outcome",
	}, []string{"strategy", "outcome"})
	c.chunksUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapship",
		Name:      "chunks_uploaded_total",
		Help:      "Multipart chunks successfully uploaded",
	})
	c.chunkRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapship",
		Name:      "chunk_retries_total",
		Help:      "Chunk upload retry attempts",
	})
	c.chunkFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapship",
		Name:      "chunk_failures_total",
		Help:      "Chunks that failed permanently after retry exhaustion",
	})
	c.activeTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapship",
		Name:      "active_transfers",
		Help:      "Upload tasks currently in flight",
	})
	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapship",
		Name:      "queue_depth",
		Help:      "Upload tasks waiting to start",
	})
	c.watcherEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapship",
		Name:      "watcher_events_total",
		Help:      "Folder watcher events by disposition",
	}, []string{"disposition"})
	c.forcedReleases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapship",
		Name:      "readiness_forced_releases_total",
		Help:      "Files released to upload after readiness attempts were exhausted",
	})
	c.uploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "snapship",
		Name:      "upload_duration_seconds",
		Help:      "Wall time of completed upload tasks",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	c.registry.MustRegister(
		c.bytesUploaded, c.uploadsTotal, c.chunksUploaded, c.chunkRetries,
		c.chunkFailures, c.activeTransfers, c.queueDepth, c.watcherEvents,
		c.forcedReleases, c.uploadDuration,
	)

	return c
}

// Start serves the metrics endpoint when enabled.
func (c *Collector) Start() error {
	if !c.config.Enabled {
		return nil
	}

	path := c.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Metrics are best-effort; the pipeline keeps running.
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics endpoint.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) AddBytesUploaded(n int64) {
	if n > 0 {
		c.bytesUploaded.Add(float64(n))
	}
}

func (c *Collector) RecordUpload(strategy, outcome string, duration time.Duration) {
	c.uploadsTotal.WithLabelValues(strategy, outcome).Inc()
	c.uploadDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordChunkUploaded() { c.chunksUploaded.Inc() }
func (c *Collector) RecordChunkRetry()    { c.chunkRetries.Inc() }
func (c *Collector) RecordChunkFailure()  { c.chunkFailures.Inc() }

func (c *Collector) SetActiveTransfers(n int) { c.activeTransfers.Set(float64(n)) }
func (c *Collector) SetQueueDepth(n int)      { c.queueDepth.Set(float64(n)) }

func (c *Collector) RecordWatcherEvent(disposition string) {
	c.watcherEvents.WithLabelValues(disposition).Inc()
}

func (c *Collector) RecordForcedRelease() { c.forcedReleases.Inc() }
