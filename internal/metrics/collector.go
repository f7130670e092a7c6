// Package metrics exposes Prometheus instrumentation for the cover cache on a
// private registry so tests and multiple instances never collide on the
// global default registerer.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "covercache"

// Lookup 结果标签。
const (
	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Fetch 结果标签，与错误分类保持一致。
const (
	FetchOK           = "ok"
	FetchOriginError  = "origin_error"
	FetchInvalidImage = "invalid_image"
	FetchWriteError   = "write_error"
	FetchInvalidURL   = "invalid_url"
)

// Collector 汇总缓存相关指标，零值不可用，需通过 NewCollector 构造。
type Collector struct {
	registry *prometheus.Registry

	lookups       *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	storedBytes   prometheus.Counter
	queueDepth    prometheus.Gauge
	dropped       prometheus.Counter
}

// NewCollector 创建独立 registry 并注册所有指标。
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookups_total",
				Help:      "Cache lookups by result",
			},
			[]string{"result"},
		),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Origin fetch attempts by outcome",
			},
			[]string{"result"},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Duration of origin fetch and persist in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
		),
		storedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stored_bytes_total",
				Help:      "Bytes of image payload written to the cache",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "background_queue_depth",
				Help:      "Pending background populate jobs",
			},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "background_dropped_total",
				Help:      "Background populate jobs dropped because the queue was full or closed",
			},
		),
	}

	collectors := []prometheus.Collector{
		c.lookups,
		c.fetches,
		c.fetchDuration,
		c.storedBytes,
		c.queueDepth,
		c.dropped,
	}
	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// MustNewCollector 在注册失败时 panic，仅用于测试与启动阶段。
func MustNewCollector() *Collector {
	c, err := NewCollector()
	if err != nil {
		panic(err)
	}
	return c
}

// RecordLookup 记录一次缓存查询结果。
func (c *Collector) RecordLookup(hit bool) {
	if c == nil {
		return
	}
	result := ResultMiss
	if hit {
		result = ResultHit
	}
	c.lookups.WithLabelValues(result).Inc()
}

// RecordFetch 记录一次回源结果与耗时，size 仅在成功时累计。
func (c *Collector) RecordFetch(result string, elapsed time.Duration, size int64) {
	if c == nil {
		return
	}
	c.fetches.WithLabelValues(result).Inc()
	c.fetchDuration.Observe(elapsed.Seconds())
	if result == FetchOK && size > 0 {
		c.storedBytes.Add(float64(size))
	}
}

// SetQueueDepth 更新后台队列长度。
func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// RecordDropped 记录一次被丢弃的后台任务。
func (c *Collector) RecordDropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

// Registry 暴露底层 registry，供测试直接 Gather。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 Prometheus exposition handler。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
