// Package metrics Prometheus 指标集合，注册在独立的 Registry 上
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trading"

// Metrics 指标集合
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// gRPC
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec

	// 引擎事件：type = accepted/rejected/not_found/level_emptied
	EngineEventsTotal *prometheus.CounterVec

	// 快照发布
	SnapshotStoreTotal    *prometheus.CounterVec
	SnapshotStoreDuration *prometheus.HistogramVec

	// Kafka
	KafkaEventsDropped prometheus.Counter
	KafkaCommandsTotal *prometheus.CounterVec
	DeadLettersTotal   prometheus.Counter
}

// New 创建并注册指标
func New(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "grpc_requests_total",
			Help:      "Total gRPC requests",
		}, []string{"method", "code"}),
		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		EngineEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "engine_events_total",
			Help:      "Orderbook engine events by type and action",
		}, []string{"type", "action", "market"}),

		SnapshotStoreTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "snapshot_store_total",
			Help:      "Snapshot store writes by store and result",
		}, []string{"store", "result"}),
		SnapshotStoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "snapshot_store_duration_seconds",
			Help:      "Snapshot store write duration in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
		}, []string{"store"}),

		KafkaEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "kafka_events_dropped_total",
			Help:      "Events dropped because the kafka sink buffer was full or the breaker was open",
		}),
		KafkaCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "kafka_commands_total",
			Help:      "Commands consumed from kafka by result",
		}, []string{"result"}),
		DeadLettersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "dead_letters_total",
			Help:      "Commands routed to the dead letter topic",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.EngineEventsTotal,
		m.SnapshotStoreTotal,
		m.SnapshotStoreDuration,
		m.KafkaEventsDropped,
		m.KafkaCommandsTotal,
		m.DeadLettersTotal,
	)
	return m
}

// Registry 供测试或自定义 collector 使用
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterGaugeFunc 注册按需求值的 gauge，例如队列长度
func (m *Metrics) RegisterGaugeFunc(subsystem, name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) RecordGRPCRequest(method, code string, d time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) RecordSnapshotStore(store string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SnapshotStoreTotal.WithLabelValues(store, result).Inc()
	m.SnapshotStoreDuration.WithLabelValues(store).Observe(d.Seconds())
}

// Handler 暴露本 Registry 的 /metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartHTTPServer 在独立端口暴露指标，ctx 结束时关闭
func (m *Metrics) StartHTTPServer(ctx context.Context, port int, path string, logger *slog.Logger) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting prometheus http server", "addr", srv.Addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("prometheus http server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}
