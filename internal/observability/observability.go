// Package observability wires up the ambient logging, tracing, and metrics
// stack, mirroring the teacher's internal/observability package.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Metrics holds every Prometheus collector the server exposes on /metrics.
type Metrics struct {
	ActiveStreams     prometheus.Gauge
	SchedulerQueueLen *prometheus.GaugeVec
	CommandLatency    *prometheus.HistogramVec
	StoreLatency      *prometheus.HistogramVec
	BroadcastLatency  prometheus.Histogram
	CommandReject     *prometheus.CounterVec
	CatalogFallback   prometheus.Counter
	RoomsActive       prometheus.Gauge
}

// NewMetrics registers all collectors against the default registry, in the
// style of the teacher's promauto-based Metrics constructor.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "recreation_active_streams",
			Help: "Number of open SSE streams across all rooms.",
		}),
		SchedulerQueueLen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recreation_scheduler_queue_length",
			Help: "Pending messages in a room's scheduler queue.",
		}, []string{"room_id"}),
		CommandLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recreation_command_latency_seconds",
			Help:    "Latency of a dispatched game command.",
			Buckets: prometheus.DefBuckets,
		}, []string{"game", "command"}),
		StoreLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recreation_store_latency_seconds",
			Help:    "Latency of an ephemeral state store operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		BroadcastLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recreation_broadcast_latency_seconds",
			Help:    "Latency of fanning an event out to a room's subscribers.",
			Buckets: prometheus.DefBuckets,
		}),
		CommandReject: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recreation_command_reject_total",
			Help: "Commands rejected by kind.",
		}, []string{"kind"}),
		CatalogFallback: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recreation_catalog_fallback_total",
			Help: "Times the content catalog fell back to embedded seed data.",
		}),
		RoomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "recreation_rooms_active",
			Help: "Number of rooms currently tracked by the registry.",
		}),
	}
}

// SetupLogger builds a production zap logger, matching the teacher's
// observability.SetupLogger.
func SetupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// ZapToSlog adapts a zap.Logger to an slog.Handler so libraries that only
// accept the standard slog interface still flow through the same sink.
type ZapToSlog struct {
	l *zap.Logger
}

func NewZapToSlog(l *zap.Logger) *ZapToSlog { return &ZapToSlog{l: l} }

func (z *ZapToSlog) Enabled(context.Context, slog.Level) bool { return true }

func (z *ZapToSlog) Handle(_ context.Context, r slog.Record) error {
	fields := make([]zap.Field, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, zap.Any(a.Key, a.Value.Any()))
		return true
	})
	z.l.Info(r.Message, fields...)
	return nil
}

func (z *ZapToSlog) WithAttrs(attrs []slog.Attr) slog.Handler { return z }
func (z *ZapToSlog) WithGroup(name string) slog.Handler       { return z }

// SetupTracerProvider builds an OpenTelemetry tracer provider. When
// stdoutEnabled is false it still returns a usable, low-overhead provider
// with no exporter attached beyond the default sampler — spans are created
// but not printed, which keeps command handlers free of conditional tracing
// code.
func SetupTracerProvider(stdoutEnabled bool) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{}
	if stdoutEnabled {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}
