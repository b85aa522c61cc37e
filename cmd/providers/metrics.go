package providers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	prometheusmetrics "github.com/deathowl/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/viper"
	"go.od2.network/aiqueue/pkg/manager"
	otelprom "go.opentelemetry.io/otel/exporters/metric/prometheus"
	otel "go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Metrics config keys.
const (
	ConfMetricsListenNet  = "metrics.listen.net"
	ConfMetricsListenAddr = "metrics.listen.addr"
)

func init() {
	viper.SetDefault(ConfMetricsListenNet, "tcp")
	viper.SetDefault(ConfMetricsListenAddr, "localhost:9102")
}

// MetricsHandler serves the Prometheus exposition, set by SetupPrometheus.
var MetricsHandler http.Handler

// GOMPrometheusSync specifies the time interval to sync go-metrics to Prometheus.
var GOMPrometheusSync = 5 * time.Second

// SetupPrometheus configures the OpenTelemetry and go-metrics Prometheus exporters.
// Returns the Prometheus exporter HTTP handler.
func SetupPrometheus() (http.Handler, error) {
	// Setup go-metrics Prometheus exporter.
	gomProvider := prometheusmetrics.NewPrometheusProvider(
		metrics.DefaultRegistry,
		"aiqueue", "",
		prometheus.DefaultRegisterer,
		GOMPrometheusSync)
	go gomProvider.UpdatePrometheusMetrics()
	// Set up OpenTelemetry Prometheus exporter.
	exporter, err := otelprom.NewExportPipeline(otelprom.Config{
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenTelemetry Prometheus exporter: %w", err)
	}
	otel.SetMeterProvider(exporter.MeterProvider())
	MetricsHandler = exporter
	return exporter, nil
}

// NewMetricsRegistry returns the go-metrics registry exported to Prometheus.
func NewMetricsRegistry() metrics.Registry {
	return metrics.DefaultRegistry
}

// NewSizeGauge registers the queue size gauge.
func NewSizeGauge() (*prometheus.GaugeVec, error) {
	return manager.NewSizeGauge(prometheus.DefaultRegisterer)
}

// ServeMetrics exposes MetricsHandler at /metrics while the app runs.
// The listener is a TCP address or a unix socket path.
func ServeMetrics(log *zap.Logger, lc fx.Lifecycle) {
	if MetricsHandler == nil {
		log.Warn("Prometheus exporter not set up, not serving metrics")
		return
	}
	network := viper.GetString(ConfMetricsListenNet)
	address := viper.GetString(ConfMetricsListenAddr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler)
	server := &http.Server{Handler: mux}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sock, err := listen(network, address)
			if err != nil {
				return fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
			}
			log.Info("Serving metrics",
				zap.String(ConfMetricsListenNet, network),
				zap.String(ConfMetricsListenAddr, sock.Addr().String()))
			go func() {
				if err := server.Serve(sock); err != http.ErrServerClosed {
					log.Error("Metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}

// listen removes stale unix sockets before binding.
func listen(network, address string) (net.Listener, error) {
	if network != "unix" {
		return net.Listen(network, address)
	}
	stat, err := os.Stat(address)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	case stat.Mode()&os.ModeSocket == 0:
		return nil, fmt.Errorf("existing file is not a socket: %s", address)
	default:
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("failed to remove socket: %w", err)
		}
	}
	return net.Listen(network, address)
}
