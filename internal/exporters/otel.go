package exporters

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"

	"promrelay/internal/config"
	relay_io "promrelay/internal/io"
	"promrelay/internal/telemetry"
)

const (
	otlpHandshakeTimeout  = 7 * time.Second
	recordSnapshotTimeout = 4 * time.Second
	defaultPushInterval   = 30 * time.Second
)

// OTelReporter pushes registry snapshots over OTLP. On each interval it
// reads the registry and records gauges as-is and counters as deltas
// against the previous snapshot. Distribution windows have no OTLP
// representation and are skipped.
type OTelReporter struct {
	source        MetricsSource
	otelExporter  sdkmetric.Exporter
	resource      resource.Resource
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	gauges        map[string]metric.Float64Gauge
	counters      map[string]metric.Float64Counter
	lastCounts    map[string]float64
	globalTags    []telemetry.Tag
	pushInterval  time.Duration
	logger        *logrus.Logger
	logFile       *os.File

	incomingShutdown chan struct{}
	shutdownOnce     sync.Once
	wg               *sync.WaitGroup

	mu      *sync.Mutex
	running bool
}

var _ telemetry.Reporter = &OTelReporter{}
var _ sdkmetric.Exporter = &fileExporter{}

// A custom file exporter instead of stdoutmetric: stdoutmetric with
// DeltaTemporality writes an object for every reading period even when
// nothing was recorded. This one skips empty periods.
type fileExporter struct {
	file *os.File
}

func (or *OTelReporter) SetGlobalTags(tags ...telemetry.Tag) {
	or.globalTags = tags
}

func (or *OTelReporter) Start() error {
	or.mu.Lock()
	defer or.mu.Unlock()

	if or.running {
		return nil
	}

	meterProvider := newOTelMeterProvider(or.otelExporter, &or.resource)
	or.meterProvider = meterProvider
	or.meter = meterProvider.Meter("promrelay")

	or.wg.Add(1)
	go or.runPushLoop()

	or.logger.Info("started OTLP reporter")
	or.running = true
	return nil
}

// Idempotent and non-blocking. Use Wait() to block until shutdown is complete.
func (or *OTelReporter) Shutdown() error {
	or.shutdownOnce.Do(func() {
		close(or.incomingShutdown)
	})
	return nil
}

func (or *OTelReporter) Wait() {
	or.wg.Wait()
}

func (or *OTelReporter) Release() error {
	if or.logFile != nil {
		or.logFile.Close()
		or.logFile = nil
	}
	return nil
}

func (or *OTelReporter) runPushLoop() {
	ticker := time.NewTicker(or.pushInterval)
	defer func() {
		ticker.Stop()
		or.wg.Done()
	}()

	for {
		select {
		case <-or.incomingShutdown:
			// Final push so the last readings are not lost, then flush.
			or.push()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), otlpHandshakeTimeout)
			err := or.meterProvider.Shutdown(shutdownCtx)
			cancel()
			if err != nil {
				or.logger.Errorf("error shutting down meter provider: %v", err)
			}
			return
		case <-ticker.C:
			or.push()
		}
	}
}

func (or *OTelReporter) push() {
	metrics, err := or.source.Snapshot()
	if err != nil {
		or.logger.Errorf("error fetching metrics snapshot: %v", err)
		return
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), recordSnapshotTimeout)
	defer cancel()

	for i := range metrics {
		err := or.record(timeoutCtx, &metrics[i])
		if err != nil {
			or.logger.Errorf("error recording metric %q: %v", metrics[i].Name, err)
		}
	}
}

func (or *OTelReporter) record(ctx context.Context, m *telemetry.Metric) error {
	attrs := make([]attribute.KeyValue, 0, len(or.globalTags)+m.Tags.Len())
	for _, tag := range or.globalTags {
		attrs = append(attrs, attribute.String(tag.Key, tag.Value))
	}
	m.Tags.All(func(key string, value string) bool {
		attrs = append(attrs, attribute.String(key, value))
		return true
	})
	opts := metric.WithAttributes(attrs...)

	switch m.Kind {
	case telemetry.Counter:
		counter, ok := or.counters[m.Name]
		if !ok {
			var err error
			counter, err = or.meter.Float64Counter(
				m.Name,
				metric.WithDescription(m.Description),
			)
			if err != nil {
				return err
			}
			or.counters[m.Name] = counter
		}

		total := m.Value.Float()
		delta := total - or.lastCounts[m.Name]
		if delta < 0 {
			// Registry was replaced or reset; re-baseline.
			delta = total
		}
		or.lastCounts[m.Name] = total
		counter.Add(ctx, delta, opts)
	case telemetry.Gauge:
		gauge, ok := or.gauges[m.Name]
		if !ok {
			var err error
			gauge, err = or.meter.Float64Gauge(
				m.Name,
				metric.WithDescription(m.Description),
			)
			if err != nil {
				return err
			}
			or.gauges[m.Name] = gauge
		}

		gauge.Record(ctx, m.Value.Float(), opts)
	}

	return nil
}

// TODO: Honor the context?
func (e *fileExporter) Export(ctx context.Context, data *metricdata.ResourceMetrics) error {
	scopeMetrics := data.ScopeMetrics
	if len(scopeMetrics) == 0 {
		return nil
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = e.file.Write(jsonBytes)
	return err
}

func (e *fileExporter) Aggregation(instrumentKind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(instrumentKind)
}

func (e *fileExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.DeltaTemporality
}

func (e *fileExporter) ForceFlush(ctx context.Context) error {
	return nil
}

func (e *fileExporter) Shutdown(ctx context.Context) error {
	err := e.file.Close()
	if err != nil {
		return fmt.Errorf("error closing metrics file: %v", err)
	}

	return nil
}

// https://opentelemetry.io/docs/languages/go/getting-started/#initialize-the-opentelemetry-sdk
func NewOTelReporter(
	cfg *config.OpenTelemetryConfig,
	project string,
	source MetricsSource,
	pushInterval time.Duration,
	logDir string,
) (*OTelReporter, error) {
	logger, logFile, err := relay_io.CreateLogger(logDir, "otel.log")
	if err != nil {
		return nil, fmt.Errorf("error creating OTLP reporter logger: %v", err)
	}

	var metricExporter sdkmetric.Exporter
	switch cfg.Protocol {
	case "http":
		metricExporter, err = newOTLPMetricsHTTPExporter(cfg)
	case "grpc":
		metricExporter, err = newOTLPMetricsGRPCExporter(cfg)
	case "file":
		metricExporter, err = newFileExporter(cfg)
	}

	if err != nil {
		return nil, err
	}

	res, err := newResource(project)
	if err != nil {
		return nil, err
	}

	if pushInterval <= 0 {
		pushInterval = defaultPushInterval
	}

	var wg sync.WaitGroup
	return &OTelReporter{
		source:           source,
		resource:         *res,
		otelExporter:     metricExporter,
		gauges:           make(map[string]metric.Float64Gauge),
		counters:         make(map[string]metric.Float64Counter),
		lastCounts:       make(map[string]float64),
		pushInterval:     pushInterval,
		logger:           logger,
		logFile:          logFile,
		incomingShutdown: make(chan struct{}),
		shutdownOnce:     sync.Once{},
		wg:               &wg,
		mu:               &sync.Mutex{},
	}, nil
}

func newTLSConfig(cfg *config.TLSConfig) (*tls.Config, error) {
	tlsCfg := tls.Config{}

	tlsCfg.InsecureSkipVerify = cfg.InsecureSkipVerify
	if cfg.CAFile != "" {
		caPem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("error reading CA file: %v", err)
		}
		rootCAs := x509.NewCertPool()
		if !rootCAs.AppendCertsFromPEM(caPem) {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		tlsCfg.ClientCAs = rootCAs
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("error loading TLS cert/key pair: %v", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return &tlsCfg, nil
}

func newFileExporter(cfg *config.OpenTelemetryConfig) (*fileExporter, error) {
	path := filepath.Join(cfg.Directory, "promrelay_metrics.json")

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating metrics file: %v", err)
	}

	return &fileExporter{file: file}, nil
}

func newResource(project string) (*resource.Resource, error) {
	return resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(project),
			semconv.ServiceNamespace("promrelay"),
		),
	)
}

func newOTelMeterProvider(exporter sdkmetric.Exporter, res *resource.Resource) *sdkmetric.MeterProvider {
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(30*time.Second),
			),
		),
	)

	return meterProvider
}

func newOTLPMetricsGRPCExporter(cfg *config.OpenTelemetryConfig) (sdkmetric.Exporter, error) {
	options := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpointURL(cfg.MetricsEndpointURL),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	}

	tlsCfg, err := newTLSConfig(&cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("error generating TLS config: %v", err)
	}

	tlsCredential := credentials.NewTLS(tlsCfg)
	if !cfg.TLS.Insecure {
		options = append(options, otlpmetricgrpc.WithTLSCredentials(tlsCredential))
	} else {
		options = append(options, otlpmetricgrpc.WithInsecure())
	}

	if cfg.Timeout != nil {
		options = append(options, otlpmetricgrpc.WithTimeout(time.Duration(*cfg.Timeout)*time.Second))
	}

	if cfg.Compression != "" {
		options = append(options, otlpmetricgrpc.WithCompressor(cfg.Compression))
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), otlpHandshakeTimeout)
	defer cancel()
	metricExporter, err := otlpmetricgrpc.New(
		timeoutCtx,
		options...,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating OTLP gRPC metrics exporter: %v", err)
	}

	return metricExporter, nil
}

func newOTLPMetricsHTTPExporter(cfg *config.OpenTelemetryConfig) (sdkmetric.Exporter, error) {
	options := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpointURL(cfg.MetricsEndpointURL),
		otlpmetrichttp.WithHeaders(cfg.Headers),
	}

	tlsCfg, err := newTLSConfig(&cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("error generating TLS config: %v", err)
	}

	if !cfg.TLS.Insecure {
		options = append(options, otlpmetrichttp.WithTLSClientConfig(tlsCfg))
	} else {
		options = append(options, otlpmetrichttp.WithInsecure())
	}

	if cfg.Timeout != nil {
		options = append(options, otlpmetrichttp.WithTimeout(time.Duration(*cfg.Timeout)*time.Second))
	}

	if cfg.Compression != "" {
		// Only one option
		options = append(options, otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression))
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), otlpHandshakeTimeout)
	defer cancel()
	metricExporter, err := otlpmetrichttp.New(
		timeoutCtx,
		options...,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating OTLP HTTP metrics exporter: %v", err)
	}

	return metricExporter, nil
}
