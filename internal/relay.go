package internal

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"promrelay/internal/config"
	"promrelay/internal/core"
	"promrelay/internal/exporters"
	relay_io "promrelay/internal/io"
	"promrelay/internal/telemetry"
)

// Instance wires the registry, the runtime collector, and the configured
// reporter into one runnable agent.
type Instance struct {
	cfg       config.RelayConfig
	registry  *telemetry.Registry
	collector *core.RuntimeCollector
	reporter  telemetry.Reporter
	logger    *logrus.Logger
	logFile   *os.File
	logDir    string
}

// registrySource adapts the registry to the reporter boundary. The
// registry itself is total; the error return exists for sources that sit
// in front of remote or failable registries.
type registrySource struct {
	registry *telemetry.Registry
}

var _ exporters.MetricsSource = registrySource{}

func (rs registrySource) Snapshot() ([]telemetry.Metric, error) {
	return rs.registry.Snapshot(), nil
}

// taggedSource prepends the configured global tags to every metric in the
// snapshot. Used for the pull reporter, which has no tag hook of its own;
// push reporters attach global tags through SetGlobalTags instead.
type taggedSource struct {
	source exporters.MetricsSource
	tags   []telemetry.Tag
}

var _ exporters.MetricsSource = taggedSource{}

func (ts taggedSource) Snapshot() ([]telemetry.Metric, error) {
	metrics, err := ts.source.Snapshot()
	if err != nil {
		return nil, err
	}

	for i := range metrics {
		tagged := telemetry.NewTagSet(ts.tags...)
		metrics[i].Tags.All(func(key string, value string) bool {
			tagged.Set(key, value)
			return true
		})
		metrics[i].Tags = tagged
	}

	return metrics, nil
}

func (in *Instance) Run() {
	logger := in.logger

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	err := in.reporter.Start()
	if err != nil {
		// The host keeps running without metrics reporting.
		logger.Errorf("metrics reporting disabled: %v", err)
	}

	processInfo, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Errorf("error attaching to own process info: %v", err)
	} else {
		err = in.collector.Start(processInfo)
		if err != nil {
			logger.Errorf("error starting runtime collector: %v", err)
		}
	}

	sig := <-signalChan
	logger.Infof("received %v. shutting down...", sig)

	in.Shutdown()
}

func (in *Instance) Shutdown() {
	logger := in.logger

	err := in.collector.Shutdown()
	if err != nil {
		logger.Errorf("error shutting down runtime collector: %v", err)
	}

	err = in.reporter.Shutdown()
	if err != nil {
		logger.Errorf("error shutting down reporter: %v", err)
	}

	in.collector.Wait()
	in.reporter.Wait()

	err = in.reporter.Release()
	if err != nil {
		logger.Errorf("error releasing reporter: %v", err)
	}

	logger.Info("promrelay shutdown complete. goodbye!")

	if in.logFile != nil {
		err = in.logFile.Close()
		if err != nil {
			logger.Errorf("error closing log file: %v", err)
		}
	}
}

func NewInstance(cfgFilePath string, logDir string) (*Instance, error) {
	logger, logFile, err := relay_io.CreateLogger(logDir, "promrelay.log")
	if err != nil {
		return nil, fmt.Errorf("error creating logger: %v", err)
	}

	cfg, err := getConfig(cfgFilePath)
	if err != nil {
		return nil, fmt.Errorf("error getting promrelay config: %v", err)
	}

	registry := telemetry.NewRegistry()
	collector, err := core.NewRuntimeCollector(registry, &cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating runtime collector: %v", err)
	}

	reporter, err := newReporter(&cfg, registry, collector, logDir)
	if err != nil {
		return nil, fmt.Errorf("error creating reporter: %v", err)
	}

	return &Instance{
		cfg:       cfg,
		registry:  registry,
		collector: collector,
		reporter:  reporter,
		logger:    logger,
		logFile:   logFile,
		logDir:    logDir,
	}, nil
}

func getConfig(path string) (config.RelayConfig, error) {
	if path == "" {
		return config.GetDefaultConfig(), nil
	}

	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return config.RelayConfig{}, fmt.Errorf("error loading config file: %v", err)
	}

	cfg, err := config.ReadRelayConfig(fileBytes)
	if err != nil {
		return config.RelayConfig{}, fmt.Errorf("error parsing promrelay config: %v", err)
	}

	return cfg, nil
}

// Config tag maps have no inherent order; sorting keeps reporter output
// stable across runs.
func globalTags(cfg *config.RelayConfig) []telemetry.Tag {
	keys := make([]string, 0, len(cfg.Tags))
	for key := range cfg.Tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	tags := make([]telemetry.Tag, 0, len(keys)+1)
	if cfg.Project != "" {
		tags = append(tags, telemetry.NewTag("project", cfg.Project))
	}
	for _, key := range keys {
		tags = append(tags, telemetry.NewTag(key, cfg.Tags[key]))
	}
	return tags
}

func newReporter(
	cfg *config.RelayConfig,
	registry *telemetry.Registry,
	collector *core.RuntimeCollector,
	logDir string,
) (telemetry.Reporter, error) {
	source := registrySource{registry: registry}
	tags := globalTags(cfg)

	switch cfg.Reporter {
	case "prometheus":
		reporter, err := exporters.NewPrometheusReporter(
			cfg.Prometheus,
			taggedSource{source: source, tags: tags},
			logDir,
		)
		if err != nil {
			return nil, fmt.Errorf("error creating Prometheus reporter: %v", err)
		}
		reporter.ObserveScrapes(collector.ScrapeDistribution())
		return reporter, nil
	case "opentelemetry":
		reporter, err := exporters.NewOTelReporter(cfg.OpenTelemetry, cfg.Project, source, 0, logDir)
		if err != nil {
			return nil, fmt.Errorf("error creating OpenTelemetry reporter: %v", err)
		}
		reporter.SetGlobalTags(tags...)
		return reporter, nil
	case "datadog":
		datadogCtx := exporters.GetDatadogContext(cfg.Datadog)
		reporter, err := exporters.NewDatadogReporter(datadogCtx, cfg.Datadog, source, logDir)
		if err != nil {
			return nil, fmt.Errorf("error creating Datadog reporter: %v", err)
		}
		reporter.SetGlobalTags(tags...)
		return reporter, nil
	}

	return nil, fmt.Errorf("invalid reporter: %v", cfg.Reporter)
}
