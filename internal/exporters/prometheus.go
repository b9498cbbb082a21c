package exporters

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"promrelay/internal/config"
	relay_io "promrelay/internal/io"
	"promrelay/internal/telemetry"
)

const expositionContentType = "text/plain; version=0.0.4; charset=utf-8"
const scrapeShutdownTimeout = 5 * time.Second

// MetricsSource is the boundary to the host's metrics registry. A failed
// snapshot maps to a 5xx on the scrape, never to a crash.
type MetricsSource interface {
	Snapshot() ([]telemetry.Metric, error)
}

// ScrapeObserver receives the duration (in seconds) of each served scrape.
type ScrapeObserver interface {
	Observe(value float64)
}

// PrometheusReporter serves the registry snapshot in the Prometheus text
// exposition format on a pull endpoint.
type PrometheusReporter struct {
	source   MetricsSource
	server   *http.Server
	listener net.Listener
	scrapes  ScrapeObserver
	wg       *sync.WaitGroup
	logger   *logrus.Logger
	logFile  *os.File

	mu      *sync.Mutex
	running bool
}

var _ telemetry.Reporter = &PrometheusReporter{}

func NewPrometheusReporter(
	cfg *config.PrometheusConfig,
	source MetricsSource,
	logDir string,
) (*PrometheusReporter, error) {
	logger, logFile, err := relay_io.CreateLogger(logDir, "prometheus.log")
	if err != nil {
		return nil, fmt.Errorf("error creating prometheus reporter logger: %v", err)
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}

	var wg sync.WaitGroup
	reporter := PrometheusReporter{
		source:  source,
		wg:      &wg,
		logger:  logger,
		logFile: logFile,
		mu:      &sync.Mutex{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", reporter.handleScrape)
	reporter.server = &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}

	return &reporter, nil
}

// ObserveScrapes routes the duration of every served scrape into the given
// observer. Must be called before Start.
func (pr *PrometheusReporter) ObserveScrapes(observer ScrapeObserver) {
	pr.scrapes = observer
}

// Start binds the listener and begins serving scrapes. A bind failure is
// returned to the caller so the host can continue without metrics
// reporting.
func (pr *PrometheusReporter) Start() error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.running {
		return nil
	}

	listener, err := net.Listen("tcp", pr.server.Addr)
	if err != nil {
		return fmt.Errorf("error binding metrics endpoint on %v: %v", pr.server.Addr, err)
	}
	pr.listener = listener

	pr.wg.Add(1)
	go func() {
		defer pr.wg.Done()
		err := pr.server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			pr.logger.Errorf("metrics endpoint terminated: %v", err)
		}
	}()

	pr.logger.Infof("started Prometheus reporter on %v", pr.server.Addr)
	pr.running = true
	return nil
}

func (pr *PrometheusReporter) Shutdown() error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if !pr.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), scrapeShutdownTimeout)
	defer cancel()
	err := pr.server.Shutdown(ctx)
	if err != nil {
		pr.logger.Errorf("error shutting down metrics endpoint: %v", err)
	}

	pr.running = false
	return nil
}

func (pr *PrometheusReporter) Wait() {
	pr.wg.Wait()
}

func (pr *PrometheusReporter) Release() error {
	if pr.logFile != nil {
		pr.logFile.Close()
		pr.logFile = nil
	}
	return nil
}

func (pr *PrometheusReporter) handleScrape(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	started := time.Now()
	metrics, err := pr.source.Snapshot()
	if err != nil {
		pr.logger.Errorf("error fetching metrics snapshot: %v", err)
		http.Error(w, "failed to collect metrics snapshot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", expositionContentType)
	_, err = w.Write([]byte(RenderExposition(metrics)))
	if err != nil {
		// The scraper hung up or the connection broke. Local to this
		// request; log and move on.
		pr.logger.Errorf("error writing metrics response: %v", err)
	}

	if pr.scrapes != nil {
		pr.scrapes.Observe(time.Since(started).Seconds())
	}
}

// RenderExposition encodes a metrics snapshot into the Prometheus text
// exposition format. Metrics render in snapshot order; the input is never
// mutated, so concurrent scrapes over the same snapshot are safe.
func RenderExposition(metrics []telemetry.Metric) string {
	var sb strings.Builder
	for i := range metrics {
		renderMetric(&sb, &metrics[i])
	}
	return sb.String()
}

func renderMetric(sb *strings.Builder, metric *telemetry.Metric) {
	base := escapeIdentifier(metric.Name)
	reportingName := base + "_value"

	sb.WriteString(renderHelp(reportingName, metric.Description))
	sb.WriteString(renderType(reportingName, metric.Kind.String()))
	sb.WriteString(renderSample(reportingName, renderLabels(metric.Tags), metric.Value.String()))

	if metric.Summarized() {
		expandSummary(sb, base, metric)
		return
	}

	if metric.Kind == telemetry.Gauge && metric.Windows != nil {
		// A present-but-empty window list still contributes a blank
		// separator line. Kept for compatibility with existing
		// consumers of the format.
		sb.WriteByte('\n')
	}
}

// expandSummary renders the derived summary series for each window of a
// distribution-carrying gauge. Window stat lines carry a transient
// timeWindow tag; percentile lines carry quantile in its place. Each line
// renders from a fresh copy of the metric's tags, so nothing leaks into
// the caller's tag set.
func expandSummary(sb *strings.Builder, base string, metric *telemetry.Metric) {
	for i := range metric.Windows {
		window := &metric.Windows[i]
		windowText := window.WindowText()

		help := "A Summary of " + metric.Name + " for window of " + windowText
		sb.WriteString(renderHelp(base, help))
		sb.WriteString(renderType(base, "summary"))

		windowTags := metric.Tags.Copy()
		windowTags.Set("timeWindow", windowText)
		windowLabels := renderLabels(windowTags)

		sb.WriteString(renderSample(base+"_mean", windowLabels, formatFloat(window.Mean)))
		sb.WriteString(renderSample(base+"_max", windowLabels, formatFloat(window.Max)))
		sb.WriteString(renderSample(base+"_min", windowLabels, formatFloat(window.Min)))
		sb.WriteString(renderSample(base+"_stdDev", windowLabels, formatFloat(window.StdDev)))

		for _, pv := range window.Percentiles {
			quantileTags := metric.Tags.Copy()
			quantileTags.Set("quantile", formatFloat(pv.Percentile))
			sb.WriteString(renderSample(base, renderLabels(quantileTags), formatFloat(pv.Value)))
		}
	}
}

func renderHelp(name string, description string) string {
	if description == "" {
		return ""
	}
	return "# HELP " + name + " " + description + "\n"
}

func renderType(name string, kind string) string {
	return "# TYPE " + name + " " + kind + "\n"
}

func renderSample(name string, labels string, value string) string {
	return name + labels + " " + value + "\n"
}

// renderLabels renders an ordered tag set as a {k="v",...} fragment, or ""
// when empty. Keys take the identifier character set, values the wider
// label-value set, so no quote escaping is needed beyond the wrapping
// double quotes.
func renderLabels(tags telemetry.TagSet) string {
	if tags.Len() == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	tags.All(func(key string, value string) bool {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(escapeIdentifier(key))
		sb.WriteString(`="`)
		sb.WriteString(escapeLabelValue(value))
		sb.WriteByte('"')
		return true
	})
	sb.WriteByte('}')
	return sb.String()
}

// escapeIdentifier rewrites every character outside [a-zA-Z0-9:_] to '_'.
// Applied to metric names and label keys.
func escapeIdentifier(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == ':' || r == '_':
			return r
		}
		return '_'
	}, s)
}

// escapeLabelValue rewrites every character outside [a-zA-Z0-9/.:_* ] to
// '_'. Wider than the identifier set: label values may carry slashes,
// dots, stars, and spaces.
func escapeLabelValue(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '/' || r == '.' || r == ':' || r == '_' || r == '*' || r == ' ':
			return r
		}
		return '_'
	}, s)
}

func formatFloat(v float64) string {
	return telemetry.FloatValue(v).String()
}
