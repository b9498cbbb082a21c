package exporters

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"promrelay/internal/config"
	"promrelay/internal/telemetry"
	"promrelay/internal/testutil"
)

type mockMetricsSource struct {
	metrics       []telemetry.Metric
	snapshotErr   error
	snapshotCalls int
}

type mockScrapeObserver struct {
	observations []float64
}

var _ MetricsSource = &mockMetricsSource{}
var _ ScrapeObserver = &mockScrapeObserver{}

func (m *mockMetricsSource) Snapshot() ([]telemetry.Metric, error) {
	m.snapshotCalls++
	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}
	return m.metrics, nil
}

func (m *mockScrapeObserver) Observe(value float64) {
	m.observations = append(m.observations, value)
}

func TestEscapeIdentifier(t *testing.T) {
	type testCase struct {
		name     string
		in       string
		expected string
	}

	testCases := []testCase{
		{name: "clean identifier", in: "http_requests", expected: "http_requests"},
		{name: "dots and bangs", in: "req.count!", expected: "req_count_"},
		{name: "colons kept", in: "ns:metric", expected: "ns:metric"},
		{name: "spaces rewritten", in: "a b c", expected: "a_b_c"},
		{name: "empty", in: "", expected: ""},
		{name: "slash not allowed", in: "a/b", expected: "a_b"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := escapeIdentifier(tc.in)
			if got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}

	t.Run("output always matches identifier grammar", func(t *testing.T) {
		identifierPattern := regexp.MustCompile(`^[a-zA-Z0-9:_]*$`)
		inputs := []string{
			"req.count!", "héllo wörld", "a{b}c", `quote"quote`, "tab\tnewline\n", "ドメイン",
		}
		for _, in := range inputs {
			got := escapeIdentifier(in)
			if !identifierPattern.MatchString(got) {
				t.Errorf("escapeIdentifier(%q) = %q, which breaks the identifier grammar", in, got)
			}
			if len([]rune(got)) != len([]rune(in)) {
				t.Errorf("escapeIdentifier(%q) changed rune length: got %q", in, got)
			}
		}
	})
}

func TestEscapeLabelValue(t *testing.T) {
	type testCase struct {
		name     string
		in       string
		expected string
	}

	testCases := []testCase{
		{name: "wider class kept", in: "/api/v1/users/*.json: ok", expected: "/api/v1/users/*.json: ok"},
		{name: "quotes rewritten", in: `say "hi"`, expected: "say _hi_"},
		{name: "braces rewritten", in: "{a=b}", expected: "_a_b_"},
		{name: "newline rewritten", in: "line1\nline2", expected: "line1_line2"},
		{name: "empty", in: "", expected: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := escapeLabelValue(tc.in)
			if got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}

	t.Run("output always matches label value grammar", func(t *testing.T) {
		valuePattern := regexp.MustCompile(`^[a-zA-Z0-9/.:_* ]*$`)
		inputs := []string{
			`back\slash`, "comma,comma", "équité", "a=b", "\x00\x7f",
		}
		for _, in := range inputs {
			got := escapeLabelValue(in)
			if !valuePattern.MatchString(got) {
				t.Errorf("escapeLabelValue(%q) = %q, which breaks the label value grammar", in, got)
			}
			if len([]rune(got)) != len([]rune(in)) {
				t.Errorf("escapeLabelValue(%q) changed rune length: got %q", in, got)
			}
		}
	})
}

func TestRenderLabels(t *testing.T) {
	t.Run("empty tag set renders nothing", func(t *testing.T) {
		got := renderLabels(telemetry.NewTagSet())
		if got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})

	t.Run("single tag", func(t *testing.T) {
		got := renderLabels(telemetry.NewTagSet(telemetry.NewTag("a", "1")))
		if got != `{a="1"}` {
			t.Errorf("expected %q, got %q", `{a="1"}`, got)
		}
	})

	t.Run("insertion order preserved, no trailing comma", func(t *testing.T) {
		tags := telemetry.NewTagSet(
			telemetry.NewTag("zebra", "1"),
			telemetry.NewTag("alpha", "2"),
			telemetry.NewTag("mike", "3"),
		)
		got := renderLabels(tags)
		expected := `{zebra="1",alpha="2",mike="3"}`
		if got != expected {
			t.Errorf("expected %q, got %q", expected, got)
		}
	})

	t.Run("keys and values escaped with their own rules", func(t *testing.T) {
		tags := telemetry.NewTagSet(telemetry.NewTag("http.path", "/api/v1?q=1"))
		got := renderLabels(tags)
		expected := `{http_path="/api/v1_q_1"}`
		if got != expected {
			t.Errorf("expected %q, got %q", expected, got)
		}
	})
}

func TestRenderExposition(t *testing.T) {
	t.Run("gauge with tags", func(t *testing.T) {
		metric := telemetry.Metric{
			Name:        "http_requests",
			Description: "count",
			Kind:        telemetry.Gauge,
			Tags:        telemetry.NewTagSet(telemetry.NewTag("method", "GET")),
			Value:       telemetry.IntValue(10),
		}

		got := RenderExposition([]telemetry.Metric{metric})
		expected := "# HELP http_requests_value count\n" +
			"# TYPE http_requests_value gauge\n" +
			"http_requests_value{method=\"GET\"} 10.0\n"
		if got != expected {
			t.Errorf("expected:\n%s\ngot:\n%s", expected, got)
		}
	})

	t.Run("help line omitted without description", func(t *testing.T) {
		metric := telemetry.Metric{
			Name:  "errors",
			Kind:  telemetry.Counter,
			Value: telemetry.IntValue(0),
		}

		got := RenderExposition([]telemetry.Metric{metric})
		expected := "# TYPE errors_value counter\nerrors_value 0.0\n"
		if got != expected {
			t.Errorf("expected:\n%s\ngot:\n%s", expected, got)
		}
	})

	t.Run("floating values render without suffix", func(t *testing.T) {
		metric := telemetry.Metric{
			Name:  "load",
			Kind:  telemetry.Gauge,
			Value: telemetry.FloatValue(5.5),
		}

		got := RenderExposition([]telemetry.Metric{metric})
		if !strings.Contains(got, "load_value 5.5\n") {
			t.Errorf("expected a 'load_value 5.5' sample, got:\n%s", got)
		}
	})

	t.Run("metric name escaped once for base and derived series", func(t *testing.T) {
		metric := telemetry.Metric{
			Name:  "req.count!",
			Kind:  telemetry.Counter,
			Value: telemetry.IntValue(7),
		}

		got := RenderExposition([]telemetry.Metric{metric})
		if !strings.Contains(got, "req_count__value 7.0\n") {
			t.Errorf("expected escaped name 'req_count__value', got:\n%s", got)
		}
	})

	t.Run("snapshot order preserved", func(t *testing.T) {
		metrics := []telemetry.Metric{
			{Name: "zzz", Kind: telemetry.Gauge, Value: telemetry.IntValue(1)},
			{Name: "aaa", Kind: telemetry.Gauge, Value: telemetry.IntValue(2)},
		}

		got := RenderExposition(metrics)
		if strings.Index(got, "zzz_value") > strings.Index(got, "aaa_value") {
			t.Errorf("expected registry order to be preserved, got:\n%s", got)
		}
	})

	t.Run("rendering is idempotent", func(t *testing.T) {
		metrics := []telemetry.Metric{summaryMetric()}
		first := RenderExposition(metrics)
		second := RenderExposition(metrics)
		if first != second {
			t.Errorf("expected byte-identical output across renders:\n%s\nvs:\n%s", first, second)
		}
	})
}

func summaryMetric() telemetry.Metric {
	return telemetry.Metric{
		Name:        "request_latency",
		Description: "latency",
		Kind:        telemetry.Gauge,
		Tags:        telemetry.NewTagSet(telemetry.NewTag("method", "GET")),
		Value:       telemetry.IntValue(3),
		Windows: []telemetry.WindowSnapshot{
			{
				Window: 60 * time.Second,
				Mean:   1.5,
				Max:    3.0,
				Min:    0.5,
				StdDev: 0.7,
				Percentiles: []telemetry.PercentileValue{
					{Percentile: 0.95, Value: 2.9},
				},
			},
		},
	}
}

func TestSummaryExpansion(t *testing.T) {
	t.Run("full expansion", func(t *testing.T) {
		got := RenderExposition([]telemetry.Metric{summaryMetric()})
		expected := "# HELP request_latency_value latency\n" +
			"# TYPE request_latency_value gauge\n" +
			"request_latency_value{method=\"GET\"} 3.0\n" +
			"# HELP request_latency A Summary of request_latency for window of 60s\n" +
			"# TYPE request_latency summary\n" +
			"request_latency_mean{method=\"GET\",timeWindow=\"60s\"} 1.5\n" +
			"request_latency_max{method=\"GET\",timeWindow=\"60s\"} 3\n" +
			"request_latency_min{method=\"GET\",timeWindow=\"60s\"} 0.5\n" +
			"request_latency_stdDev{method=\"GET\",timeWindow=\"60s\"} 0.7\n" +
			"request_latency{method=\"GET\",quantile=\"0.95\"} 2.9\n"
		if got != expected {
			t.Errorf("expected:\n%s\ngot:\n%s", expected, got)
		}
	})

	t.Run("no transient tags leak into the metric", func(t *testing.T) {
		metric := summaryMetric()
		before := renderLabels(metric.Tags)

		RenderExposition([]telemetry.Metric{metric})

		if _, ok := metric.Tags.Get("timeWindow"); ok {
			t.Errorf("timeWindow leaked into the metric's tag set")
		}
		if _, ok := metric.Tags.Get("quantile"); ok {
			t.Errorf("quantile leaked into the metric's tag set")
		}
		if after := renderLabels(metric.Tags); after != before {
			t.Errorf("tag set changed across a render: %q -> %q", before, after)
		}
	})

	t.Run("counter with windows does not expand", func(t *testing.T) {
		metric := summaryMetric()
		metric.Kind = telemetry.Counter

		got := RenderExposition([]telemetry.Metric{metric})
		if strings.Contains(got, "summary") {
			t.Errorf("expected no summary expansion for a counter, got:\n%s", got)
		}
	})

	t.Run("present but empty window list appends a bare newline", func(t *testing.T) {
		metric := telemetry.Metric{
			Name:    "idle",
			Kind:    telemetry.Gauge,
			Value:   telemetry.IntValue(0),
			Windows: []telemetry.WindowSnapshot{},
		}

		got := RenderExposition([]telemetry.Metric{metric})
		expected := "# TYPE idle_value gauge\nidle_value 0.0\n\n"
		if got != expected {
			t.Errorf("expected:\n%q\ngot:\n%q", expected, got)
		}
	})

	t.Run("nil window list appends nothing", func(t *testing.T) {
		metric := telemetry.Metric{
			Name:  "idle",
			Kind:  telemetry.Gauge,
			Value: telemetry.IntValue(0),
		}

		got := RenderExposition([]telemetry.Metric{metric})
		if strings.HasSuffix(got, "\n\n") {
			t.Errorf("expected no blank separator for a nil window list, got:\n%q", got)
		}
	})

	t.Run("window with nil percentiles renders stat lines only", func(t *testing.T) {
		metric := summaryMetric()
		metric.Windows[0].Percentiles = nil

		got := RenderExposition([]telemetry.Metric{metric})
		if !strings.Contains(got, "request_latency_stdDev") {
			t.Errorf("expected stat lines for a percentile-less window, got:\n%s", got)
		}
		if strings.Contains(got, "quantile") {
			t.Errorf("expected no percentile lines, got:\n%s", got)
		}
	})

	t.Run("multiple windows expand in order", func(t *testing.T) {
		metric := summaryMetric()
		second := metric.Windows[0]
		second.Window = 5 * time.Minute
		metric.Windows = append(metric.Windows, second)

		got := RenderExposition([]telemetry.Metric{metric})
		first := strings.Index(got, `timeWindow="60s"`)
		if first == -1 {
			t.Fatalf("expected a 60s window, got:\n%s", got)
		}
		next := strings.Index(got, `timeWindow="300s"`)
		if next == -1 {
			t.Fatalf("expected a 300s window, got:\n%s", got)
		}
		if next < first {
			t.Errorf("expected windows to expand in order, got:\n%s", got)
		}
	})
}

func TestPrometheusReporterScrape(t *testing.T) {
	newReporter := func(t *testing.T, source MetricsSource) *PrometheusReporter {
		t.Helper()
		cfg := config.PrometheusConfig{Host: "127.0.0.1", Port: 9095}
		reporter, err := NewPrometheusReporter(&cfg, source, "")
		if err != nil {
			t.Fatalf("expected no errors creating reporter, got '%v'", err)
		}
		return reporter
	}

	t.Run("serves the exposition", func(t *testing.T) {
		source := &mockMetricsSource{metrics: []telemetry.Metric{summaryMetric()}}
		reporter := newReporter(t, source)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		reporter.handleScrape(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %v", rec.Code)
		}
		if got := rec.Header().Get("Content-Type"); got != expositionContentType {
			t.Errorf("expected content type %q, got %q", expositionContentType, got)
		}
		if !strings.Contains(rec.Body.String(), "request_latency_value") {
			t.Errorf("expected the exposition body, got:\n%s", rec.Body.String())
		}
		if source.snapshotCalls != 1 {
			t.Errorf("expected one snapshot per scrape, got %v", source.snapshotCalls)
		}
	})

	t.Run("snapshot failure maps to 500", func(t *testing.T) {
		source := &mockMetricsSource{snapshotErr: fmt.Errorf("registry unavailable")}
		reporter := newReporter(t, source)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		reporter.handleScrape(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %v", rec.Code)
		}
	})

	t.Run("non-GET rejected", func(t *testing.T) {
		source := &mockMetricsSource{}
		reporter := newReporter(t, source)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
		reporter.handleScrape(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %v", rec.Code)
		}
		if source.snapshotCalls != 0 {
			t.Errorf("expected no snapshot for a rejected method, got %v", source.snapshotCalls)
		}
	})

	t.Run("scrape durations reach the observer", func(t *testing.T) {
		source := &mockMetricsSource{}
		observer := &mockScrapeObserver{}
		reporter := newReporter(t, source)
		reporter.ObserveScrapes(observer)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		reporter.handleScrape(rec, req)

		if len(observer.observations) != 1 {
			t.Fatalf("expected one observation, got %v", len(observer.observations))
		}
		if observer.observations[0] < 0 {
			t.Errorf("expected a non-negative duration, got %v", observer.observations[0])
		}
	})
}

func TestPrometheusReporterLifecycle(t *testing.T) {
	t.Run("start, scrape, shutdown", func(t *testing.T) {
		source := &mockMetricsSource{metrics: []telemetry.Metric{
			{Name: "up", Kind: telemetry.Gauge, Value: telemetry.IntValue(1)},
		}}
		// Port 0 asks the kernel for an ephemeral port.
		cfg := config.PrometheusConfig{Host: "127.0.0.1", Port: 0}
		reporter, err := NewPrometheusReporter(&cfg, source, "")
		if err != nil {
			t.Fatalf("expected no errors creating reporter, got '%v'", err)
		}

		err = reporter.Start()
		if err != nil {
			t.Fatalf("expected no errors starting reporter, got '%v'", err)
		}

		resp, err := http.Get("http://" + reporter.listener.Addr().String() + "/metrics")
		if err != nil {
			t.Fatalf("expected a successful scrape, got '%v'", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %v", resp.StatusCode)
		}

		err = reporter.Shutdown()
		if err != nil {
			t.Fatalf("expected no errors shutting down reporter, got '%v'", err)
		}

		testutil.AssertExitsBefore(t, "reporter wait", reporter.Wait, 3*time.Second)
	})

	t.Run("shutdown is idempotent", func(t *testing.T) {
		source := &mockMetricsSource{}
		cfg := config.PrometheusConfig{Host: "127.0.0.1", Port: 0}
		reporter, err := NewPrometheusReporter(&cfg, source, "")
		if err != nil {
			t.Fatalf("expected no errors creating reporter, got '%v'", err)
		}

		err = reporter.Start()
		if err != nil {
			t.Fatalf("expected no errors starting reporter, got '%v'", err)
		}

		if err := reporter.Shutdown(); err != nil {
			t.Fatalf("expected no errors on first shutdown, got '%v'", err)
		}
		if err := reporter.Shutdown(); err != nil {
			t.Fatalf("expected no errors on repeat shutdown, got '%v'", err)
		}
	})

	t.Run("bind failure is returned, not fatal", func(t *testing.T) {
		source := &mockMetricsSource{}
		cfg := config.PrometheusConfig{Host: "127.0.0.1", Port: 0}
		first, err := NewPrometheusReporter(&cfg, source, "")
		if err != nil {
			t.Fatalf("expected no errors creating reporter, got '%v'", err)
		}
		if err := first.Start(); err != nil {
			t.Fatalf("expected no errors starting first reporter, got '%v'", err)
		}
		defer func() {
			first.Shutdown()
			first.Wait()
		}()

		addr := first.listener.Addr().(*net.TCPAddr)
		cfg = config.PrometheusConfig{Host: "127.0.0.1", Port: addr.Port}
		second, err := NewPrometheusReporter(&cfg, source, "")
		if err != nil {
			t.Fatalf("expected no errors creating reporter, got '%v'", err)
		}

		if err := second.Start(); err == nil {
			t.Errorf("expected a bind error on an occupied port")
			second.Shutdown()
		}
	})
}
