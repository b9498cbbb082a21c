package exporters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/sirupsen/logrus"

	"promrelay/internal/config"
	relay_io "promrelay/internal/io"
	"promrelay/internal/telemetry"
)

const defaultDatadogBatchSize = 100
const defaultDatadogPushInterval = 30 * time.Second

type metricsProcessor interface {
	setGlobalTags(tags ...telemetry.Tag)
	processBatch(batch []seriesPoint, wg *sync.WaitGroup, logger *logrus.Logger)
}

type metricsApiClient interface {
	SubmitMetrics(
		ctx context.Context,
		body datadogV2.MetricPayload,
		o ...datadogV2.SubmitMetricsOptionalParameters,
	) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// seriesPoint is one flattened reading bound for Datadog: scalar metrics
// map one-to-one, distribution windows fan out into derived stat and
// percentile points.
type seriesPoint struct {
	name      string
	timestamp int64
	value     float64
	tags      telemetry.TagSet
}

type defaultMetricsProcessor struct {
	metricsApiClient metricsApiClient
	datadogContext   context.Context
	globalTags       []telemetry.Tag
}

// DatadogReporter pushes registry snapshots to the Datadog metrics API on
// an interval, batching the flattened series points per submission.
type DatadogReporter struct {
	source       MetricsSource
	processor    metricsProcessor
	batchSize    int
	pushInterval time.Duration
	wg           *sync.WaitGroup
	internalWg   *sync.WaitGroup
	logger       *logrus.Logger
	logFile      *os.File

	incomingShutdown chan struct{}
	shutdownOnce     sync.Once

	mu      *sync.Mutex
	running bool
}

var _ metricsProcessor = &defaultMetricsProcessor{}
var _ telemetry.Reporter = &DatadogReporter{}

func (dmp *defaultMetricsProcessor) setGlobalTags(tags ...telemetry.Tag) {
	dmp.globalTags = tags
}

// TODO: This should be refactored to use a context.
func (dmp *defaultMetricsProcessor) processBatch(
	batch []seriesPoint,
	wg *sync.WaitGroup,
	logger *logrus.Logger,
) {
	defer wg.Done()

	timeseriesColl := getTimeseries(batch, dmp.globalTags)
	payload := datadogV2.NewMetricPayload(timeseriesColl)
	_, r, err := dmp.metricsApiClient.SubmitMetrics(dmp.datadogContext, *payload)
	if err != nil {
		logger.Errorf("error sending metrics batch to Datadog: %v", err)
	} else {
		logger.Infof("received %v response from Datadog", r.Status)
	}
}

func (dr *DatadogReporter) SetGlobalTags(tags ...telemetry.Tag) {
	dr.processor.setGlobalTags(tags...)
}

func (dr *DatadogReporter) Start() error {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if dr.running {
		return nil
	}

	dr.wg.Add(1)
	go dr.runPushLoop()

	dr.logger.Info("started Datadog reporter")
	dr.running = true
	return nil
}

// Idempotent and non-blocking. Use Wait() to block until shutdown is complete.
func (dr *DatadogReporter) Shutdown() error {
	dr.shutdownOnce.Do(func() {
		close(dr.incomingShutdown)
	})
	return nil
}

func (dr *DatadogReporter) Wait() {
	dr.wg.Wait()
}

func (dr *DatadogReporter) Release() error {
	if dr.logFile != nil {
		dr.logFile.Close()
		dr.logFile = nil
	}
	return nil
}

func (dr *DatadogReporter) runPushLoop() {
	ticker := time.NewTicker(dr.pushInterval)

	defer func() {
		ticker.Stop()
		dr.internalWg.Wait()
		dr.wg.Done()
	}()

	for {
		select {
		case <-dr.incomingShutdown:
			// Final push so the last readings are not lost.
			dr.push()
			return
		case <-ticker.C:
			dr.push()
		}
	}
}

func (dr *DatadogReporter) push() {
	metrics, err := dr.source.Snapshot()
	if err != nil {
		dr.logger.Errorf("error fetching metrics snapshot: %v", err)
		return
	}

	points := flattenSnapshot(metrics, time.Now().Unix())
	for len(points) > 0 {
		batch := points
		if len(batch) > dr.batchSize {
			batch = points[:dr.batchSize]
		}
		points = points[len(batch):]

		dr.internalWg.Add(1)
		go dr.processor.processBatch(batch, dr.internalWg, dr.logger)
	}
}

// flattenSnapshot turns a registry snapshot into Datadog series points.
// Scalars keep their metric name; window aggregates fan out into
// ".mean"/".max"/".min"/".stddev" points tagged with the window, and
// percentiles into ".quantile" points tagged with the percentile. Every
// derived point carries its own copy of the tags.
func flattenSnapshot(metrics []telemetry.Metric, timestamp int64) []seriesPoint {
	points := make([]seriesPoint, 0, len(metrics))
	for i := range metrics {
		metric := &metrics[i]
		points = append(points, seriesPoint{
			name:      metric.Name,
			timestamp: timestamp,
			value:     metric.Value.Float(),
			tags:      metric.Tags,
		})

		for j := range metric.Windows {
			window := &metric.Windows[j]
			windowTags := metric.Tags.Copy()
			windowTags.Set("timeWindow", window.WindowText())

			stats := []struct {
				suffix string
				value  float64
			}{
				{".mean", window.Mean},
				{".max", window.Max},
				{".min", window.Min},
				{".stddev", window.StdDev},
			}
			for _, stat := range stats {
				points = append(points, seriesPoint{
					name:      metric.Name + stat.suffix,
					timestamp: timestamp,
					value:     stat.value,
					tags:      windowTags,
				})
			}

			for _, pv := range window.Percentiles {
				quantileTags := metric.Tags.Copy()
				quantileTags.Set("quantile", strconv.FormatFloat(pv.Percentile, 'g', -1, 64))
				points = append(points, seriesPoint{
					name:      metric.Name + ".quantile",
					timestamp: timestamp,
					value:     pv.Value,
					tags:      quantileTags,
				})
			}
		}
	}

	return points
}

// Use GetDatadogContext to create a context with the Datadog API keys.
func NewDatadogReporter(
	datadogCtx context.Context,
	cfg *config.DatadogConfig,
	source MetricsSource,
	logDir string,
) (*DatadogReporter, error) {
	logger, logFile, err := relay_io.CreateLogger(logDir, "datadog.log")
	if err != nil {
		return nil, fmt.Errorf("error creating datadog logger: %v", err)
	}

	datadogCfg := datadog.NewConfiguration()
	if cfg.DisableCompression != nil {
		datadogCfg.Compress = !*cfg.DisableCompression
	}

	client := datadog.NewAPIClient(datadogCfg)
	metricsApi := datadogV2.NewMetricsApi(client)

	batchSize := defaultDatadogBatchSize
	if cfg.BatchSize != nil {
		batchSize = *cfg.BatchSize
	}
	pushInterval := defaultDatadogPushInterval
	if cfg.BatchTimeout != nil {
		pushInterval = time.Duration(*cfg.BatchTimeout) * time.Second
	}

	var wg sync.WaitGroup
	var internalWg sync.WaitGroup
	reporter := DatadogReporter{
		source: source,
		processor: &defaultMetricsProcessor{
			metricsApiClient: metricsApi,
			datadogContext:   datadogCtx,
		},
		batchSize:        batchSize,
		pushInterval:     pushInterval,
		wg:               &wg,
		internalWg:       &internalWg,
		logger:           logger,
		logFile:          logFile,
		incomingShutdown: make(chan struct{}),
		shutdownOnce:     sync.Once{},
		mu:               &sync.Mutex{},
	}

	return &reporter, nil
}

func GetDatadogContext(cfg *config.DatadogConfig) context.Context {
	ctx := context.WithValue(
		context.Background(),
		datadog.ContextAPIKeys,
		map[string]datadog.APIKey{
			"apiKeyAuth": {
				Key: cfg.ClientApiKey,
			},
			"appKeyAuth": {
				Key: cfg.ClientAppKey,
			},
		},
	)

	if cfg.Site != "" {
		ctx = context.WithValue(
			ctx,
			datadog.ContextServerVariables,
			map[string]string{
				"site": cfg.Site,
			},
		)
	}

	return ctx
}

func getTimeseries(batch []seriesPoint, globalTags []telemetry.Tag) []datadogV2.MetricSeries {
	groupedPoints := make(map[string][]seriesPoint)
	order := make([]string, 0, len(batch))
	for _, point := range batch {
		key := computeTimeseriesId(point)
		if _, ok := groupedPoints[key]; !ok {
			order = append(order, key)
		}
		groupedPoints[key] = append(groupedPoints[key], point)
	}

	timeseriesColl := make([]datadogV2.MetricSeries, 0, len(groupedPoints))
	for _, key := range order {
		points := groupedPoints[key]
		metricName := points[0].name
		metricTags := getTags(points[0])

		dataPoints := make([]datadogV2.MetricPoint, 0, len(points))
		for _, point := range points {
			dataPoints = append(dataPoints, datadogV2.MetricPoint{
				Timestamp: datadog.PtrInt64(point.timestamp),
				Value:     datadog.PtrFloat64(point.value),
			})
		}

		timeseries := datadogV2.NewMetricSeries(metricName, dataPoints)
		for _, tag := range globalTags {
			metricTags = append(metricTags, getTagString(tag.Key, tag.Value))
		}
		timeseries.SetTags(metricTags)
		timeseriesColl = append(timeseriesColl, *timeseries)
	}

	return timeseriesColl
}

// Timeseries identity is the name plus the sorted tag pairs. Sorting here
// is for identity only; exposition order elsewhere is never touched.
func computeTimeseriesId(point seriesPoint) string {
	pairs := make([]string, 0, point.tags.Len())
	point.tags.All(func(key string, value string) bool {
		pairs = append(pairs, key+"="+value)
		return true
	})
	sort.Strings(pairs)

	result := point.name + ";"
	for _, pair := range pairs {
		result += pair + ";"
	}

	hash := sha256.Sum256([]byte(result))
	return hex.EncodeToString(hash[:])
}

func getTagString(key string, value string) string {
	return key + ":" + value
}

func getTags(point seriesPoint) []string {
	tags := []string{}
	point.tags.All(func(key string, value string) bool {
		tags = append(tags, getTagString(key, value))
		return true
	})
	return tags
}
