package core

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"promrelay/internal/config"
	"promrelay/internal/telemetry"
)

const defaultPollingInterval = 5 * time.Second
const scrapeWindow = 60 * time.Second

var scrapePercentiles = []float64{0.5, 0.95, 0.99}

type ProcessInfo interface {
	MemoryInfo() (*process.MemoryInfoStat, error)
}

// RuntimeCollector polls process and Go runtime stats into the registry so
// every reporter gets them for free. It also owns the scrape-duration
// distribution the pull endpoint observes into.
type RuntimeCollector struct {
	rssGauge       *telemetry.GaugeInstrument
	heapGauge      *telemetry.GaugeInstrument
	goroutineGauge *telemetry.GaugeInstrument
	scrapes        *telemetry.Distribution

	pollingInterval time.Duration
	logger          *logrus.Logger

	incomingShutdown chan struct{}
	shutdownOnce     sync.Once
	wg               *sync.WaitGroup
}

func (rc *RuntimeCollector) Start(processInfo ProcessInfo) error {
	ticker := time.NewTicker(rc.pollingInterval)
	rc.wg.Add(1)
	go func() {
		defer func() {
			ticker.Stop()
			rc.wg.Done()
		}()

		for {
			select {
			case <-rc.incomingShutdown:
				return
			case <-ticker.C:
				rc.collect(processInfo)
			}
		}
	}()

	rc.logger.Info("runtime collector started")
	return nil
}

func (rc *RuntimeCollector) collect(processInfo ProcessInfo) {
	memoryInfo, err := processInfo.MemoryInfo()
	if err != nil {
		rc.logger.Errorf("failed to get memory info: %v", err)
	} else {
		rc.rssGauge.SetInt(int64(memoryInfo.RSS))
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	rc.heapGauge.SetInt(int64(memStats.HeapAlloc))
	rc.goroutineGauge.SetInt(int64(runtime.NumGoroutine()))
}

// Idempotent and non-blocking. Use Wait() to block until shutdown is complete.
func (rc *RuntimeCollector) Shutdown() error {
	rc.shutdownOnce.Do(func() {
		close(rc.incomingShutdown)
	})

	return nil
}

func (rc *RuntimeCollector) Wait() {
	rc.wg.Wait()
	rc.logger.Info("runtime collector shutdown complete")
}

// ScrapeDistribution returns the distribution scrape durations feed into.
func (rc *RuntimeCollector) ScrapeDistribution() *telemetry.Distribution {
	return rc.scrapes
}

func NewRuntimeCollector(
	registry *telemetry.Registry,
	cfg *config.RelayConfig,
	logger *logrus.Logger,
) (*RuntimeCollector, error) {
	pollingInterval := defaultPollingInterval
	if cfg.PollingInterval != nil {
		pollingInterval = time.Duration(*cfg.PollingInterval) * time.Second
	}

	rssGauge, err := registry.NewGauge("process.rss", "Resident set size of the process in bytes")
	if err != nil {
		return nil, fmt.Errorf("error registering rss gauge: %v", err)
	}

	heapGauge, err := registry.NewGauge("process.heap_alloc", "Bytes of allocated heap objects")
	if err != nil {
		return nil, fmt.Errorf("error registering heap gauge: %v", err)
	}

	goroutineGauge, err := registry.NewGauge("process.goroutines", "Number of live goroutines")
	if err != nil {
		return nil, fmt.Errorf("error registering goroutine gauge: %v", err)
	}

	scrapes, err := registry.NewDistribution(
		"promrelay.scrape.duration",
		"Time spent serving metric scrapes in seconds",
		scrapeWindow,
		scrapePercentiles,
	)
	if err != nil {
		return nil, fmt.Errorf("error registering scrape distribution: %v", err)
	}

	return &RuntimeCollector{
		rssGauge:         rssGauge,
		heapGauge:        heapGauge,
		goroutineGauge:   goroutineGauge,
		scrapes:          scrapes,
		pollingInterval:  pollingInterval,
		logger:           logger,
		incomingShutdown: make(chan struct{}),
		shutdownOnce:     sync.Once{},
		wg:               &sync.WaitGroup{},
	}, nil
}
