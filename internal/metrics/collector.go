package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WorkerStats are cumulative counters reported by a worker since it
// started. A respawned worker starts again from zero.
type WorkerStats struct {
	Road           string
	Frames         uint64
	BadFrames      uint64
	DetectorErrors uint64
}

// StatsSource lists the most recent stats of every road.
type StatsSource interface {
	WorkerStats() []WorkerStats
}

var (
	framesDesc = prometheus.NewDesc(
		namespace+"_worker_frames_total",
		"Frames processed by the road's current worker.",
		[]string{"road"}, nil)
	badFramesDesc = prometheus.NewDesc(
		namespace+"_worker_bad_frames_total",
		"Frames skipped by the road's current worker because they could not be decoded or processed.",
		[]string{"road"}, nil)
	detectorErrorsDesc = prometheus.NewDesc(
		namespace+"_worker_detector_errors_total",
		"Detector failures absorbed by the road's current worker.",
		[]string{"road"}, nil)
)

// StatsCollector exports counters that live in worker processes. Values
// are read from the source at scrape time.
type StatsCollector struct {
	Source StatsSource
}

var _ prometheus.Collector = new(StatsCollector)

func (*StatsCollector) Describe(descCh chan<- *prometheus.Desc) {
	descCh <- framesDesc
	descCh <- badFramesDesc
	descCh <- detectorErrorsDesc
}

func (c *StatsCollector) Collect(metricsCh chan<- prometheus.Metric) {
	for _, s := range c.Source.WorkerStats() {
		metricsCh <- prometheus.MustNewConstMetric(framesDesc, prometheus.CounterValue, float64(s.Frames), s.Road)
		metricsCh <- prometheus.MustNewConstMetric(badFramesDesc, prometheus.CounterValue, float64(s.BadFrames), s.Road)
		metricsCh <- prometheus.MustNewConstMetric(detectorErrorsDesc, prometheus.CounterValue, float64(s.DetectorErrors), s.Road)
	}
}
