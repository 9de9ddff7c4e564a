package monitor

import (
	"AdaptiveDet/pipeline"
	iface "AdaptiveDet/interface"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Metrics holds the pipeline and process collectors. It is also a Sink, so
// every report updates the latency gauges.
type Metrics struct {
	Frames        *prometheus.CounterVec
	StageLatency  *prometheus.GaugeVec
	StageDuration *prometheus.HistogramVec
	Interval      prometheus.Gauge
	Smoothed      prometheus.Gauge
	Requests      *prometheus.CounterVec

	memUsage prometheus.Gauge
	cpuUsage prometheus.Gauge
	reg      prometheus.Registerer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frames_total",
			Help: "Frames presented to sinks, by detection outcome",
		}, []string{"result"}),
		StageLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stage_latency_ms",
			Help: "Smoothed per-stage latency in milliseconds",
		}, []string{"stage"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stage_duration_ms",
			Help:    "Raw per-stage latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		Interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sampling_interval_ms",
			Help: "Current capture sampling interval in milliseconds",
		}),
		Smoothed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smoothed_latency_ms",
			Help: "Low-pass filtered bottleneck latency in milliseconds",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Requests served by the report surfaces",
		}, []string{"surface"}),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		reg: reg,
	}
	reg.MustRegister(m.Frames, m.StageLatency, m.StageDuration, m.Interval, m.Smoothed, m.Requests, m.memUsage, m.cpuUsage)
	return m
}

func (m *Metrics) Present(r iface.Report) error {
	result := "empty"
	if len(r.Boxes) > 0 {
		result = "detections"
	}
	m.Frames.WithLabelValues(result).Inc()
	for _, e := range r.Latency {
		m.StageDuration.WithLabelValues(e.Stage).Observe(e.Millis())
	}
	for _, e := range r.Smoothed {
		m.StageLatency.WithLabelValues(e.Stage).Set(e.Millis())
	}
	m.Interval.Set(ms(r.Sampling.CurrentInterval))
	m.Smoothed.Set(ms(r.Sampling.SmoothedLatency))
	return nil
}

// WatchPipeline exports the pipeline counters that never pass through a
// sink: sampled, failed and dropped frames.
func (m *Metrics) WatchPipeline(stats func() pipeline.Stats) {
	counter := func(name, help string, pick func(pipeline.Stats) uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(pick(stats())) })
	}
	m.reg.MustRegister(
		counter("frames_sampled_total", "Frames pulled from the source", func(s pipeline.Stats) uint64 { return s.Sampled }),
		counter("frames_failed_total", "Frames dropped by a per-frame error", func(s pipeline.Stats) uint64 { return s.Failed }),
		counter("frames_dropped_total", "Frames overwritten before they were sampled", func(s pipeline.Stats) uint64 { return s.Dropped }),
		counter("frames_missed_ticks_total", "Sampling instants skipped while busy", func(s pipeline.Stats) uint64 { return s.Missed }),
	)
}

func (m *Metrics) CheckProcessInfo(pid *process.Process) {
	memInfo, err := pid.MemoryInfo()
	if err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	cpuPercent, err := pid.CPUPercent()
	if err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// StartMon serves /metrics for gatherer on port and samples process usage
// until ctx is done.
func StartMon(ctx context.Context, port int, gatherer prometheus.Gatherer, m *Metrics, log *zap.Logger) error {
	pid, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("inspect own process: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus server stopped", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			m.CheckProcessInfo(pid)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
