package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kvkernel_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"kernel"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvkernel_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvkernel_validation_errors_total",
		Help: "Total number of rejected kernel calls",
	}, []string{"operation", "error_type"})

	DeviceInitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvkernel_device_init_total",
		Help: "Device probe attempts by outcome",
	}, []string{"outcome"})

	// KV cache store
	KVEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvkernel_kv_events_total",
		Help: "KV store events by action",
	}, []string{"action"}) // create|append|free|reject

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvkernel_kv_cache_capacity_bytes",
		Help: "Bytes reserved by live KV cache entries",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvkernel_kv_cache_used_bytes",
		Help: "Bytes holding appended K/V rows",
	})

	KVCacheLiveEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvkernel_kv_cache_live_entries",
		Help: "Number of live KV cache handles",
	})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvkernel_attention_context_length",
		Help:    "Distribution of cache lengths attended over",
		Buckets: []float64{1, 16, 64, 256, 1024, 2048, 4096, 8192, 16384, 32768},
	})

	// Decode orchestration
	DecodeSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvkernel_decode_steps_total",
		Help: "Decode steps executed",
	})

	DecodeBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvkernel_decode_batch_size",
		Help:    "Decode batch size",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	DecodeSequenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvkernel_decode_sequence_failures_total",
		Help: "Sequences that failed inside a decode step",
	})

	DecodeDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "kvkernel_decode_step_duration_seconds",
		Help: "Duration of decode steps",
	})
)

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordDeviceInit(ok bool) {
	if ok {
		DeviceInitTotal.WithLabelValues("success").Inc()
		return
	}
	DeviceInitTotal.WithLabelValues("failure").Inc()
}

func RecordKVEvent(action string) {
	KVEvents.WithLabelValues(action).Inc()
}

// RecordKVCacheStats records KV cache reservation, usage and live handle count
func RecordKVCacheStats(capacity, used int64, live int) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
	KVCacheLiveEntries.Set(float64(live))
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

// RecordDecodeStep records one batch step and how many of its sequences failed
func RecordDecodeStep(batch, failed int, duration time.Duration) {
	DecodeSteps.Inc()
	DecodeBatchSize.Observe(float64(batch))
	if failed > 0 {
		DecodeSequenceFailures.Add(float64(failed))
	}
	DecodeDuration.Observe(duration.Seconds())
}
