package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-kvkernel/internal/engine"
	"github.com/23skdu/longbow-kvkernel/internal/logger"
)

const (
	// cache usage above this fraction of the byte budget raises an alert
	cacheAlertRatio = 0.9

	maxAlerts      = 100
	maxPerfHistory = 1000
)

// Source is the engine state the monitor reports on.
type Source interface {
	Ready() bool
	DeviceName() string
	Stats() engine.StoreStats
}

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Device      DeviceInfo      `json:"device"`
	Cache       CacheInfo       `json:"cache"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type DeviceInfo struct {
	Ready bool   `json:"ready"`
	Name  string `json:"name"`
}

// CacheInfo mirrors engine.StoreStats
type CacheInfo struct {
	LiveEntries   int     `json:"live_entries"`
	MaxEntries    int     `json:"max_entries"`
	ReservedBytes int64   `json:"reserved_bytes"`
	UsedBytes     int64   `json:"used_bytes"`
	MaxBytes      int64   `json:"max_bytes"`
	UsagePct      float64 `json:"usage_pct"`
}

// PerformanceInfo summarizes recent decode steps
type PerformanceInfo struct {
	Steps           int       `json:"steps"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	FailureRate     float64   `json:"failure_rate"`
	LastStep        time.Time `json:"last_step"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // device, cache, decode
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PerfPoint is one recorded decode step
type PerfPoint struct {
	Timestamp time.Time
	Batch     int
	Failed    int
	Duration  time.Duration
}

// HealthMonitor serves health, status and Prometheus endpoints for an
// engine.
type HealthMonitor struct {
	src       Source
	version   string
	startTime time.Time
	log       *logger.Logger

	srvMu   sync.Mutex
	server  *http.Server
	stopped bool

	mu          sync.RWMutex
	alerts      []Alert
	lastStep    time.Time
	perfHistory []PerfPoint
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(src Source, version string) *HealthMonitor {
	return &HealthMonitor{
		src:       src,
		version:   version,
		startTime: time.Now(),
		log:       logger.Log.With("monitoring"),
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)

	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves until Stop is called. It returns nil after a clean Stop,
// including a Stop that happened before Start.
func (hm *HealthMonitor) Start(addr string) error {
	hm.srvMu.Lock()
	if hm.stopped {
		hm.srvMu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.server = srv
	hm.srvMu.Unlock()

	hm.log.Info("Health monitor starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and waits for open requests.
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.srvMu.Lock()
	hm.stopped = true
	srv := hm.server
	hm.srvMu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordStep records a decode step for the performance summary.
func (hm *HealthMonitor) RecordStep(batch, failed int, duration time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	point := PerfPoint{
		Timestamp: time.Now(),
		Batch:     batch,
		Failed:    failed,
		Duration:  duration,
	}
	hm.lastStep = point.Timestamp
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}

	if failed == batch && batch > 0 {
		hm.addAlertLocked("error", "decode", fmt.Sprintf("All %d sequences failed in a decode step", batch))
	}
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert resolves an alert
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) Alerts() []Alert {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	return alerts
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
		"device":    status.Device,
		"cache":     status.Cache,
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Alerts())
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Health status calculation

// Status evaluates the current health. The device must be ready and no
// unresolved critical alert may be open for the status to be healthy.
func (hm *HealthMonitor) Status() HealthStatus {
	dev := DeviceInfo{Ready: hm.src.Ready(), Name: hm.src.DeviceName()}
	cache := cacheInfo(hm.src.Stats())
	hm.checkCacheAlerts(cache)

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}
	if !dev.Ready {
		status = "unavailable"
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Device:      dev,
		Cache:       cache,
		Performance: hm.calculatePerformanceInfo(),
		Alerts:      alerts,
	}
}

func cacheInfo(st engine.StoreStats) CacheInfo {
	ci := CacheInfo{
		LiveEntries:   st.LiveEntries,
		MaxEntries:    st.MaxEntries,
		ReservedBytes: st.ReservedBytes,
		UsedBytes:     st.UsedBytes,
		MaxBytes:      st.MaxBytes,
	}
	if st.MaxBytes > 0 {
		ci.UsagePct = float64(st.ReservedBytes) / float64(st.MaxBytes) * 100
	}
	return ci
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

// calculatePerformanceInfo must be called with mu held.
func (hm *HealthMonitor) calculatePerformanceInfo() PerformanceInfo {
	info := PerformanceInfo{
		Steps:    len(hm.perfHistory),
		LastStep: hm.lastStep,
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var tokens, seqs, failed int
	var total time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		seqs += p.Batch
		failed += p.Failed
		tokens += p.Batch - p.Failed
		total += p.Duration
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	sort.Float64s(latencies)

	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95LatencyMs = latencies[p95]
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	if seqs > 0 {
		info.FailureRate = float64(failed) / float64(seqs)
	}
	return info
}

// checkCacheAlerts raises one alert per crossing of the usage threshold and
// resolves it once usage drops back.
func (hm *HealthMonitor) checkCacheAlerts(ci CacheInfo) {
	if ci.MaxBytes <= 0 {
		return
	}
	over := ci.UsagePct > cacheAlertRatio*100

	hm.mu.Lock()
	defer hm.mu.Unlock()
	open := -1
	for i, a := range hm.alerts {
		if a.Component == "cache" && !a.Resolved {
			open = i
		}
	}
	switch {
	case over && open < 0:
		hm.addAlertLocked("warning", "cache",
			fmt.Sprintf("KV cache reservation at %.1f%% of %d bytes", ci.UsagePct, ci.MaxBytes))
	case !over && open >= 0:
		now := time.Now()
		hm.alerts[open].Resolved = true
		hm.alerts[open].ResolvedAt = &now
	}
}
