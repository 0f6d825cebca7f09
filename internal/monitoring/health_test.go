package monitoring

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/23skdu/longbow-kvkernel/internal/engine"
)

type fakeSource struct {
	ready bool
	stats engine.StoreStats
}

func (f *fakeSource) Ready() bool              { return f.ready }
func (f *fakeSource) DeviceName() string       { return "Fake (1 threads)" }
func (f *fakeSource) Stats() engine.StoreStats { return f.stats }

func TestHealthEndpoint(t *testing.T) {
	src := &fakeSource{}
	hm := NewHealthMonitor(src, "test")
	srv := httptest.NewServer(hm.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before device init, got %d", resp.StatusCode)
	}

	src.ready = true
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("unexpected status %v", body["status"])
	}
}

func TestCacheUsageAlert(t *testing.T) {
	src := &fakeSource{ready: true, stats: engine.StoreStats{ReservedBytes: 95, MaxBytes: 100}}
	hm := NewHealthMonitor(src, "test")

	st := hm.Status()
	if len(st.Alerts) != 1 || st.Alerts[0].Component != "cache" {
		t.Fatalf("expected one cache alert, got %+v", st.Alerts)
	}
	if st.Cache.UsagePct != 95 {
		t.Errorf("usage = %v", st.Cache.UsagePct)
	}

	// no duplicate while still over the threshold
	hm.Status()
	if n := len(hm.Alerts()); n != 1 {
		t.Errorf("expected 1 alert, got %d", n)
	}

	src.stats.ReservedBytes = 10
	hm.Status()
	alerts := hm.Alerts()
	if !alerts[0].Resolved {
		t.Error("alert should resolve once usage drops")
	}
}

func TestRecordStepPerformance(t *testing.T) {
	hm := NewHealthMonitor(&fakeSource{ready: true}, "test")
	hm.RecordStep(4, 0, 100*time.Millisecond)
	hm.RecordStep(4, 2, 100*time.Millisecond)

	perf := hm.Status().Performance
	if perf.Steps != 2 {
		t.Errorf("steps = %d", perf.Steps)
	}
	if perf.TokensPerSecond < 29.9 || perf.TokensPerSecond > 30.1 {
		t.Errorf("tokens/s = %v, want 30", perf.TokensPerSecond)
	}
	if perf.FailureRate != 0.25 {
		t.Errorf("failure rate = %v", perf.FailureRate)
	}

	hm.RecordStep(2, 2, time.Millisecond)
	if st := hm.Status(); st.Status != "degraded" {
		t.Errorf("expected degraded after a fully failed step, got %s", st.Status)
	}
}

func TestMetricsAndAdminRoutes(t *testing.T) {
	hm := NewHealthMonitor(&fakeSource{ready: true}, "test")
	hm.AddAlert("info", "device", "hello")
	srv := httptest.NewServer(hm.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics returned %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/admin/clear-alerts")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/admin/clear-alerts", "application/json", strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(hm.Alerts()) != 0 {
		t.Error("alerts should be cleared")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestStartStop(t *testing.T) {
	hm := NewHealthMonitor(&fakeSource{ready: true}, "test")
	addr := freeAddr(t)
	done := make(chan error, 1)
	go func() { done <- hm.Start(addr) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := hm.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Errorf("Start returned %v after Stop", err)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("address still bound after Stop: %v", err)
	}
	l.Close()
}

func TestStopBeforeStart(t *testing.T) {
	hm := NewHealthMonitor(&fakeSource{ready: true}, "test")
	if err := hm.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := hm.Start(freeAddr(t)); err != nil {
		t.Errorf("Start after Stop should return nil, got %v", err)
	}
}
