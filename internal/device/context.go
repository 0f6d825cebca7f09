package device

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-kvkernel/internal/logger"
	"github.com/23skdu/longbow-kvkernel/internal/metrics"
)

// DeviceInfo describes the probed compute device.
type DeviceInfo struct {
	Brand        string
	Vendor       string
	Arch         string
	LogicalCores int
	Features     []string
}

// Name is the human readable identifier reported by DeviceName.
func (d DeviceInfo) Name() string {
	return fmt.Sprintf("%s (%d threads)", d.Brand, d.LogicalCores)
}

// Prober acquires a device. It is called at most once per successful Init.
type Prober interface {
	Probe() (DeviceInfo, error)
}

// CPUProber uses the host CPU as the compute device. Require lists cpuid
// feature names (AVX2, FMA3, ASIMD, ...) the device must support.
type CPUProber struct {
	Require []string
}

func (p CPUProber) Probe() (DeviceInfo, error) {
	const op = "device_init"

	info := DeviceInfo{
		Brand:        strings.TrimSpace(cpuid.CPU.BrandName),
		Vendor:       cpuid.CPU.VendorString,
		Arch:         runtime.GOARCH,
		LogicalCores: cpuid.CPU.LogicalCores,
		Features:     cpuid.CPU.FeatureSet(),
	}
	// cpuid reports nothing useful on some non-x86 hosts.
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	if info.Brand == "" {
		info.Brand = runtime.GOARCH + " cpu"
	}
	if info.LogicalCores <= 0 {
		return info, NewError(op, KindNoDevice, "no logical cores reported")
	}

	for _, name := range p.Require {
		id := cpuid.ParseFeature(strings.ToUpper(strings.TrimSpace(name)))
		if id == cpuid.UNKNOWN {
			return info, NewError(op, KindNoDevice, "unknown required feature %q", name)
		}
		if !cpuid.CPU.Supports(id) {
			return info, NewError(op, KindNoDevice, "device %q lacks required feature %s", info.Brand, id)
		}
	}
	return info, nil
}

// Context is the compute device handle. It must be initialized once before
// any kernel runs; all kernels are stateless with respect to it.
type Context struct {
	prober Prober
	group  singleflight.Group
	ready  atomic.Bool

	// written once under group before ready is set
	info DeviceInfo
	id   string
}

func NewContext(p Prober) *Context {
	if p == nil {
		p = CPUProber{}
	}
	return &Context{prober: p}
}

// log is resolved per call so the process-wide context follows a later
// logger.Setup.
func (c *Context) log() *logger.Logger {
	return logger.Log.With("device")
}

var defaultContext = NewContext(CPUProber{})

// Default returns the process-wide device context.
func Default() *Context {
	return defaultContext
}

// Init probes the device. It is idempotent: after a success further calls
// return nil without probing. Concurrent first calls share one probe and
// observe the same result. A failed probe leaves the context uninitialized.
func (c *Context) Init() error {
	if c.ready.Load() {
		return nil
	}
	_, err, _ := c.group.Do("init", func() (interface{}, error) {
		if c.ready.Load() {
			return nil, nil
		}
		info, err := c.prober.Probe()
		metrics.RecordDeviceInit(err == nil)
		if err != nil {
			c.log().Warn("Device probe failed", "err", err)
			return nil, err
		}
		c.info = info
		c.id = uuid.NewString()
		c.ready.Store(true)
		c.log().Info("Device initialized",
			"name", info.Name(),
			"vendor", info.Vendor,
			"arch", info.Arch,
			"id", c.id)
		return nil, nil
	})
	return err
}

func (c *Context) Ready() bool {
	return c.ready.Load()
}

// DeviceName is empty until Init succeeds.
func (c *Context) DeviceName() string {
	if !c.ready.Load() {
		return ""
	}
	return c.info.Name()
}

func (c *Context) Info() DeviceInfo {
	if !c.ready.Load() {
		return DeviceInfo{}
	}
	return c.info
}

// ID is a per-process identifier assigned at Init, used to correlate logs.
func (c *Context) ID() string {
	if !c.ready.Load() {
		return ""
	}
	return c.id
}

// NumThreads reports the parallelism available to kernels.
func (c *Context) NumThreads() int {
	if !c.ready.Load() {
		return 0
	}
	return c.info.LogicalCores
}

// Require fails with KindUninitialized until Init has succeeded.
func (c *Context) Require(op string) error {
	if !c.ready.Load() {
		return reject(op, NewError(op, KindUninitialized, "device not initialized"))
	}
	return nil
}
