package engine

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-kvkernel/internal/config"
	"github.com/23skdu/longbow-kvkernel/internal/device"
	"github.com/23skdu/longbow-kvkernel/internal/logger"
	"github.com/23skdu/longbow-kvkernel/internal/metrics"
)

// Handle identifies a live cache entry. The low 16 bits hold slot+1 and
// bits 16..30 the slot generation, so a handle is always positive and a
// handle to a freed slot never matches the slot's next occupant.
type Handle int32

// InvalidHandle is never returned by a successful Create.
const InvalidHandle Handle = 0

const (
	slotBits      = 16
	slotMask      = 1<<slotBits - 1
	maxGeneration = 1<<15 - 1
)

func makeHandle(slot int, gen uint16) Handle {
	return Handle(int32(gen)<<slotBits | int32(slot+1))
}

func (h Handle) split() (slot int, gen uint16, ok bool) {
	if h <= 0 {
		return 0, 0, false
	}
	s := int(h & slotMask)
	g := uint16(h >> slotBits)
	if s == 0 || g == 0 {
		return 0, 0, false
	}
	return s - 1, g, true
}

func (h Handle) String() string {
	slot, gen, ok := h.split()
	if !ok {
		return fmt.Sprintf("invalid(%d)", int32(h))
	}
	return fmt.Sprintf("%d@%d", slot, gen)
}

// entry is the storage for one sequence. Rows 0..length-1 of k and v are
// populated in append order.
type entry struct {
	capacity int
	dim      int
	length   int
	k        []float32
	v        []float32
}

func (e *entry) rowBytes() int64 {
	return 2 * int64(e.dim) * 4
}

func (e *entry) reservedBytes() int64 {
	return int64(e.capacity) * e.rowBytes()
}

type slot struct {
	gen   uint16
	entry *entry // nil when free
}

// EntryInfo is the shape and fill level of one entry.
type EntryInfo struct {
	Capacity int
	Dim      int
	Length   int
}

type StoreStats struct {
	LiveEntries   int
	MaxEntries    int
	ReservedBytes int64
	UsedBytes     int64
	MaxBytes      int64 // 0 = unlimited
	MaxEntryBytes int64
}

// Store owns every KV cache entry. The slot table is guarded by mu; entry
// contents are not, so operations on one handle must be serialized by the
// caller while distinct handles may be used concurrently.
type Store struct {
	mu    sync.RWMutex
	slots []slot
	free  []int

	maxEntries    int
	maxBytes      int64
	maxEntryBytes int64

	reserved atomic.Int64
	used     atomic.Int64
	live     atomic.Int64

	log *logger.Logger
}

func NewStore(cfg config.Config) *Store {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 || maxEntries > config.MaxHandleSlots {
		maxEntries = config.MaxHandleSlots
	}
	maxEntryBytes := cfg.MaxEntryBytes
	if maxEntryBytes <= 0 {
		maxEntryBytes = config.DefaultMaxEntryBytes
	}
	return &Store{
		maxEntries:    maxEntries,
		maxBytes:      cfg.MaxCacheBytes,
		maxEntryBytes: maxEntryBytes,
		log:           logger.Log.With("kv_store"),
	}
}

func (s *Store) reject(op string, err *device.KernelError) error {
	metrics.RecordKVEvent("reject")
	return device.Reject(op, err)
}

func (s *Store) publish() {
	metrics.RecordKVCacheStats(s.reserved.Load(), s.used.Load(), int(s.live.Load()))
}

// lookup resolves h to its live entry.
func (s *Store) lookup(op string, h Handle) (*entry, error) {
	idx, gen, ok := h.split()
	if !ok {
		return nil, s.reject(op, device.NewError(op, device.KindInvalidHandle, "malformed handle %d", int32(h)))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx >= len(s.slots) || s.slots[idx].entry == nil || s.slots[idx].gen != gen {
		return nil, s.reject(op, device.NewError(op, device.KindInvalidHandle, "handle %s is not live", h))
	}
	return s.slots[idx].entry, nil
}

// Create allocates an entry with room for capacity rows of width dim.
func (s *Store) Create(capacity, dim int) (Handle, error) {
	const op = "kv_create"
	if capacity <= 0 || dim <= 0 {
		return InvalidHandle, s.reject(op, device.NewError(op, device.KindInvalidArgument,
			"capacity and dim must be positive, got capacity=%d dim=%d", capacity, dim))
	}
	if capacity > math.MaxInt/dim || int64(capacity)*int64(dim) > (1<<62)/8 {
		return InvalidHandle, s.reject(op, device.NewError(op, device.KindAllocation,
			"capacity*dim overflows: %d*%d", capacity, dim))
	}
	e := &entry{capacity: capacity, dim: dim}
	need := e.reservedBytes()

	// The runtime cannot report an out-of-memory make, so every request is
	// bounded before allocating.
	if need > s.maxEntryBytes {
		return InvalidHandle, s.reject(op, device.NewError(op, device.KindAllocation,
			"%d bytes requested, entries are limited to %d", need, s.maxEntryBytes))
	}
	if s.maxBytes > 0 && s.reserved.Load()+need > s.maxBytes {
		return InvalidHandle, s.reject(op, device.NewError(op, device.KindAllocation,
			"%d bytes requested, %d of %d reserved", need, s.reserved.Load(), s.maxBytes))
	}

	e.k = make([]float32, capacity*dim)
	e.v = make([]float32, capacity*dim)

	s.mu.Lock()
	if s.maxBytes > 0 && s.reserved.Load()+need > s.maxBytes {
		s.mu.Unlock()
		return InvalidHandle, s.reject(op, device.NewError(op, device.KindAllocation,
			"%d bytes requested, %d of %d reserved", need, s.reserved.Load(), s.maxBytes))
	}
	var idx int
	switch {
	case len(s.free) > 0:
		idx = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
	case len(s.slots) < s.maxEntries:
		idx = len(s.slots)
		s.slots = append(s.slots, slot{gen: 1})
	default:
		s.mu.Unlock()
		return InvalidHandle, s.reject(op, device.NewError(op, device.KindAllocation,
			"all %d entries are live", s.maxEntries))
	}
	s.slots[idx].entry = e
	h := makeHandle(idx, s.slots[idx].gen)
	s.reserved.Add(need)
	s.live.Add(1)
	s.mu.Unlock()

	metrics.RecordKVEvent("create")
	s.publish()
	s.log.Debug("KV entry created", "handle", h.String(), "capacity", capacity, "dim", dim)
	return h, nil
}

// Append writes one row to the next free position. A failing call leaves
// the entry unchanged.
func (s *Store) Append(h Handle, k, v []float32, dim int) error {
	const op = "kv_append"
	e, err := s.lookup(op, h)
	if err != nil {
		return err
	}
	if dim != e.dim {
		return s.reject(op, device.NewError(op, device.KindDimMismatch, "dim %d, entry has %d", dim, e.dim))
	}
	if kerr := device.ValidateVector(op, "K", k, dim); kerr != nil {
		return s.reject(op, kerr)
	}
	if kerr := device.ValidateVector(op, "V", v, dim); kerr != nil {
		return s.reject(op, kerr)
	}
	if e.length == e.capacity {
		return s.reject(op, device.NewError(op, device.KindCapacityExhausted,
			"entry %s is full at %d rows", h, e.capacity))
	}

	off := e.length * dim
	copy(e.k[off:off+dim], k[:dim])
	copy(e.v[off:off+dim], v[:dim])
	e.length++

	s.used.Add(e.rowBytes())
	metrics.RecordKVEvent("append")
	s.publish()
	return nil
}

// rollback undoes the most recent Append on h.
func (s *Store) rollback(h Handle) {
	e, err := s.lookup("kv_rollback", h)
	if err != nil || e.length == 0 {
		return
	}
	e.length--
	s.used.Add(-e.rowBytes())
	s.publish()
}

// Free releases the entry. Its handle, and any copy of it, is invalid
// afterwards even once the slot is reused.
func (s *Store) Free(h Handle) error {
	const op = "kv_free"
	idx, gen, ok := h.split()
	if !ok {
		return s.reject(op, device.NewError(op, device.KindInvalidHandle, "malformed handle %d", int32(h)))
	}

	s.mu.Lock()
	if idx >= len(s.slots) || s.slots[idx].entry == nil || s.slots[idx].gen != gen {
		s.mu.Unlock()
		return s.reject(op, device.NewError(op, device.KindInvalidHandle, "handle %s is not live", h))
	}
	e := s.slots[idx].entry
	s.slots[idx].entry = nil
	s.slots[idx].gen++
	if s.slots[idx].gen > maxGeneration {
		s.slots[idx].gen = 1
	}
	s.free = append(s.free, idx)
	s.reserved.Add(-e.reservedBytes())
	s.used.Add(-int64(e.length) * e.rowBytes())
	s.live.Add(-1)
	s.mu.Unlock()

	metrics.RecordKVEvent("free")
	s.publish()
	s.log.Debug("KV entry freed", "handle", h.String(), "length", e.length)
	return nil
}

func (s *Store) Info(h Handle) (EntryInfo, error) {
	e, err := s.lookup("kv_info", h)
	if err != nil {
		return EntryInfo{}, err
	}
	return EntryInfo{Capacity: e.capacity, Dim: e.dim, Length: e.length}, nil
}

// history returns the populated rows of h.
func (s *Store) history(op string, h Handle) (keys, values []float32, length, dim int, err error) {
	e, err := s.lookup(op, h)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	n := e.length * e.dim
	return e.k[:n], e.v[:n], e.length, e.dim, nil
}

func (s *Store) Stats() StoreStats {
	return StoreStats{
		LiveEntries:   int(s.live.Load()),
		MaxEntries:    s.maxEntries,
		ReservedBytes: s.reserved.Load(),
		UsedBytes:     s.used.Load(),
		MaxBytes:      s.maxBytes,
		MaxEntryBytes: s.maxEntryBytes,
	}
}

// Live lists the handles of every live entry in slot order.
func (s *Store) Live() []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Handle, 0, s.live.Load())
	for i, sl := range s.slots {
		if sl.entry != nil {
			out = append(out, makeHandle(i, sl.gen))
		}
	}
	return out
}
