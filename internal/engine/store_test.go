package engine

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-kvkernel/internal/config"
	"github.com/23skdu/longbow-kvkernel/internal/device"
	"github.com/23skdu/longbow-kvkernel/internal/metrics"
)

func newTestStore(t *testing.T, mutate func(*config.Config)) *Store {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewStore(cfg)
}

func row(dim int, fill float32) []float32 {
	r := make([]float32, dim)
	for i := range r {
		r[i] = fill
	}
	return r
}

func TestHandleLayout(t *testing.T) {
	h := makeHandle(0, 1)
	assert.Greater(t, int32(h), int32(0))

	slot, gen, ok := h.split()
	require.True(t, ok)
	assert.Equal(t, 0, slot)
	assert.Equal(t, uint16(1), gen)

	top := makeHandle(config.MaxHandleSlots-1, maxGeneration)
	assert.Greater(t, int32(top), int32(0), "largest handle must stay positive")
	slot, gen, ok = top.split()
	require.True(t, ok)
	assert.Equal(t, config.MaxHandleSlots-1, slot)
	assert.Equal(t, uint16(maxGeneration), gen)

	for _, bad := range []Handle{InvalidHandle, -1, -65537, 1 << slotBits, 7} {
		_, _, ok := bad.split()
		assert.False(t, ok, "handle %d should be malformed", int32(bad))
	}
}

func TestCreateRejectsBadShape(t *testing.T) {
	s := newTestStore(t, nil)

	for _, tc := range []struct{ capacity, dim int }{{0, 3}, {4, 0}, {-1, 3}, {4, -8}} {
		h, err := s.Create(tc.capacity, tc.dim)
		assert.Equal(t, InvalidHandle, h)
		assert.ErrorIs(t, err, device.ErrInvalidArgument, "capacity=%d dim=%d", tc.capacity, tc.dim)
	}
	assert.Equal(t, 0, s.Stats().LiveEntries)
}

func TestCreateAllocationFailures(t *testing.T) {
	t.Run("overflow", func(t *testing.T) {
		s := newTestStore(t, nil)
		h, err := s.Create(1<<30, 1<<30)
		assert.Equal(t, InvalidHandle, h)
		assert.ErrorIs(t, err, device.ErrAllocation)
	})

	t.Run("entry ceiling under defaults", func(t *testing.T) {
		s := newTestStore(t, nil)
		h, err := s.Create(1<<20, 1<<20)
		assert.Equal(t, InvalidHandle, h)
		assert.ErrorIs(t, err, device.ErrAllocation)
		assert.Equal(t, int64(0), s.Stats().ReservedBytes)
	})

	t.Run("entry ceiling", func(t *testing.T) {
		// 4x4 needs 128 bytes
		s := newTestStore(t, func(c *config.Config) { c.MaxEntryBytes = 127 })
		_, err := s.Create(4, 4)
		assert.ErrorIs(t, err, device.ErrAllocation)

		s = newTestStore(t, func(c *config.Config) { c.MaxEntryBytes = 128 })
		_, err = s.Create(4, 4)
		assert.NoError(t, err)
	})

	t.Run("byte budget", func(t *testing.T) {
		// one entry of 4x4 takes 2*4*4*4 = 128 bytes
		s := newTestStore(t, func(c *config.Config) { c.MaxCacheBytes = 200 })
		h, err := s.Create(4, 4)
		require.NoError(t, err)

		_, err = s.Create(4, 4)
		assert.ErrorIs(t, err, device.ErrAllocation)

		require.NoError(t, s.Free(h))
		_, err = s.Create(4, 4)
		assert.NoError(t, err, "freed bytes must return to the budget")
	})

	t.Run("slot limit", func(t *testing.T) {
		s := newTestStore(t, func(c *config.Config) { c.MaxEntries = 2 })
		_, err := s.Create(1, 1)
		require.NoError(t, err)
		_, err = s.Create(1, 1)
		require.NoError(t, err)
		_, err = s.Create(1, 1)
		assert.ErrorIs(t, err, device.ErrAllocation)
	})
}

func TestAppendUpToCapacity(t *testing.T) {
	s := newTestStore(t, nil)

	for _, tc := range []struct{ capacity, dim int }{{1, 1}, {4, 3}, {17, 64}} {
		h, err := s.Create(tc.capacity, tc.dim)
		require.NoError(t, err)

		for i := 0; i < tc.capacity; i++ {
			require.NoError(t, s.Append(h, row(tc.dim, float32(i)), row(tc.dim, -float32(i)), tc.dim))
			info, err := s.Info(h)
			require.NoError(t, err)
			assert.Equal(t, i+1, info.Length)
		}

		err = s.Append(h, row(tc.dim, 1), row(tc.dim, 1), tc.dim)
		assert.ErrorIs(t, err, device.ErrCapacityExhausted)
		info, _ := s.Info(h)
		assert.Equal(t, tc.capacity, info.Length, "failing append must not change length")

		require.NoError(t, s.Free(h))
	}
}

func TestAppendDimMismatchLeavesEntryUnchanged(t *testing.T) {
	s := newTestStore(t, nil)
	h, err := s.Create(4, 3)
	require.NoError(t, err)
	require.NoError(t, s.Append(h, []float32{1, 2, 3}, []float32{4, 5, 6}, 3))

	tests := []struct {
		name string
		k, v []float32
		dim  int
	}{
		{"wider dim", row(4, 1), row(4, 1), 4},
		{"narrower dim", row(2, 1), row(2, 1), 2},
		{"short K", row(2, 1), row(3, 1), 3},
		{"short V", row(3, 1), nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Append(h, tt.k, tt.v, tt.dim)
			assert.ErrorIs(t, err, device.ErrDimMismatch)
			info, err := s.Info(h)
			require.NoError(t, err)
			assert.Equal(t, 1, info.Length)
		})
	}

	keys, values, length, dim, err := s.history("test", h)
	require.NoError(t, err)
	assert.Equal(t, 1, length)
	assert.Equal(t, 3, dim)
	assert.Equal(t, []float32{1, 2, 3}, keys)
	assert.Equal(t, []float32{4, 5, 6}, values)
}

func TestAppendCopiesCallerBuffers(t *testing.T) {
	s := newTestStore(t, nil)
	h, err := s.Create(2, 2)
	require.NoError(t, err)

	k := []float32{1, 2, 99}
	v := []float32{3, 4, 99}
	require.NoError(t, s.Append(h, k, v, 2))
	k[0], v[0] = -1, -1

	keys, values, _, _, err := s.history("test", h)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, keys)
	assert.Equal(t, []float32{3, 4}, values)
}

func TestFreeInvalidatesHandle(t *testing.T) {
	s := newTestStore(t, nil)
	h, err := s.Create(4, 3)
	require.NoError(t, err)
	require.NoError(t, s.Append(h, row(3, 1), row(3, 1), 3))
	require.NoError(t, s.Free(h))

	assert.ErrorIs(t, s.Append(h, row(3, 1), row(3, 1), 3), device.ErrInvalidHandle)
	_, err = s.Info(h)
	assert.ErrorIs(t, err, device.ErrInvalidHandle)
	assert.ErrorIs(t, s.Free(h), device.ErrInvalidHandle, "double free must fail cleanly")

	for _, bad := range []Handle{InvalidHandle, -5, makeHandle(100, 1)} {
		assert.ErrorIs(t, s.Free(bad), device.ErrInvalidHandle)
	}
}

func TestStaleHandleAfterSlotReuse(t *testing.T) {
	s := newTestStore(t, nil)
	old, err := s.Create(2, 2)
	require.NoError(t, err)
	require.NoError(t, s.Free(old))

	fresh, err := s.Create(2, 2)
	require.NoError(t, err)
	oldSlot, _, _ := old.split()
	newSlot, _, _ := fresh.split()
	require.Equal(t, oldSlot, newSlot, "freed slot should be reused")
	assert.NotEqual(t, old, fresh)

	assert.ErrorIs(t, s.Append(old, row(2, 1), row(2, 1), 2), device.ErrInvalidHandle)
	assert.ErrorIs(t, s.Free(old), device.ErrInvalidHandle)

	info, err := s.Info(fresh)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Length, "stale append must not reach the new occupant")
}

func TestGenerationWraps(t *testing.T) {
	s := newTestStore(t, func(c *config.Config) { c.MaxEntries = 1 })
	_, err := s.Create(1, 1)
	require.NoError(t, err)
	s.slots[0].gen = maxGeneration
	h := makeHandle(0, maxGeneration)
	require.NoError(t, s.Free(h))

	next, err := s.Create(1, 1)
	require.NoError(t, err)
	_, gen, ok := next.split()
	require.True(t, ok)
	assert.Equal(t, uint16(1), gen, "generation must skip 0 on wrap")
}

func TestStats(t *testing.T) {
	s := newTestStore(t, func(c *config.Config) { c.MaxCacheBytes = 1 << 20 })
	a, err := s.Create(8, 4)
	require.NoError(t, err)
	b, err := s.Create(2, 2)
	require.NoError(t, err)
	require.NoError(t, s.Append(a, row(4, 1), row(4, 1), 4))
	require.NoError(t, s.Append(a, row(4, 1), row(4, 1), 4))

	st := s.Stats()
	assert.Equal(t, 2, st.LiveEntries)
	assert.Equal(t, int64(8*4*8+2*2*8), st.ReservedBytes)
	assert.Equal(t, int64(2*4*8), st.UsedBytes)
	assert.Equal(t, int64(1<<20), st.MaxBytes)
	assert.ElementsMatch(t, []Handle{a, b}, s.Live())

	require.NoError(t, s.Free(a))
	st = s.Stats()
	assert.Equal(t, 1, st.LiveEntries)
	assert.Equal(t, int64(2*2*8), st.ReservedBytes)
	assert.Equal(t, int64(0), st.UsedBytes)
}

func TestDistinctHandlesConcurrently(t *testing.T) {
	s := newTestStore(t, nil)
	const workers, capacity, dim = 8, 64, 16

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			h, err := s.Create(capacity, dim)
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < capacity; i++ {
				assert.NoError(t, s.Append(h, row(dim, float32(w)), row(dim, float32(i)), dim))
			}
			keys, _, length, _, err := s.history("test", h)
			assert.NoError(t, err)
			assert.Equal(t, capacity, length)
			for _, k := range keys {
				if k != float32(w) {
					t.Errorf("worker %d saw foreign key %v", w, k)
					break
				}
			}
			assert.NoError(t, s.Free(h))
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 0, s.Stats().LiveEntries)
}

func TestRejectedCallsCountAsKVEvents(t *testing.T) {
	s := newTestStore(t, nil)
	reject := metrics.KVEvents.WithLabelValues("reject")
	before := testutil.ToFloat64(reject)

	h, err := s.Create(1, 2)
	require.NoError(t, err)
	require.NoError(t, s.Append(h, row(2, 1), row(2, 1), 2))
	assert.Error(t, s.Append(h, row(2, 1), row(2, 1), 2))
	assert.Error(t, s.Free(InvalidHandle))

	assert.Equal(t, float64(2), testutil.ToFloat64(reject)-before)
}
