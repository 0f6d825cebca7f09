package arrow_client

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// MockFlightClient keeps snapshots in memory for tests.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	data      map[string]arrow.Record
	puts      int
}

// NewMockFlightClient creates a new mock client
func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{
		data: make(map[string]arrow.Record),
	}
}

// Connect simulates connection
func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close simulates disconnection
func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// PutSnapshot retains rec under name, replacing any earlier snapshot.
func (m *MockFlightClient) PutSnapshot(ctx context.Context, name string, rec arrow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("client not connected")
	}
	rec.Retain()
	if old, ok := m.data[name]; ok {
		old.Release()
	}
	m.data[name] = rec
	m.puts++
	return nil
}

// GetSnapshot returns a retained reference; the caller releases it.
func (m *MockFlightClient) GetSnapshot(ctx context.Context, name string) (arrow.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, fmt.Errorf("client not connected")
	}
	rec, ok := m.data[name]
	if !ok {
		return nil, fmt.Errorf("snapshot %q not found", name)
	}
	rec.Retain()
	return rec, nil
}

// Names lists stored snapshots (for testing)
func (m *MockFlightClient) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.data))
	for k := range m.data {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m *MockFlightClient) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Reset releases all stored data
func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.data {
		rec.Release()
	}
	m.data = make(map[string]arrow.Record)
	m.puts = 0
}
