package logging

import "sync"

// Metrics is a process-wide set of named counters. The zero value is ready.
type Metrics struct {
	mu     sync.Mutex
	values map[string]uint64
}

func (m *Metrics) Add(key string, delta uint64) {
	if m == nil || key == "" {
		return
	}
	m.mu.Lock()
	if m.values == nil {
		m.values = make(map[string]uint64)
	}
	m.values[key] += delta
	m.mu.Unlock()
}

// TelemetryAdd increments a counter on behalf of telemetry.Metrics.
func (m *Metrics) TelemetryAdd(key string, delta uint64) {
	m.Add(key, delta)
}

// TelemetryStore overwrites a gauge on behalf of telemetry.Metrics.
func (m *Metrics) TelemetryStore(key string, value uint64) {
	if m == nil || key == "" {
		return
	}
	m.mu.Lock()
	if m.values == nil {
		m.values = make(map[string]uint64)
	}
	m.values[key] = value
	m.mu.Unlock()
}

// Snapshot copies the current values.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
