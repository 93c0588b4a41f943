package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]SecurityEvent
	err     error
}

func (m *memStorage) WriteBatch(_ context.Context, events []SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]SecurityEvent(nil), events...))
	return m.err
}

func (m *memStorage) events() []SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SecurityEvent
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func TestAgentFSDrainsOnStop(t *testing.T) {
	store := &memStorage{}
	fs := NewAgentFS(store, zap.NewNop(), Options{BatchSize: 10, FlushInterval: time.Hour})
	fs.Start()

	for range 25 {
		fs.Log(SecurityEvent{AgentID: "a1", Type: EventHeartbeat, Outcome: OutcomeAllowed})
	}
	fs.Stop()

	events := store.events()
	require.Len(t, events, 25)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
	// 10 + 10 по размеру и остаток 5 при остановке
	assert.Len(t, store.batches, 3)
}

func TestAgentFSFlushesOnTimer(t *testing.T) {
	store := &memStorage{}
	fs := NewAgentFS(store, zap.NewNop(), Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	fs.Start()
	defer fs.Stop()

	fs.Log(SecurityEvent{AgentID: "a1", Type: EventSecretAccessed})
	assert.Eventually(t, func() bool { return len(store.events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAgentFSDropsAfterStop(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := &memStorage{}
	fs := NewAgentFS(store, zap.New(core), Options{})
	fs.Start()
	fs.Stop()
	fs.Stop()

	fs.Log(SecurityEvent{ID: "late"})
	assert.Empty(t, store.events())
	assert.Equal(t, 1, logs.FilterMessage("audit event dropped: auditor is stopping").Len())
}

func TestAgentFSOverflowDoesNotBlock(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_audit_fill"})
	reg.MustRegister(gauge)
	fs := NewAgentFS(&memStorage{}, zap.New(core), Options{BufferSize: 2, BufferGauge: gauge})
	// Воркер не запущен: буфер не вычитывается

	for range 3 {
		fs.Log(SecurityEvent{AgentID: "a1", Type: EventIdentityRejected})
	}
	assert.Equal(t, 1, logs.FilterMessage("audit_buffer_overflow").Len())

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, float64(2), families[0].GetMetric()[0].GetGauge().GetValue())
}

func TestAgentFSStorageErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	store := &memStorage{err: errors.New("db down")}
	fs := NewAgentFS(store, zap.New(core), Options{})
	fs.Start()

	fs.Log(SecurityEvent{AgentID: "a1"})
	fs.Stop()

	assert.Equal(t, 1, logs.FilterMessage("audit flush failed").Len())
}
