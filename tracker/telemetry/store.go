package telemetry

import (
	"context"
	"time"

	"github.com/bench-history/tracker/storage"
	"github.com/bench-history/tracker/types"
)

// InstrumentedStore times every HistoryStore call
type InstrumentedStore struct {
	next    storage.HistoryStore
	backend string
	m       *Metrics
}

// InstrumentStore wraps store so its operations land in store_operation_seconds
func (m *Metrics) InstrumentStore(store storage.HistoryStore, backend string) *InstrumentedStore {
	return &InstrumentedStore{next: store, backend: backend, m: m}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	s.m.storeOps.WithLabelValues(s.backend, op, ResultLabel(err)).Observe(time.Since(start).Seconds())
}

func (s *InstrumentedStore) Load(ctx context.Context, environmentID string) (*types.EnvironmentHistory, error) {
	start := time.Now()
	history, err := s.next.Load(ctx, environmentID)
	s.observe("load", start, err)
	return history, err
}

func (s *InstrumentedStore) Append(ctx context.Context, environmentID string, snapshot types.RunSnapshot) (*types.EnvironmentHistory, error) {
	start := time.Now()
	history, err := s.next.Append(ctx, environmentID, snapshot)
	s.observe("append", start, err)
	return history, err
}

func (s *InstrumentedStore) Window(ctx context.Context, environmentID string, before time.Time, maxCount int) ([]types.RunSnapshot, error) {
	start := time.Now()
	window, err := s.next.Window(ctx, environmentID, before, maxCount)
	s.observe("window", start, err)
	return window, err
}

func (s *InstrumentedStore) SuiteWindow(ctx context.Context, environmentID, suite string, before time.Time, maxCount int) ([]types.RunSnapshot, error) {
	start := time.Now()
	window, err := s.next.SuiteWindow(ctx, environmentID, suite, before, maxCount)
	s.observe("window", start, err)
	return window, err
}
