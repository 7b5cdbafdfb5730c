package observability

import (
	"context"
	"time"

	"github.com/aixgo-dev/agentstate/pkg/session"
)

// InstrumentedStore wraps a session.Store and records operation metrics.
type InstrumentedStore struct {
	next    session.Store
	backend string
	metrics *Metrics
}

// InstrumentStore returns store wrapped with metrics. A nil m returns store
// unchanged.
func InstrumentStore(store session.Store, m *Metrics) session.Store {
	if m == nil {
		return store
	}
	return &InstrumentedStore{next: store, backend: session.BackendName(store), metrics: m}
}

// Backend implements session.Named with the wrapped store's name.
func (s *InstrumentedStore) Backend() string { return s.backend }

// Unwrap returns the wrapped store.
func (s *InstrumentedStore) Unwrap() session.Store { return s.next }

// Save implements session.Store.
func (s *InstrumentedStore) Save(ctx context.Context, sess session.AgentSession) session.SaveResult {
	start := time.Now()
	res := s.next.Save(ctx, sess)
	s.metrics.RecordSave(s.backend, res, time.Since(start))
	return res
}

// Load implements session.Store.
func (s *InstrumentedStore) Load(ctx context.Context, id session.SessionID) (*session.AgentSession, error) {
	start := time.Now()
	out, err := s.next.Load(ctx, id)
	s.metrics.RecordOperation(s.backend, "load", time.Since(start), err)
	return out, err
}

// Exists implements session.Store.
func (s *InstrumentedStore) Exists(ctx context.Context, id session.SessionID) (bool, error) {
	start := time.Now()
	ok, err := s.next.Exists(ctx, id)
	s.metrics.RecordOperation(s.backend, "exists", time.Since(start), err)
	return ok, err
}

// Delete implements session.Store.
func (s *InstrumentedStore) Delete(ctx context.Context, id session.SessionID) error {
	start := time.Now()
	err := s.next.Delete(ctx, id)
	s.metrics.RecordOperation(s.backend, "delete", time.Since(start), err)
	return err
}

// ListHeaders implements session.Store.
func (s *InstrumentedStore) ListHeaders(ctx context.Context) (session.InfoList, error) {
	start := time.Now()
	out, err := s.next.ListHeaders(ctx)
	s.metrics.RecordOperation(s.backend, "list", time.Since(start), err)
	return out, err
}

// Close implements session.Store.
func (s *InstrumentedStore) Close() error { return s.next.Close() }

// Pinger is implemented by stores with a remote connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping forwards to the wrapped store when it supports pinging.
func (s *InstrumentedStore) Ping(ctx context.Context) error {
	if p, ok := s.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
