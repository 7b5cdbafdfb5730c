package session

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/agentstate/internal/observability"
)

// Runtime is the transactional entry point over a Repository: Execute loads a
// session, applies an Action and saves the result, publishing an event at
// every step. A save that loses a version race fails the call with a
// *ConflictError; retrying is up to the caller.
type Runtime struct {
	repo  *Repository
	sinks MultiSink
	now   func() time.Time
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithEventSink adds sinks that receive every lifecycle event.
func WithEventSink(sinks ...EventSink) RuntimeOption {
	return func(r *Runtime) {
		r.sinks = append(r.sinks, sinks...)
	}
}

// WithRuntimeLogger logs every lifecycle event through l.
func WithRuntimeLogger(l *log.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.sinks = append(r.sinks, LogSink{Logger: l})
	}
}

// NewRuntime creates a runtime over repo.
func NewRuntime(repo *Repository, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Repository returns the repository the runtime operates on.
func (r *Runtime) Repository() *Repository { return r.repo }

// Execute runs load, apply and save for one session and returns the
// persisted session.
func (r *Runtime) Execute(ctx context.Context, id SessionID, action Action) (AgentSession, error) {
	ctx, span := observability.StartSpanWithOtel(ctx, "session.execute",
		trace.WithAttributes(attribute.String("session.id", string(id))))
	defer span.End()

	loaded, err := r.repo.Load(ctx, id)
	if err != nil {
		r.publish(ctx, EventLoadFailed, id, 0, err)
		return AgentSession{}, spanError(span, err)
	}
	span.SetAttributes(attribute.Int64("session.version", loaded.Version()))

	next, err := action.Apply(ContextWithSession(ctx, loaded), loaded)
	if err == nil && next.ID() != id {
		err = fmt.Errorf("action changed session id from %s to %s", id, next.ID())
	}
	if err != nil {
		r.publish(ctx, EventActionFailed, id, loaded.Version(), err)
		return AgentSession{}, spanError(span, err)
	}
	r.publish(ctx, EventActionExecuted, id, loaded.Version(), nil)

	res := r.save(ctx, next)
	if !res.IsOK() {
		err := res.Err()
		r.publish(ctx, EventSaveFailed, id, next.Version(), err)
		return AgentSession{}, spanError(span, err)
	}

	saved := *res.Session()
	r.publish(ctx, EventSaved, id, saved.Version(), nil)
	span.SetStatus(otelcodes.Ok, "")
	return saved, nil
}

// GetSession loads a session without saving it.
func (r *Runtime) GetSession(ctx context.Context, id SessionID) (AgentSession, error) {
	return r.repo.Load(ctx, id)
}

// GetSessionInfo loads only the header view of a session.
func (r *Runtime) GetSessionInfo(ctx context.Context, id SessionID) (Info, error) {
	s, err := r.repo.Load(ctx, id)
	if err != nil {
		return Info{}, err
	}
	return s.Info, nil
}

// ListSessions returns all session headers.
func (r *Runtime) ListSessions(ctx context.Context) (InfoList, error) {
	return r.repo.ListHeaders(ctx)
}

// CreateSession builds a fresh session from def and performs its first save.
func (r *Runtime) CreateSession(ctx context.Context, def Definition, opts ...Option) (AgentSession, error) {
	s := New(def, opts...)
	res := r.repo.Create(ctx, s)
	if !res.IsOK() {
		err := res.Err()
		r.publish(ctx, EventSaveFailed, s.ID(), s.Version(), err)
		return AgentSession{}, err
	}
	created := *res.Session()
	r.publish(ctx, EventCreated, created.ID(), created.Version(), nil)
	return created, nil
}

// ForkSession saves a new session that starts as a copy of id's definition
// and state and records id as its parent. The source is not modified.
func (r *Runtime) ForkSession(ctx context.Context, id SessionID, opts ...Option) (AgentSession, error) {
	src, err := r.repo.Load(ctx, id)
	if err != nil {
		r.publish(ctx, EventLoadFailed, id, 0, err)
		return AgentSession{}, err
	}

	base := []Option{
		WithParent(id),
		WithAgentLabel(src.Info.AgentLabel),
		WithInitialState(src.State),
	}
	fork := New(src.Definition, append(base, opts...)...)
	res := r.repo.Create(ctx, fork)
	if !res.IsOK() {
		err := res.Err()
		r.publish(ctx, EventSaveFailed, fork.ID(), fork.Version(), err)
		return AgentSession{}, err
	}
	saved := *res.Session()
	r.publish(ctx, EventForked, saved.ID(), saved.Version(), nil)
	return saved, nil
}

// DeleteSession removes a session from the store.
func (r *Runtime) DeleteSession(ctx context.Context, id SessionID) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.publish(ctx, EventDeleted, id, 0, nil)
	return nil
}

func (r *Runtime) save(ctx context.Context, s AgentSession) SaveResult {
	ctx, span := observability.StartSpanWithOtel(ctx, "session.save",
		trace.WithAttributes(
			attribute.String("session.id", string(s.ID())),
			attribute.String("session.backend", BackendName(r.repo.Store())),
		))
	defer span.End()

	res := r.repo.Save(ctx, s)
	span.SetAttributes(attribute.String("session.save.result", res.Outcome()))
	if !res.IsOK() {
		_ = spanError(span, res.Err())
	}
	return res
}

func (r *Runtime) publish(ctx context.Context, t EventType, id SessionID, version int64, err error) {
	if len(r.sinks) == 0 {
		return
	}
	r.sinks.Publish(ctx, Event{
		Type:      t,
		SessionID: id,
		Version:   version,
		Err:       err,
		Time:      r.now(),
	})
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}
