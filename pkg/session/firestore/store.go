// Package firestore implements session.Store on Google Cloud Firestore.
//
// Each session is one document in a collection, keyed by session id. The
// document keeps the header as queryable fields and the full session as a
// JSON body in the same shape the file store writes. Save runs the version
// check and the write inside a Firestore transaction; a transaction that
// loses a race is retried by the client, sees the new version and reports a
// conflict.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aixgo-dev/agentstate/pkg/session"
)

// DefaultCollection is used when no collection is configured.
const DefaultCollection = "agent_sessions"

// header mirrors session.Info with Firestore field names so headers can be
// listed without reading bodies.
type header struct {
	SessionID  string    `firestore:"sessionId"`
	ParentID   string    `firestore:"parentId,omitempty"`
	Status     string    `firestore:"status"`
	Version    int64     `firestore:"version"`
	AgentName  string    `firestore:"agentName"`
	AgentLabel string    `firestore:"agentLabel,omitempty"`
	CreatedAt  time.Time `firestore:"createdAt"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

type record struct {
	Header header `firestore:"header"`
	Body   string `firestore:"body"`
}

func toHeader(i session.Info) header {
	return header{
		SessionID:  string(i.SessionID),
		ParentID:   string(i.ParentID),
		Status:     string(i.Status),
		Version:    i.Version,
		AgentName:  i.AgentName,
		AgentLabel: i.AgentLabel,
		CreatedAt:  i.CreatedAt,
		UpdatedAt:  i.UpdatedAt,
	}
}

func (h header) info() session.Info {
	return session.Info{
		SessionID:  session.SessionID(h.SessionID),
		ParentID:   session.SessionID(h.ParentID),
		Status:     session.Status(h.Status),
		Version:    h.Version,
		AgentName:  h.AgentName,
		AgentLabel: h.AgentLabel,
		CreatedAt:  h.CreatedAt.UTC(),
		UpdatedAt:  h.UpdatedAt.UTC(),
	}
}

// Store implements session.Store on a Firestore collection.
type Store struct {
	client     *firestore.Client
	collection *firestore.CollectionRef
	name       string
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Config contains configuration for the Firestore session store.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

// Option configures a Store.
type Option func(*Config)

// WithProjectID sets the GCP project ID.
func WithProjectID(projectID string) Option {
	return func(c *Config) {
		c.ProjectID = projectID
	}
}

// WithCredentialsFile sets the path to service account credentials.
func WithCredentialsFile(path string) Option {
	return func(c *Config) {
		c.CredentialsFile = path
	}
}

// WithCollection sets the collection holding session documents.
func WithCollection(name string) Option {
	return func(c *Config) {
		c.Collection = name
	}
}

// New creates a Store.
//
// Options:
//   - WithProjectID(id): Set GCP project ID (required)
//   - WithCredentialsFile(path): Use service account credentials
//   - Otherwise uses Application Default Credentials
//
// Example:
//
//	store, err := firestore.New(ctx,
//	    firestore.WithProjectID("my-project"),
//	    firestore.WithCollection("sessions"),
//	)
func New(ctx context.Context, opts ...Option) (*Store, error) {
	config := &Config{}
	for _, opt := range opts {
		opt(config)
	}

	if config.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFromClient(client, config.Collection), nil
}

// NewFromClient wraps an existing client. An empty collection selects
// DefaultCollection.
func NewFromClient(client *firestore.Client, collection string) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Store{
		client:     client,
		collection: client.Collection(collection),
		name:       collection,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Backend implements session.Named.
func (s *Store) Backend() string { return "firestore" }

func (s *Store) source(id session.SessionID) string {
	return s.name + "/" + string(id)
}

// Save implements session.Store.
func (s *Store) Save(ctx context.Context, sess session.AgentSession) session.SaveResult {
	if s.isClosed() {
		return session.Failed(session.ErrStorageClosed)
	}
	if err := sess.ID().Validate(); err != nil {
		return session.Failed(fmt.Errorf("invalid session ID: %w", err))
	}

	ref := s.collection.Doc(string(sess.ID()))
	source := s.source(sess.ID())
	var result session.SaveResult

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var stored int64
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return fmt.Errorf("get session: %w", err)
		default:
			var rec record
			if err := snap.DataTo(&rec); err != nil {
				return &session.IntegrityError{Path: source, Reason: "invalid document", Err: err}
			}
			if stored, _, err = session.StoredVersion(source, []byte(rec.Body)); err != nil {
				return err
			}
		}

		if sess.Version() != stored {
			result = session.Conflicted(sess.ID(), stored, sess.Version())
			return nil
		}

		next := sess.Advance(s.now())
		body, err := session.MarshalDocument(next, false)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, record{Header: toHeader(next.Info), Body: string(body)}); err != nil {
			return fmt.Errorf("set session: %w", err)
		}
		result = session.Saved(next)
		return nil
	})
	if err != nil {
		return session.Failed(err)
	}
	return result
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, id session.SessionID) (*session.AgentSession, error) {
	if s.isClosed() {
		return nil, session.ErrStorageClosed
	}
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	snap, err := s.collection.Doc(string(id)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var rec record
	if err := snap.DataTo(&rec); err != nil {
		return nil, &session.IntegrityError{Path: s.source(id), Reason: "invalid document", Err: err}
	}
	return session.UnmarshalDocument(s.source(id), []byte(rec.Body))
}

// Exists implements session.Store.
func (s *Store) Exists(ctx context.Context, id session.SessionID) (bool, error) {
	if s.isClosed() {
		return false, session.ErrStorageClosed
	}
	if err := id.Validate(); err != nil {
		return false, fmt.Errorf("invalid session ID: %w", err)
	}

	snap, err := s.collection.Doc(string(id)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	return snap.Exists(), nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, id session.SessionID) error {
	if s.isClosed() {
		return session.ErrStorageClosed
	}
	if err := id.Validate(); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	if _, err := s.collection.Doc(string(id)).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListHeaders implements session.Store. Only the header field is fetched.
func (s *Store) ListHeaders(ctx context.Context) (session.InfoList, error) {
	if s.isClosed() {
		return nil, session.ErrStorageClosed
	}

	iter := s.collection.Select("header").OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	out := session.InfoList{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate sessions: %w", err)
		}

		var rec record
		if err := doc.DataTo(&rec); err != nil || rec.Header.SessionID == "" {
			return nil, &session.IntegrityError{Path: s.name + "/" + doc.Ref.ID, Reason: "missing or invalid header", Err: err}
		}
		out = append(out, rec.Header.info())
	}
	return out, nil
}

// Ping checks that the collection can be read.
func (s *Store) Ping(ctx context.Context) error {
	if s.isClosed() {
		return session.ErrStorageClosed
	}
	iter := s.collection.Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
