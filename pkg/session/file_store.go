package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/aixgo-dev/agentstate/internal/fsx"
	"github.com/aixgo-dev/agentstate/internal/logger"
)

const fileExt = ".json"

// FileStore implements Store with one JSON document per session.
// Storage layout:
//
//	<dir>/
//	  ├── <session-id>.json
//	  └── .<session-id>.json.tmp-*   # in-flight atomic writes
//
// Every write goes to a temp file in the same directory and is renamed over
// the final name, so a crash never leaves a half-written document visible.
// Check-and-write is serialized within the process; across processes the
// version check is the only guard.
type FileStore struct {
	dir string
	log *log.Logger
	now func() time.Time

	mu     sync.Mutex
	closed bool
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileLogger sets the logger used for recovery and integrity warnings.
func WithFileLogger(l *log.Logger) FileOption {
	return func(f *FileStore) {
		f.log = l
	}
}

// NewFileStore creates a file-backed session store rooted at dir.
// If dir is empty, uses ~/.agentstate/sessions.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, ".agentstate", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	f := &FileStore{
		dir: dir,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = logger.OrDefault(f.log)
	return f, nil
}

// Backend implements Named.
func (f *FileStore) Backend() string { return "file" }

// Dir returns the directory holding the session files.
func (f *FileStore) Dir() string { return f.dir }

// PathFor returns the file that holds session id.
func (f *FileStore) PathFor(id SessionID) string {
	return filepath.Join(f.dir, string(id)+fileExt)
}

// Save implements Store.
func (f *FileStore) Save(ctx context.Context, s AgentSession) SaveResult {
	if err := s.ID().Validate(); err != nil {
		return Failed(fmt.Errorf("invalid session ID: %w", err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return Failed(ErrStorageClosed)
	}

	path := f.PathFor(s.ID())
	var stored int64
	raw, err := os.ReadFile(path) // #nosec G304 - session id validated to prevent traversal
	switch {
	case err == nil:
		v, ok, derr := StoredVersion(path, raw)
		if derr != nil {
			f.log.Warn("refusing to overwrite corrupt session file", "path", path, "err", derr)
			return Failed(derr)
		}
		if !ok {
			// A parseable document without a header is overwritten as if new.
			f.log.Warn("session file has no header, recovering", "path", path)
		}
		stored = v
	case errors.Is(err, os.ErrNotExist):
	default:
		return Failed(fmt.Errorf("read session file: %w", err))
	}

	if s.Version() != stored {
		return Conflicted(s.ID(), stored, s.Version())
	}

	next := s.Advance(f.now())
	data, err := MarshalDocument(next, true)
	if err != nil {
		return Failed(err)
	}
	if err := fsx.WriteFileAtomic(path, data, 0600); err != nil {
		return Failed(fmt.Errorf("write session file: %w", err))
	}
	return Saved(next)
}

// Load implements Store.
func (f *FileStore) Load(ctx context.Context, id SessionID) (*AgentSession, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}
	if f.isClosed() {
		return nil, ErrStorageClosed
	}

	path := f.PathFor(id)
	raw, err := os.ReadFile(path) // #nosec G304 - session id validated to prevent traversal
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	s, err := UnmarshalDocument(path, raw)
	if err != nil {
		f.log.Warn("session file failed integrity check", "path", path, "err", err)
		return nil, err
	}
	return s, nil
}

// Exists implements Store.
func (f *FileStore) Exists(ctx context.Context, id SessionID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, fmt.Errorf("invalid session ID: %w", err)
	}
	if f.isClosed() {
		return false, ErrStorageClosed
	}
	_, err := os.Stat(f.PathFor(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat session file: %w", err)
}

// Delete implements Store.
func (f *FileStore) Delete(ctx context.Context, id SessionID) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := os.Remove(f.PathFor(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// ListHeaders implements Store. Files are read in name order and the first
// unreadable one fails the whole call.
func (f *FileStore) ListHeaders(ctx context.Context) (InfoList, error) {
	if f.isClosed() {
		return nil, ErrStorageClosed
	}

	paths, err := f.Files()
	if err != nil {
		return nil, err
	}

	out := make(InfoList, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(path) // #nosec G304 - path comes from a directory listing of the store
		if err != nil {
			return nil, fmt.Errorf("read session file: %w", err)
		}
		doc, err := decodeDocument(path, raw)
		if err != nil {
			return nil, err
		}
		if doc.Header == nil {
			return nil, &IntegrityError{Path: path, Reason: "missing or invalid header"}
		}
		out = append(out, *doc.Header)
	}
	sortInfos(out)
	return out, nil
}

// Files returns the session file paths in name order, skipping temp files.
func (f *FileStore) Files() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || fsx.IsTempName(name) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		paths = append(paths, filepath.Join(f.dir, name))
	}
	return paths, nil
}

// VerifyFile fully decodes one session file and returns the first integrity
// problem found.
func (f *FileStore) VerifyFile(path string) error {
	raw, err := os.ReadFile(path) // #nosec G304 - caller supplies a path from Files
	if err != nil {
		return fmt.Errorf("read session file: %w", err)
	}
	_, err = UnmarshalDocument(path, raw)
	return err
}

// Close implements Store.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *FileStore) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
