package message

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/aixgo-dev/agentstate/internal/fsx"
	"github.com/aixgo-dev/agentstate/internal/logger"
)

// FormatVersion is written into every session header record.
const FormatVersion = 1

// jsonlExt is the file extension of line-log session files.
const jsonlExt = ".jsonl"

// maxLineSize bounds a single record; large tool outputs fit comfortably.
const maxLineSize = 16 * 1024 * 1024

// RecordType identifies the kind of a line-log record.
type RecordType string

const (
	RecordSession RecordType = "session"
	RecordMessage RecordType = "message"
	RecordLabel   RecordType = "label"
)

// headerRecord is the first line of every session file.
type headerRecord struct {
	Type      RecordType `json:"type"`
	Version   int        `json:"version"`
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
}

type messageRecord struct {
	Type      RecordType      `json:"type"`
	ID        string          `json:"id"`
	ParentID  *string         `json:"parentId"`
	Section   string          `json:"section"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type labelRecord struct {
	Type      RecordType `json:"type"`
	ID        string     `json:"id"`
	ParentID  *string    `json:"parentId"`
	TargetID  string     `json:"targetId"`
	Label     *string    `json:"label"`
	Timestamp time.Time  `json:"timestamp"`
}

// logRecord is the decoding view over every record type.
type logRecord struct {
	Type      RecordType      `json:"type"`
	Version   int             `json:"version"`
	ID        string          `json:"id"`
	ParentID  *string         `json:"parentId"`
	Section   string          `json:"section"`
	TargetID  string          `json:"targetId"`
	Label     *string         `json:"label"`
	Timestamp time.Time       `json:"timestamp"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// logIndex is the in-memory view rebuilt by replaying a session file.
type logIndex struct {
	header    headerRecord
	messages  map[string]Message
	sectionOf map[string]string
	order     []string
	members   map[string][]string
	leaf      string
	labels    map[string]string
}

func newLogIndex(h headerRecord) *logIndex {
	return &logIndex{
		header:    h,
		messages:  make(map[string]Message),
		sectionOf: make(map[string]string),
		members:   make(map[string][]string),
		labels:    make(map[string]string),
	}
}

func (ix *logIndex) add(section string, msg Message) {
	if _, ok := ix.members[section]; !ok {
		ix.order = append(ix.order, section)
	}
	ix.members[section] = append(ix.members[section], msg.ID)
	ix.messages[msg.ID] = msg
	ix.sectionOf[msg.ID] = section
}

// pickLeaf chooses the leaf after a rewrite.
func (ix *logIndex) pickLeaf(snapshot *Snapshot, prev *logIndex) string {
	if snapshot != nil && snapshot.LeafID != "" {
		if _, ok := ix.messages[snapshot.LeafID]; ok {
			return snapshot.LeafID
		}
	}
	if prev != nil && prev.leaf != "" {
		if _, ok := ix.messages[prev.leaf]; ok {
			return prev.leaf
		}
	}
	for i := len(ix.order) - 1; i >= 0; i-- {
		if ids := ix.members[ix.order[i]]; len(ids) > 0 {
			return ids[len(ids)-1]
		}
	}
	return ""
}

func (ix *logIndex) lookup(id string) (Message, bool) {
	m, ok := ix.messages[id]
	return m, ok
}

func (ix *logIndex) snapshot() *Snapshot {
	snap := &Snapshot{
		Sections: make([]Section, 0, len(ix.order)),
		LeafID:   ix.leaf,
		Labels:   maps.Clone(ix.labels),
	}
	for _, name := range ix.order {
		ids := ix.members[name]
		msgs := make([]Message, 0, len(ids))
		for _, id := range ids {
			msgs = append(msgs, ix.messages[id].Clone())
		}
		snap.Sections = append(snap.Sections, Section{Name: name, Messages: msgs})
	}
	return snap
}

// JSONLStore is a durable Store backed by one line-delimited JSON file per
// session:
//
//	<baseDir>/
//	  └── <sanitized-session-id>.jsonl
//
// The first line is a session header; every further line is a message or a
// label record. Append writes exactly one line. Save rewrites the file.
// Indexes are rebuilt lazily by replaying the file on first access.
//
// The leaf is the last message record in the file. NavigateTo only moves the
// in-memory leaf; the move becomes durable with the next Append, whose
// parentId records it.
//
// A single JSONLStore serializes its own calls, but two stores (or two
// processes) appending to the same session will corrupt the leaf chain.
type JSONLStore struct {
	baseDir string
	log     *log.Logger

	mu      sync.Mutex
	indexes map[string]*logIndex
	closed  bool
}

// JSONLOption configures a JSONLStore.
type JSONLOption func(*JSONLStore)

// WithJSONLLogger sets the logger used for replay diagnostics.
func WithJSONLLogger(l *log.Logger) JSONLOption {
	return func(s *JSONLStore) {
		s.log = l
	}
}

// NewJSONLStore creates a line-log store rooted at baseDir, creating the
// directory if needed.
func NewJSONLStore(baseDir string, opts ...JSONLOption) (*JSONLStore, error) {
	if baseDir == "" {
		return nil, errors.New("jsonl store: base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	s := &JSONLStore{
		baseDir: baseDir,
		indexes: make(map[string]*logIndex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrDefault(s.log)
	return s, nil
}

// PathFor returns the file that holds session id.
func (s *JSONLStore) PathFor(id string) string {
	return filepath.Join(s.baseDir, SanitizeID(id)+jsonlExt)
}

// CreateSession writes a header-only file for a new session.
func (s *JSONLStore) CreateSession(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStorageClosed
	}
	if id == "" {
		id = uuid.New().String()
	}
	return id, s.createLocked(id)
}

func (s *JSONLStore) createLocked(id string) error {
	path := s.PathFor(id)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat session file: %w", err)
	}

	h := headerRecord{Type: RecordSession, Version: FormatVersion, ID: id, CreatedAt: time.Now().UTC()}
	line, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	// O_EXCL guards against a concurrent creator in another process.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600) // #nosec G304 - file name is sanitized
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrSessionExists, id)
		}
		return fmt.Errorf("create session file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	s.indexes[id] = newLogIndex(h)
	return nil
}

// HasSession reports whether a file exists for id.
func (s *JSONLStore) HasSession(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStorageClosed
	}
	if _, ok := s.indexes[id]; ok {
		return true, nil
	}
	_, err := os.Stat(s.PathFor(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat session file: %w", err)
}

// Sessions lists the ids recorded in the header of every session file,
// sorted lexically. A file with an unreadable header fails the call.
func (s *JSONLStore) Sessions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStorageClosed
	}

	paths, err := s.filesLocked()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(paths))
	for _, path := range paths {
		h, err := readHeader(path)
		if err != nil {
			return nil, err
		}
		ids = append(ids, h.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Files returns the session file paths in directory order.
func (s *JSONLStore) Files() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filesLocked()
}

func (s *JSONLStore) filesLocked() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || fsx.IsTempName(e.Name()) || !strings.HasSuffix(e.Name(), jsonlExt) {
			continue
		}
		paths = append(paths, filepath.Join(s.baseDir, e.Name()))
	}
	return paths, nil
}

// Load replays the session and groups messages by section.
func (s *JSONLStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := s.indexLocked(id)
	if err != nil {
		return nil, err
	}
	return ix.snapshot(), nil
}

// Save truncates and rewrites the session file from snapshot, keeping the
// original header and any labels whose targets survive, then reloads the
// index from disk.
//
// The log has no leaf record. Within this process the leaf follows the same
// order as MemoryStore: the snapshot leaf, then the previous leaf if it
// survived, then the last message of the last non-empty section. A fresh
// replay of the file always starts from the last message record.
func (s *JSONLStore) Save(ctx context.Context, id string, snapshot *Snapshot) (SaveStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return SaveStats{}, ErrStorageClosed
	}
	if id == "" {
		return SaveStats{}, errors.New("session id required")
	}

	prev, err := s.indexLocked(id)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return SaveStats{}, err
	}

	header := headerRecord{Type: RecordSession, Version: FormatVersion, ID: id, CreatedAt: time.Now().UTC()}
	if prev != nil {
		header = prev.header
	}

	var (
		buf   bytes.Buffer
		stats SaveStats
		seen  = make(map[string]struct{})
		last  string
	)
	if err := writeLine(&buf, header); err != nil {
		return SaveStats{}, err
	}

	if snapshot != nil {
		named := make(map[string]struct{})
		for _, sec := range snapshot.Sections {
			if _, ok := named[sec.Name]; !ok {
				named[sec.Name] = struct{}{}
				stats.Sections++
			}
			for _, msg := range sec.Messages {
				if msg.ID == "" {
					return SaveStats{}, fmt.Errorf("save session %s: message without id in section %s", id, sec.Name)
				}
				if _, dup := seen[msg.ID]; dup {
					return SaveStats{}, fmt.Errorf("save session %s: %w: %s", id, ErrDuplicateMessage, msg.ID)
				}
				seen[msg.ID] = struct{}{}
				if prev == nil {
					stats.NewMessages++
				} else if _, ok := prev.messages[msg.ID]; !ok {
					stats.NewMessages++
				}
				rec, err := newMessageRecord(sec.Name, msg)
				if err != nil {
					return SaveStats{}, err
				}
				if err := writeLine(&buf, rec); err != nil {
					return SaveStats{}, err
				}
				stats.Messages++
				last = msg.ID
			}
		}
	}

	labels := make(map[string]string)
	if prev != nil {
		for target, label := range prev.labels {
			labels[target] = label
		}
	}
	if snapshot != nil {
		for target, label := range snapshot.Labels {
			labels[target] = label
		}
	}
	targets := make([]string, 0, len(labels))
	for target := range labels {
		if _, ok := seen[target]; ok {
			targets = append(targets, target)
		}
	}
	sort.Strings(targets)
	for _, target := range targets {
		label := labels[target]
		rec := labelRecord{
			Type:      RecordLabel,
			ID:        uuid.New().String(),
			ParentID:  optional(last),
			TargetID:  target,
			Label:     &label,
			Timestamp: time.Now().UTC(),
		}
		if err := writeLine(&buf, rec); err != nil {
			return SaveStats{}, err
		}
	}

	path := s.PathFor(id)
	if err := fsx.WriteFileAtomic(path, buf.Bytes(), 0600); err != nil {
		return SaveStats{}, fmt.Errorf("rewrite session file: %w", err)
	}

	delete(s.indexes, id)
	ix, err := s.indexLocked(id)
	if err != nil {
		return SaveStats{}, fmt.Errorf("reload session after save: %w", err)
	}
	ix.leaf = ix.pickLeaf(snapshot, prev)

	s.log.Debug("rewrote session log", "session", id, "messages", stats.Messages, "new", stats.NewMessages)
	return stats, nil
}

// Delete removes the session file.
func (s *JSONLStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}
	delete(s.indexes, id)
	if err := os.Remove(s.PathFor(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// Append writes one message record and advances the leaf.
func (s *JSONLStore) Append(ctx context.Context, id, section string, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := s.indexLocked(id)
	if err != nil {
		return Message{}, err
	}

	msg, err = prepareAppend(msg, ix.leaf, ix.lookup)
	if err != nil {
		return Message{}, err
	}
	rec, err := newMessageRecord(section, msg)
	if err != nil {
		return Message{}, err
	}
	if err := s.appendLine(id, rec); err != nil {
		return Message{}, err
	}

	ix.add(section, msg)
	ix.leaf = msg.ID
	return msg.Clone(), nil
}

// Get returns a message or nil.
func (s *JSONLStore) Get(ctx context.Context, id, messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := s.indexLocked(id)
	if err != nil {
		return nil, err
	}
	msg, ok := ix.messages[messageID]
	if !ok {
		return nil, nil
	}
	out := msg.Clone()
	return &out, nil
}

// GetSection returns a section's messages, tail-limited when limit > 0.
func (s *JSONLStore) GetSection(ctx context.Context, id, section string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := s.indexLocked(id)
	if err != nil {
		return nil, err
	}
	ids := ix.members[section]
	out := make([]Message, 0, len(ids))
	for _, mid := range ids {
		out = append(out, ix.messages[mid].Clone())
	}
	return tail(out, limit), nil
}

// LeafID returns the current leaf.
func (s *JSONLStore) LeafID(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := s.indexLocked(id)
	if err != nil {
		return "", err
	}
	return ix.leaf, nil
}

// NavigateTo moves the in-memory leaf to messageID.
func (s *JSONLStore) NavigateTo(ctx context.Context, id, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := s.indexLocked(id)
	if err != nil {
		return err
	}
	if _, ok := ix.messages[messageID]; !ok {
		return fmt.Errorf("navigate session %s: %w: %s", id, ErrMessageNotFound, messageID)
	}
	ix.leaf = messageID
	return nil
}

// Path returns the root-to-target chain.
func (s *JSONLStore) Path(ctx context.Context, id, toMessageID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := s.indexLocked(id)
	if err != nil {
		return nil, err
	}
	if toMessageID == "" {
		toMessageID = ix.leaf
	}
	return walkPath(ix.lookup, toMessageID)
}

// Fork creates a new session file and replays the chain ending at
// fromMessageID into it, one appended record per message.
func (s *JSONLStore) Fork(ctx context.Context, id, fromMessageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.indexLocked(id)
	if err != nil {
		return "", err
	}
	path, err := walkPath(src.lookup, fromMessageID)
	if err != nil {
		return "", fmt.Errorf("fork session %s: %w", id, err)
	}

	newID := uuid.New().String()
	if err := s.createLocked(newID); err != nil {
		return "", fmt.Errorf("fork session %s: %w", id, err)
	}
	dst := s.indexes[newID]
	for _, msg := range path {
		section := src.sectionOf[msg.ID]
		rec, err := newMessageRecord(section, msg)
		if err != nil {
			return "", err
		}
		if err := s.appendLine(newID, rec); err != nil {
			return "", fmt.Errorf("fork session %s: %w", id, err)
		}
		dst.add(section, msg)
		dst.leaf = msg.ID
	}

	s.log.Debug("forked session log", "source", id, "fork", newID, "at", fromMessageID, "messages", len(path))
	return newID, nil
}

// AddLabel appends a label record for an existing message.
func (s *JSONLStore) AddLabel(ctx context.Context, id, messageID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := s.indexLocked(id)
	if err != nil {
		return err
	}
	if _, ok := ix.messages[messageID]; !ok {
		return fmt.Errorf("label session %s: %w: %s", id, ErrMessageNotFound, messageID)
	}

	rec := labelRecord{
		Type:      RecordLabel,
		ID:        uuid.New().String(),
		ParentID:  optional(ix.leaf),
		TargetID:  messageID,
		Label:     &label,
		Timestamp: time.Now().UTC(),
	}
	if err := s.appendLine(id, rec); err != nil {
		return err
	}
	ix.labels[messageID] = label
	return nil
}

// Labels returns labels keyed by target message id.
func (s *JSONLStore) Labels(ctx context.Context, id string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := s.indexLocked(id)
	if err != nil {
		return nil, err
	}
	return maps.Clone(ix.labels), nil
}

// Verify replays a session file from disk without touching the cached
// index. It returns the first integrity error found. The store lock is held
// so an in-process Append is never seen half written.
func (s *JSONLStore) Verify(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}
	_, err := replay(path, "")
	return err
}

// Close drops cached indexes and marks the store closed.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.indexes = make(map[string]*logIndex)
	return nil
}

// indexLocked returns the cached index for id, replaying the file on first
// access. Caller must hold s.mu.
func (s *JSONLStore) indexLocked(id string) (*logIndex, error) {
	if s.closed {
		return nil, ErrStorageClosed
	}
	if ix, ok := s.indexes[id]; ok {
		return ix, nil
	}
	ix, err := replay(s.PathFor(id), id)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			s.log.Warn("session log replay failed", "session", id, "err", err)
		}
		return nil, err
	}
	s.indexes[id] = ix
	return ix, nil
}

func (s *JSONLStore) appendLine(id string, rec any) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	f, err := os.OpenFile(s.PathFor(id), os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304 - file name is sanitized
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return fmt.Errorf("open session file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func newMessageRecord(section string, msg Message) (messageRecord, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return messageRecord{}, fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}
	return messageRecord{
		Type:      RecordMessage,
		ID:        msg.ID,
		ParentID:  optional(msg.ParentID),
		Section:   section,
		Timestamp: msg.CreatedAt,
		Data:      data,
	}, nil
}

func writeLine(buf *bytes.Buffer, rec any) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return nil
}

// readHeader decodes only the first record of a session file.
func readHeader(path string) (headerRecord, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from a directory listing of the store
	if err != nil {
		return headerRecord{}, fmt.Errorf("open session file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return headerRecord{}, fmt.Errorf("scan session file: %w", err)
		}
		return headerRecord{}, &IntegrityError{Path: path, Reason: "empty session file"}
	}
	return decodeHeader(path, scanner.Bytes())
}

func decodeHeader(path string, line []byte) (headerRecord, error) {
	var h headerRecord
	if err := json.Unmarshal(line, &h); err != nil {
		return headerRecord{}, &IntegrityError{Path: path, Reason: "Invalid JSON at line 1", Err: err}
	}
	if h.Type != RecordSession || h.ID == "" {
		return headerRecord{}, &IntegrityError{Path: path, Reason: "missing session header"}
	}
	return h, nil
}

// replay rebuilds an index from a session file. When wantID is set the
// header must name that session.
func replay(path, wantID string) (*logIndex, error) {
	f, err := os.Open(path) // #nosec G304 - file name is sanitized
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, wantID)
		}
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var ix *logIndex
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if ix == nil {
			h, err := decodeHeader(path, line)
			if err != nil {
				return nil, err
			}
			if wantID != "" && h.ID != wantID {
				return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("header names session %q, want %q", h.ID, wantID)}
			}
			ix = newLogIndex(h)
			continue
		}

		var rec logRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("Invalid JSON at line %d", lineNo), Err: err}
		}

		switch rec.Type {
		case RecordMessage:
			msg, err := decodeMessage(rec)
			if err != nil {
				return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("invalid message at line %d", lineNo), Err: err}
			}
			if _, dup := ix.messages[msg.ID]; dup {
				return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("duplicate message %s at line %d", msg.ID, lineNo)}
			}
			ix.add(rec.Section, msg)
			ix.leaf = msg.ID
		case RecordLabel:
			if rec.TargetID == "" {
				return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("label without target at line %d", lineNo)}
			}
			if rec.Label == nil {
				delete(ix.labels, rec.TargetID)
			} else {
				ix.labels[rec.TargetID] = *rec.Label
			}
		case RecordSession:
			return nil, &IntegrityError{Path: path, Reason: fmt.Sprintf("unexpected session header at line %d", lineNo)}
		default:
			// Unknown record types from newer writers are skipped.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session file: %w", err)
	}
	if ix == nil {
		return nil, &IntegrityError{Path: path, Reason: "empty session file"}
	}
	return ix, nil
}

// decodeMessage rebuilds a Message from a record. The record's id, parent
// and section are authoritative over the embedded data.
func decodeMessage(rec logRecord) (Message, error) {
	if rec.ID == "" {
		return Message{}, errors.New("message record without id")
	}
	var msg Message
	if len(rec.Data) > 0 && !bytes.Equal(rec.Data, []byte("null")) {
		if err := json.Unmarshal(rec.Data, &msg); err != nil {
			return Message{}, err
		}
	}
	msg.ID = rec.ID
	msg.ParentID = ""
	if rec.ParentID != nil {
		msg.ParentID = *rec.ParentID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = rec.Timestamp
	}
	return msg, nil
}
