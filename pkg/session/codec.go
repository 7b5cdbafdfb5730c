package session

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// document is the stored shape of one session, shared by every durable
// backend:
//
//	{"header": {...Info...}, "definition": {...}, "state": {...}}
type document struct {
	Header     *Info      `json:"header"`
	Definition Definition `json:"definition"`
	State      State      `json:"state"`
}

// MarshalDocument encodes s in the stored document shape.
func MarshalDocument(s AgentSession, indent bool) ([]byte, error) {
	doc := document{Header: &s.Info, Definition: s.Definition, State: s.State}
	var (
		data []byte
		err  error
	)
	if indent {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = json.Marshal(doc)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", s.ID(), err)
	}
	return data, nil
}

// UnmarshalDocument decodes a stored document. source names the file or key
// in integrity errors. Invalid JSON, a missing header or an undecodable
// definition or state are all *IntegrityError.
func UnmarshalDocument(source string, raw []byte) (*AgentSession, error) {
	doc, err := decodeDocument(source, raw)
	if err != nil {
		return nil, err
	}
	if doc.Header == nil {
		return nil, &IntegrityError{Path: source, Reason: "missing or invalid header"}
	}
	return &AgentSession{
		Info:       *doc.Header,
		Definition: doc.Definition,
		State:      doc.State,
	}, nil
}

// StoredVersion returns the version recorded in a stored document. ok is
// false when the document is valid JSON but carries no usable header; such a
// document counts as version 0 so a save can overwrite it. Invalid JSON is an
// *IntegrityError.
func StoredVersion(source string, raw []byte) (version int64, ok bool, err error) {
	fields, err := parseFields(source, raw)
	if err != nil {
		return 0, false, err
	}
	h := headerOf(fields)
	if h == nil {
		return 0, false, nil
	}
	return h.Version, true, nil
}

// parseFields splits a document into its top-level fields. Invalid JSON is an
// integrity error; valid JSON that is not an object has no fields.
func parseFields(source string, raw []byte) (map[string]json.RawMessage, error) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &IntegrityError{Path: source, Reason: "Invalid JSON", Err: err}
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &IntegrityError{Path: source, Reason: "Invalid JSON", Err: err}
	}
	return fields, nil
}

// headerOf returns the header when it is present and names a session.
func headerOf(fields map[string]json.RawMessage) *Info {
	h, ok := fields["header"]
	if !ok || bytes.Equal(bytes.TrimSpace(h), []byte("null")) {
		return nil
	}
	var info Info
	if err := json.Unmarshal(h, &info); err != nil || info.SessionID == "" {
		return nil
	}
	return &info
}

// decodeDocument parses a whole document. The header may come back nil;
// definition and state must decode.
func decodeDocument(source string, raw []byte) (*document, error) {
	fields, err := parseFields(source, raw)
	if err != nil {
		return nil, err
	}
	doc := &document{Header: headerOf(fields)}
	if d, ok := fields["definition"]; ok {
		if err := json.Unmarshal(d, &doc.Definition); err != nil {
			return nil, &IntegrityError{Path: source, Reason: "invalid definition", Err: err}
		}
	}
	if st, ok := fields["state"]; ok {
		if err := json.Unmarshal(st, &doc.State); err != nil {
			return nil, &IntegrityError{Path: source, Reason: "invalid state", Err: err}
		}
	}
	return doc, nil
}
