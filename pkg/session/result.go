package session

import "errors"

// SaveResult is the outcome of Store.Save. Exactly one of IsOK, IsConflict and
// IsFailure is true.
type SaveResult struct {
	session  *AgentSession
	conflict *ConflictError
	err      error
}

// Saved is the Ok outcome carrying the persisted session.
func Saved(s AgentSession) SaveResult {
	return SaveResult{session: &s}
}

// Conflicted is the Conflict outcome. stored is the version the store holds,
// presented the version the caller sent.
func Conflicted(id SessionID, stored, presented int64) SaveResult {
	return SaveResult{conflict: &ConflictError{ID: id, Expected: stored, Actual: presented}}
}

// Failed is the Failure outcome for I/O and integrity errors.
func Failed(err error) SaveResult {
	if err == nil {
		err = errUnknownFailure
	}
	return SaveResult{err: err}
}

func (r SaveResult) IsOK() bool       { return r.session != nil }
func (r SaveResult) IsConflict() bool { return r.conflict != nil }
func (r SaveResult) IsFailure() bool  { return r.session == nil && r.conflict == nil }

// Session returns the persisted session on Ok, nil otherwise.
func (r SaveResult) Session() *AgentSession { return r.session }

// Message returns the conflict description, or "" when not a conflict.
func (r SaveResult) Message() string {
	if r.conflict == nil {
		return ""
	}
	return r.conflict.Error()
}

// Err converts a non-Ok result into an error: a *ConflictError for conflicts
// or the underlying failure. It returns nil on Ok.
func (r SaveResult) Err() error {
	switch {
	case r.session != nil:
		return nil
	case r.conflict != nil:
		return r.conflict
	case r.err != nil:
		return r.err
	default:
		return errUnknownFailure
	}
}

var errUnknownFailure = errors.New("save failed")

// Outcome names the result for logs and metric labels.
func (r SaveResult) Outcome() string {
	switch {
	case r.IsOK():
		return "ok"
	case r.IsConflict():
		return "conflict"
	default:
		return "failure"
	}
}
