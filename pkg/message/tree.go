package message

import (
	"fmt"
	"slices"
	"strings"
)

// walkPath follows parent links from target up to a root and returns the
// chain root first. It loops instead of recursing so long histories cannot
// exhaust the stack.
func walkPath(lookup func(id string) (Message, bool), target string) ([]Message, error) {
	if target == "" {
		return nil, nil
	}

	var path []Message
	seen := make(map[string]struct{})
	for id := target; id != ""; {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w at %s", ErrCorruptTree, id)
		}
		seen[id] = struct{}{}

		msg, ok := lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		path = append(path, msg.Clone())
		id = msg.ParentID
	}

	slices.Reverse(path)
	return path, nil
}

// tail returns the last limit items of msgs, or all of them when limit <= 0.
func tail(msgs []Message, limit int) []Message {
	if limit > 0 && limit < len(msgs) {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

// SanitizeID maps a session id to a filesystem-safe file stem: every rune
// outside [A-Za-z0-9_-] becomes '_'.
func SanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
