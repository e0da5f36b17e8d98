// Package taskgraph owns the task set: identifier grammar, the dependency
// DAG, the stage machine, and readiness propagation.
package taskgraph

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	sessionIDPattern = regexp.MustCompile(`^PS_[0-9]{6}$`)
	localIDPattern   = regexp.MustCompile(`^(T[0-9]+[A-Z]?(_[A-Z]+)?|CTX[0-9]+)$`)
)

// InvalidIDError reports an identifier that does not match the grammar.
type InvalidIDError struct {
	ID     string
	Reason string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid id %q: %s", e.ID, e.Reason)
}

// NormalizeSessionID validates and upper-cases a session id (PS_NNNNNN).
// Normalization is idempotent.
func NormalizeSessionID(raw string) (string, error) {
	id := strings.ToUpper(strings.TrimSpace(raw))
	if !sessionIDPattern.MatchString(id) {
		return "", &InvalidIDError{ID: raw, Reason: "session id must match PS_[0-9]{6}"}
	}
	return id, nil
}

// NormalizeTaskID validates a task id and returns its global form
// <session>_<local>. The input may be a bare local part (T1, CTX2) or an
// already-global id for the same session. A doubled session prefix is an
// explicit error rather than being silently stripped.
func NormalizeTaskID(sessionID, raw string) (string, error) {
	sid, err := NormalizeSessionID(sessionID)
	if err != nil {
		return "", err
	}
	id := strings.ToUpper(strings.TrimSpace(raw))
	if id == "" {
		return "", &InvalidIDError{ID: raw, Reason: "empty task id"}
	}

	if strings.HasPrefix(id, sid+"_") {
		rest := strings.TrimPrefix(id, sid+"_")
		if strings.HasPrefix(rest, sid+"_") {
			return "", &InvalidIDError{ID: raw, Reason: "doubled session prefix"}
		}
		if !localIDPattern.MatchString(rest) {
			return "", &InvalidIDError{ID: raw, Reason: "local part must match T<digits>[A-Z]?(_[A-Z]+)? or CTX<digits>"}
		}
		return sid + "_" + rest, nil
	}

	if !localIDPattern.MatchString(id) {
		return "", &InvalidIDError{ID: raw, Reason: "local part must match T<digits>[A-Z]?(_[A-Z]+)? or CTX<digits>"}
	}
	return sid + "_" + id, nil
}

// SplitTaskID splits a global task id into session and local parts.
func SplitTaskID(global string) (sessionID, local string, err error) {
	id := strings.ToUpper(strings.TrimSpace(global))
	if len(id) < 10 || !strings.HasPrefix(id, "PS_") {
		return "", "", &InvalidIDError{ID: global, Reason: "missing session prefix"}
	}
	// PS_ + 6 digits + _
	sid := id[:9]
	if _, err := NormalizeSessionID(sid); err != nil {
		return "", "", &InvalidIDError{ID: global, Reason: "malformed session prefix"}
	}
	if id[9] != '_' {
		return "", "", &InvalidIDError{ID: global, Reason: "missing separator after session prefix"}
	}
	rest := id[10:]
	if strings.HasPrefix(rest, sid+"_") {
		return "", "", &InvalidIDError{ID: global, Reason: "doubled session prefix"}
	}
	if !localIDPattern.MatchString(rest) {
		return "", "", &InvalidIDError{ID: global, Reason: "malformed local part"}
	}
	return sid, rest, nil
}
