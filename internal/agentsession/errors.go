package agentsession

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotInitialized is returned by SendMessage before a successful Initialize.
	ErrNotInitialized = errors.New("agentsession: not initialized")
	// ErrStaleSession marks errors caused by the runtime no longer knowing a resumed session.
	ErrStaleSession = errors.New("agentsession: stale upstream session")
)

// RuntimeError is returned by runtime adapters. Stderr carries whatever the
// runtime wrote to its diagnostic stream around the failure.
type RuntimeError struct {
	Op     string
	Err    error
	Stderr string
}

func (e *RuntimeError) Error() string {
	if e.Err == nil {
		return "runtime " + e.Op + " failed"
	}
	return fmt.Sprintf("runtime %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// StaleSessionError reports that SessionID was rejected by the runtime.
type StaleSessionError struct {
	SessionID string
	Err       error
}

func (e *StaleSessionError) Error() string {
	return fmt.Sprintf("session %s is no longer known upstream: %v", e.SessionID, e.Err)
}

func (e *StaleSessionError) Unwrap() error { return e.Err }

func (e *StaleSessionError) Is(target error) bool { return target == ErrStaleSession }

// staleSessionMarker is the text the claude runtime prints when --resume names
// a session it does not have. The runtime exposes no structured code for this,
// so detection stays a substring match until it does.
const staleSessionMarker = "no conversation found"

// IsStaleSession reports whether err, the RuntimeError.Stderr it may carry, or
// the buffered stderr lines contain the stale-session marker. Callers only ask
// when a resume id was actually in play.
func IsStaleSession(err error, stderrLines []string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleSession) {
		return true
	}
	if containsMarker(err.Error()) {
		return true
	}
	var rtErr *RuntimeError
	if errors.As(err, &rtErr) && containsMarker(rtErr.Stderr) {
		return true
	}
	for _, line := range stderrLines {
		if containsMarker(line) {
			return true
		}
	}
	return false
}

func containsMarker(s string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), staleSessionMarker)
}
