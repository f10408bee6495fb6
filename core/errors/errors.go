package errors

import (
	stderrors "errors"
	"fmt"
)

// Phase names a step of the connect sequence.
type Phase string

const (
	PhaseResolve           Phase = "resolve"
	PhaseControlConnection Phase = "control-connection"
	PhaseOutgoingCall      Phase = "outgoing-call"
	PhaseLinkInfo          Phase = "link-info"
	PhaseGRE               Phase = "gre"
	PhaseLCP               Phase = "lcp"
	PhaseAuth              Phase = "auth"
	PhaseCBCP              Phase = "cbcp"
	PhaseIPCP              Phase = "ipcp"
)

// ErrTimeout is wrapped by a PhaseError when the peer did not answer in time.
var ErrTimeout = stderrors.New("phase timed out")

// PhaseError is returned when a connect attempt fails. It records where
// the attempt stopped and why.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e PhaseError) Unwrap() error {
	return e.Err
}

// PhaseOf returns the phase of the first PhaseError in err's chain.
func PhaseOf(err error) (Phase, bool) {
	var pe PhaseError
	if stderrors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}

// ClosedError is returned by a session that has been shut down.
type ClosedError struct {
	Err error // can be nil
}

func (e ClosedError) Error() string {
	if e.Err == nil {
		return "tunnel closed"
	}
	return "tunnel closed: " + e.Err.Error()
}

func (e ClosedError) Unwrap() error {
	return e.Err
}

// ConfigError is returned when a client config field is invalid.
type ConfigError struct {
	Field  string
	Reason string
}

func (c ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", c.Field, c.Reason)
}
