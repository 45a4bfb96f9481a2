package chord

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrJoinInvalidState  = errorDef("chord/membership: node cannot handle join request at the moment", true)
	ErrJoinUnreachable   = errorDef("chord/membership: remote node is unreachable", false)
	ErrDuplicateID       = errorDef("chord/membership: remote node has duplicate ID as the joining node", false)
	ErrLeaveInvalidState = errorDef("chord/membership: node cannot handle leave request at the moment", false)
	ErrLookupFailed      = errorDef("chord: successor lookup failed", true)

	ErrNodeNotStarted    = errorDef("chord: node is not running", false)
	ErrNodeLeaving       = errorDef("chord: node is leaving the ring", true)
	ErrNodeCrashed       = errorDef("chord: node is in simulated crash", false)
	ErrNodeLeft          = errorDef("chord: node has left the ring", false)
	ErrNodeNoPredecessor = errorDef("chord: node has no predecessor", false)
	ErrRelayLoop         = errorDef("chord: request exceeded maximum relay hops", false)
	ErrInvalidRequest    = errorDef("chord: malformed request", false)
	ErrKVNotFound        = errorDef("chord/kv: key not found", false)
	ErrKVHandoffFailure  = errorDef("chord/kv: failed to hand off keys to successor", false)
)

func ErrorIsRetryable(err error) bool {
	for e, retryable := range retryableMap {
		if retryable && errors.Is(err, e) {
			return true
		}
	}
	return false
}

// messenger is implemented by transport errors carrying the peer's error text
type messenger interface {
	Message() string
}

// this is needed because RPC call squash type information, so in call site with signature
// if err == ErrABC will fail (but err.Error() == ErrABC.Error() will work).
func ErrorMapper(err error) error {
	if err == nil {
		return err
	}

	var (
		srcErr    = err.Error()
		parsedErr = err
		m         messenger
	)

	if errors.As(err, &m) {
		srcErr = m.Message()
	}

	if mapped, ok := errorStrMap[srcErr]; ok {
		parsedErr = mapped
	}

	return parsedErr
}

var retryableMap map[error]bool = map[error]bool{
	context.DeadlineExceeded: true,
}

var errorStrMap map[string]error = map[string]error{}

func errorDef(str string, retryable bool) error {
	err := errors.New(str)
	retryableMap[err] = retryable
	errorStrMap[str] = err
	return err
}

// Errorf wraps a sentinel with additional context while keeping errors.Is working
func Errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// RootError returns the registered error wrapped by err, so it can be sent to a peer verbatim
func RootError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if mapped, ok := errorStrMap[err.Error()]; ok {
		return mapped, true
	}
	for _, def := range errorStrMap {
		if errors.Is(err, def) {
			return def, true
		}
	}
	return nil, false
}
