package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies engine-level failures per §7's propagation table.
type ErrorKind int

const (
	ProtocolViolation ErrorKind = iota
	UnknownInfoHash
	UnsupportedMessage
	WriteFailure
	ReadFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol violation"
	case UnknownInfoHash:
		return "unknown infohash"
	case UnsupportedMessage:
		return "unsupported message"
	case WriteFailure:
		return "write failure"
	case ReadFailure:
		return "read failure"
	default:
		return "unknown error kind"
	}
}

// EngineError wraps an ErrorKind with a human-readable reason. Dispatcher
// rejections (ProtocolViolation, UnsupportedMessage, UnknownInfoHash) are
// constructed with newProtocolError, newUnsupportedMessageError and
// newUnknownInfoHashError, which only format the reason with fmt.Sprintf:
// they are disconnect-the-peer events, not worth a captured stack trace.
type EngineError struct {
	Kind   ErrorKind
	Reason string
	cause  error
}

func (e *EngineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *EngineError) Unwrap() error { return e.cause }

func newProtocolError(format string, args ...any) *EngineError {
	return &EngineError{Kind: ProtocolViolation, Reason: fmt.Sprintf(format, args...)}
}

func newUnknownInfoHashError(format string, args ...any) *EngineError {
	return &EngineError{Kind: UnknownInfoHash, Reason: fmt.Sprintf(format, args...)}
}

func newUnsupportedMessageError(format string, args ...any) *EngineError {
	return &EngineError{Kind: UnsupportedMessage, Reason: fmt.Sprintf(format, args...)}
}

// newDiskError wraps a disk-collaborator boundary crossing (write or hash
// fetch) with github.com/pkg/errors so the torrent's error state carries a
// stack trace pointing at the pipeline step that observed the failure,
// matching the teacher's go.mod carrying both plain errors and pkg/errors.
func newDiskError(kind ErrorKind, cause error, context string) *EngineError {
	return &EngineError{Kind: kind, Reason: context, cause: errors.WithStack(cause)}
}
