package pgm

import "github.com/pkg/errors"

// Status is the result of an I/O operation against a Transport.
type Status int

const (
	StatusNormal Status = iota
	StatusReset
	StatusFinishedWaitingRead
	StatusFinishedWaitingWrite
	StatusWouldBlock
	StatusRateLimited
	StatusTimerPending
	StatusEof
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusReset:
		return "Reset"
	case StatusFinishedWaitingRead:
		return "FinishedWaitingRead"
	case StatusFinishedWaitingWrite:
		return "FinishedWaitingWrite"
	case StatusWouldBlock:
		return "WouldBlock"
	case StatusRateLimited:
		return "RateLimited"
	case StatusTimerPending:
		return "TimerPending"
	case StatusEof:
		return "Eof"
	default:
		return "Error"
	}
}

// ErrorKind classifies failures into a small taxonomy. Kinds, not
// concrete Go error types: callers inspect them via KindOf, and
// every wrapped error carries github.com/pkg/errors stack traces,
// matching how this codebase's error paths construct/unwrap
// stackTracer for logging.
type ErrorKind int

const (
	_ ErrorKind = iota
	KindPacket
	KindProtocol
	KindReceiverReset
	KindTransportClosed
	KindSystem
	KindRateLimited
)

// pgmError carries a Kind alongside the wrapped cause.
type pgmError struct {
	kind  ErrorKind
	cause error
}

func (e *pgmError) Error() string { return e.cause.Error() }
func (e *pgmError) Unwrap() error { return e.cause }
func (e *pgmError) Kind() ErrorKind { return e.kind }

func newKindError(kind ErrorKind, format string, args ...interface{}) error {
	return &pgmError{kind: kind, cause: errors.Errorf(format, args...)}
}

func wrapKindError(kind ErrorKind, cause error, msg string) error {
	return &pgmError{kind: kind, cause: errors.Wrap(cause, msg)}
}

// KindOf extracts the ErrorKind from err, if it (or something it
// wraps) is a pgm error.
func KindOf(err error) (ErrorKind, bool) {
	var pe *pgmError
	if errors.As(err, &pe) {
		return pe.kind, true
	}
	return 0, false
}

// ErrTransportClosed is returned by operations on a destroyed
// Transport.
var ErrTransportClosed = newKindError(KindTransportClosed, "pgm: transport closed")
