package updater

import "fmt"

// Kind classifies update failures.
type Kind int

const (
	KindMalformedContainer Kind = iota + 1
	KindManifest
	KindChecksumMismatch
	KindHalWrite
	KindHalFinalize
	KindConcurrentUpdate
	KindTimeout
	KindDeclined
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindMalformedContainer:
		return "malformed container"
	case KindManifest:
		return "manifest error"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindHalWrite:
		return "write error"
	case KindHalFinalize:
		return "finalize error"
	case KindConcurrentUpdate:
		return "update rejected"
	case KindTimeout:
		return "timeout"
	case KindDeclined:
		return "declined"
	case KindAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinels for errors.Is; an *Error matches the sentinel of its Kind.
var (
	ErrMalformedContainer = &Error{Kind: KindMalformedContainer}
	ErrManifest           = &Error{Kind: KindManifest}
	ErrChecksumMismatch   = &Error{Kind: KindChecksumMismatch}
	ErrHalWrite           = &Error{Kind: KindHalWrite}
	ErrHalFinalize        = &Error{Kind: KindHalFinalize}
	ErrConcurrentUpdate   = &Error{Kind: KindConcurrentUpdate}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrDeclined           = &Error{Kind: KindDeclined}
	ErrAborted            = &Error{Kind: KindAborted}
)

// CodeDeclined is the result code of an update refused by the event callback.
const CodeDeclined = -101

// Error is a fatal update failure. Code is the negative result code and
// Msg the message reported to the client.
type Error struct {
	Kind Kind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Code == 0
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Code: -1, Msg: msg, Err: err}
}
