package dm

import "errors"

// Kind classifies a user-facing failure.
type Kind int

const (
	KindBackend Kind = iota
	KindUnauthenticated
	KindInvalidArgument
	KindNotFound
	KindValidation
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	default:
		return "backend"
	}
}

// Error is a failure carrying text suitable for display.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and message so the package-level values below
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == e.Msg
}

var (
	ErrNotAuthenticated  = &Error{Kind: KindUnauthenticated, Msg: "Not authenticated"}
	ErrSelfConversation  = &Error{Kind: KindInvalidArgument, Msg: "Cannot create conversation with yourself"}
	ErrEmptyContent      = &Error{Kind: KindValidation, Msg: "Message cannot be empty"}
	ErrContentTooLong    = &Error{Kind: KindValidation, Msg: "Message too long (max 10,000 characters)"}
	ErrInappropriate     = &Error{Kind: KindValidation, Msg: "Message contains inappropriate language."}
	ErrSendingTooQuickly = &Error{Kind: KindValidation, Msg: "You are sending messages too quickly."}
)

// Failure wraps a backend error under a display prefix, e.g.
// "Failed to send message: <backend text>".
func Failure(kind Kind, prefix string, err error) *Error {
	return &Error{Kind: kind, Msg: prefix + ": " + err.Error(), Err: err}
}

// KindOf extracts the kind of err, KindBackend when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackend
}
