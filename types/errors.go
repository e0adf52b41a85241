package types

import (
	"github.com/pkg/errors"
)

// Error kinds. Every failure leaving an adapter is one of these.
var (
	ErrInvalidURI        = errors.New("invalid uri")
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrPermitParse       = errors.New("permit parse failure")
	ErrUserRejected      = errors.New("user rejected")
	ErrTransport         = errors.New("transport error")
	ErrTimeout           = errors.New("timeout")
	ErrDoubleSettle      = errors.New("anomalous double settle")
)

// Error tags a cause with its kind and the operation that produced it.
// errors.Is matches both the kind and anything in the cause chain.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transport wraps a network or rpc failure, nil stays nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return NewError(ErrTransport, op, err)
}

// Retryable reports whether the UI should offer a retry affordance for err.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrInvalidURI)
}
