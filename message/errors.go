package message

import (
	"errors"
	"fmt"
)

// Kind classifies where a failure came from.
type Kind uint8

const (
	// KindTransport: connect failure, timeout, stream closed early.
	KindTransport Kind = iota + 1
	// KindProtocol: bad magic tag, unexpected response action, malformed payload.
	KindProtocol
	// KindApplication: the server answered with a failure status.
	KindApplication
	// KindLocal: the client refused the call before touching the network.
	KindLocal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindApplication:
		return "application"
	case KindLocal:
		return "local"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Error is returned by every failed operation. Status and Message are exactly
// what the server sent for application errors; for the other kinds Status is
// StatusFailed and Message is one of the fixed Failed* texts.
type Error struct {
	Kind    Kind
	Status  int32
	Message string
	Err     error // underlying cause, nil for application errors
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s, state: %d (%s error: %v)", e.Message, e.Status, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s, state: %d (%s error)", e.Message, e.Status, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a network failure.
func NewTransportError(msg string, err error) *Error {
	return &Error{Kind: KindTransport, Status: StatusFailed, Message: msg, Err: err}
}

// NewProtocolError wraps a framing or decoding failure.
func NewProtocolError(msg string, err error) *Error {
	return &Error{Kind: KindProtocol, Status: StatusFailed, Message: msg, Err: err}
}

// NewApplicationError reports a failure status returned by the server.
func NewApplicationError(status int32, msg string) *Error {
	return &Error{Kind: KindApplication, Status: status, Message: msg}
}

// NewLocalError reports a call refused by the client itself.
func NewLocalError(msg string, err error) *Error {
	return &Error{Kind: KindLocal, Status: StatusFailed, Message: msg, Err: err}
}

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsTransport(err error) bool   { return kindOf(err) == KindTransport }
func IsProtocol(err error) bool    { return kindOf(err) == KindProtocol }
func IsApplication(err error) bool { return kindOf(err) == KindApplication }
func IsLocal(err error) bool       { return kindOf(err) == KindLocal }

// StatusOf extracts the status carried by err. nil maps to StatusSuccess and
// errors that are not *Error map to StatusFailed.
func StatusOf(err error) int32 {
	if err == nil {
		return StatusSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusFailed
}
