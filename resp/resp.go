// Package resp defines the interfaces shared by every RESP codec in redpub,
// along with the error wrapper used to tell a connection's reader whether a
// failed (un)marshal left the stream in a usable state.
package resp

import (
	"bufio"
	"errors"
	"io"
)

// Marshaler is implemented by types which can write themselves onto a
// connection as one or more RESP messages.
//
// A Marshaler which fails after writing part of a message must return an
// error which is NOT wrapped in ErrConnUsable.
type Marshaler interface {
	MarshalRESP(io.Writer) error
}

// Unmarshaler is implemented by types which can read themselves off a
// connection. UnmarshalRESP must consume exactly one full RESP message unless
// the reader itself returns an error.
type Unmarshaler interface {
	UnmarshalRESP(*bufio.Reader) error
}

// ErrConnUsable wraps an error encountered while marshaling or unmarshaling
// a message, and declares that no partial message was written or left unread.
// Redis error replies are always returned wrapped in this type.
type ErrConnUsable struct {
	Err error
}

// ErrConnUnusable strips an ErrConnUsable wrapper from err, if there is one.
func ErrConnUnusable(err error) error {
	if err == nil {
		return nil
	} else if errConnUsable := (ErrConnUsable{}); errors.As(err, &errConnUsable) {
		return errConnUsable.Err
	}
	return err
}

func (ed ErrConnUsable) Error() string {
	return ed.Err.Error()
}

// Unwrap implements the errors.Wrapper interface.
func (ed ErrConnUsable) Unwrap() error {
	return ed.Err
}

// IsConnUsable returns true if err is nil or is wrapped in ErrConnUsable.
func IsConnUsable(err error) bool {
	return err == nil || errors.As(err, new(ErrConnUsable))
}
