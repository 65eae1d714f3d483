// Package resp2 implements the original redis RESP protocol, the plaintext
// protocol redis uses for all client/server communication. Only the types
// needed to issue commands and consume publish/subscribe traffic are
// implemented.
//
// See https://redis.io/topics/protocol
package resp2

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/mediocregopher/redpub/internal/bytesutil"
	"github.com/mediocregopher/redpub/resp"
)

var delim = []byte{'\r', '\n'}

const (
	simpleStrPrefix = '+'
	errPrefix       = '-'
	intPrefix       = ':'
	bulkStrPrefix   = '$'
	arrayPrefix     = '*'
)

var (
	nilBulkString = []byte("$-1\r\n")
	nilArray      = []byte("*-1\r\n")
)

// peekAndAssertPrefix checks that the next message on br has the given
// prefix. If it doesn't the message is consumed; a redis error reply is
// returned as an Error, anything else as a generic error, both wrapped in
// resp.ErrConnUsable.
func peekAndAssertPrefix(br *bufio.Reader, expectedPrefix byte) error {
	b, err := br.Peek(1)
	if err != nil {
		return err
	}
	prefix := b[0]
	if prefix == expectedPrefix {
		return nil
	} else if prefix == errPrefix {
		var respErr Error
		if err := respErr.UnmarshalRESP(br); err != nil {
			return err
		}
		return resp.ErrConnUsable{Err: respErr}
	}

	var rm RawMessage
	if err := rm.UnmarshalRESP(br); err != nil {
		return err
	}
	return resp.ErrConnUsable{Err: fmt.Errorf(
		"expected prefix %q, got %q", expectedPrefix, prefix,
	)}
}

func writeLine(w io.Writer, prefix byte, body []byte) error {
	scratch := bytesutil.GetBytes()
	defer bytesutil.PutBytes(scratch)
	*scratch = append(*scratch, prefix)
	*scratch = append(*scratch, body...)
	*scratch = append(*scratch, delim...)
	_, err := w.Write(*scratch)
	return err
}

func writeIntLine(w io.Writer, prefix byte, i int64) error {
	scratch := bytesutil.GetBytes()
	defer bytesutil.PutBytes(scratch)
	*scratch = append(*scratch, prefix)
	*scratch = strconv.AppendInt(*scratch, i, 10)
	*scratch = append(*scratch, delim...)
	_, err := w.Write(*scratch)
	return err
}

////////////////////////////////////////////////////////////////////////////////

// SimpleString represents the simple string type in the RESP protocol.
type SimpleString struct {
	S string
}

// MarshalRESP implements the Marshaler method.
func (ss SimpleString) MarshalRESP(w io.Writer) error {
	return writeLine(w, simpleStrPrefix, []byte(ss.S))
}

// UnmarshalRESP implements the Unmarshaler method.
func (ss *SimpleString) UnmarshalRESP(br *bufio.Reader) error {
	if err := peekAndAssertPrefix(br, simpleStrPrefix); err != nil {
		return err
	}
	b, err := bytesutil.ReadBytesDelim(br)
	if err != nil {
		return err
	}
	ss.S = string(b[1:])
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// Error represents an error type in the RESP protocol. Note that this only
// represents an actual error message being read/written on the stream, it is
// separate from network or parsing errors. An E value of nil is equivalent to
// an empty error string.
type Error struct {
	E error
}

func (e Error) Error() string {
	if e.E == nil {
		return ""
	}
	return e.E.Error()
}

// MarshalRESP implements the Marshaler method.
func (e Error) MarshalRESP(w io.Writer) error {
	return writeLine(w, errPrefix, []byte(e.Error()))
}

// UnmarshalRESP implements the Unmarshaler method.
func (e *Error) UnmarshalRESP(br *bufio.Reader) error {
	b, err := br.Peek(1)
	if err != nil {
		return err
	} else if b[0] != errPrefix {
		prefix := b[0]
		var rm RawMessage
		if err := rm.UnmarshalRESP(br); err != nil {
			return err
		}
		return resp.ErrConnUsable{Err: fmt.Errorf("expected error reply, got prefix %q", prefix)}
	}

	if b, err = bytesutil.ReadBytesDelim(br); err != nil {
		return err
	}
	e.E = errors.New(string(b[1:]))
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// Int represents an int type in the RESP protocol.
type Int struct {
	I int64
}

// MarshalRESP implements the Marshaler method.
func (i Int) MarshalRESP(w io.Writer) error {
	return writeIntLine(w, intPrefix, i.I)
}

// UnmarshalRESP implements the Unmarshaler method.
func (i *Int) UnmarshalRESP(br *bufio.Reader) error {
	if err := peekAndAssertPrefix(br, intPrefix); err != nil {
		return err
	}
	b, err := bytesutil.ReadBytesDelim(br)
	if err != nil {
		return err
	}
	n, err := bytesutil.ParseInt(b[1:])
	if err != nil {
		return resp.ErrConnUsable{Err: err}
	}
	i.I = n
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// BulkStringBytes represents the bulk string type in the RESP protocol using
// a go byte slice. A B value of nil indicates the nil bulk string message,
// unless MarshalNotNil is set.
type BulkStringBytes struct {
	B             []byte
	MarshalNotNil bool
}

// MarshalRESP implements the Marshaler method.
func (b BulkStringBytes) MarshalRESP(w io.Writer) error {
	if b.B == nil && !b.MarshalNotNil {
		_, err := w.Write(nilBulkString)
		return err
	}

	scratch := bytesutil.GetBytes()
	defer bytesutil.PutBytes(scratch)
	*scratch = append(*scratch, bulkStrPrefix)
	*scratch = strconv.AppendInt(*scratch, int64(len(b.B)), 10)
	*scratch = append(*scratch, delim...)
	*scratch = append(*scratch, b.B...)
	*scratch = append(*scratch, delim...)
	_, err := w.Write(*scratch)
	return err
}

// UnmarshalRESP implements the Unmarshaler method.
func (b *BulkStringBytes) UnmarshalRESP(br *bufio.Reader) error {
	if err := peekAndAssertPrefix(br, bulkStrPrefix); err != nil {
		return err
	}
	line, err := bytesutil.ReadBytesDelim(br)
	if err != nil {
		return err
	}
	n, err := bytesutil.ParseInt(line[1:])
	if err != nil {
		return err
	} else if n == -1 {
		b.B = nil
		return nil
	} else if n < 0 {
		return fmt.Errorf("invalid bulk string length %d", n)
	}

	dst := b.B[:0]
	if dst == nil {
		dst = []byte{}
	}
	if b.B, err = bytesutil.ReadNAppend(br, dst, int(n)); err != nil {
		return err
	}
	return bytesutil.ReadNDiscard(br, len(delim))
}

// BulkString represents the bulk string type in the RESP protocol using a go
// string. A nil bulk string is unmarshaled as the empty string.
type BulkString struct {
	S string
}

// MarshalRESP implements the Marshaler method.
func (b BulkString) MarshalRESP(w io.Writer) error {
	return BulkStringBytes{B: []byte(b.S), MarshalNotNil: true}.MarshalRESP(w)
}

// UnmarshalRESP implements the Unmarshaler method.
func (b *BulkString) UnmarshalRESP(br *bufio.Reader) error {
	var bsb BulkStringBytes
	if err := bsb.UnmarshalRESP(br); err != nil {
		return err
	}
	b.S = string(bsb.B)
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// ArrayHeader represents the header sent preceding array elements in the RESP
// protocol. It does not actually encompass any elements itself, it only
// declares how many elements will come after it.
//
// An N of -1 may also be used to indicate a nil response, as per the RESP
// spec.
type ArrayHeader struct {
	N int
}

// MarshalRESP implements the Marshaler method.
func (ah ArrayHeader) MarshalRESP(w io.Writer) error {
	return writeIntLine(w, arrayPrefix, int64(ah.N))
}

// UnmarshalRESP implements the Unmarshaler method.
func (ah *ArrayHeader) UnmarshalRESP(br *bufio.Reader) error {
	if err := peekAndAssertPrefix(br, arrayPrefix); err != nil {
		return err
	}
	b, err := bytesutil.ReadBytesDelim(br)
	if err != nil {
		return err
	}
	n, err := bytesutil.ParseInt(b[1:])
	if err != nil {
		return err
	}
	ah.N = int(n)
	return nil
}

// Array represents an array of RESP elements which will be marshaled as a
// RESP array. If A is nil then a nil RESP array will be marshaled.
type Array struct {
	A []resp.Marshaler
}

// MarshalRESP implements the Marshaler method.
func (a Array) MarshalRESP(w io.Writer) error {
	ah := ArrayHeader{N: len(a.A)}
	if a.A == nil {
		ah.N = -1
	}
	if err := ah.MarshalRESP(w); err != nil {
		return err
	}
	for _, el := range a.A {
		if err := el.MarshalRESP(w); err != nil {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// RawMessage is a Marshaler/Unmarshaler which will capture the exact raw bytes
// of a RESP message. When Marshaling the exact bytes of the RawMessage will be
// written as-is. When Unmarshaling the bytes of a single RESP message will be
// read into the RawMessage's bytes.
type RawMessage []byte

// MarshalRESP implements the Marshaler method.
func (rm RawMessage) MarshalRESP(w io.Writer) error {
	_, err := w.Write(rm)
	return err
}

// UnmarshalRESP implements the Unmarshaler method.
func (rm *RawMessage) UnmarshalRESP(br *bufio.Reader) error {
	*rm = (*rm)[:0]
	return rm.readMessage(br)
}

func (rm *RawMessage) readMessage(br *bufio.Reader) error {
	line, err := bytesutil.ReadBytesDelim(br)
	if err != nil {
		return err
	} else if len(line) == 0 {
		return errors.New("empty resp line")
	}
	// line is only valid until the next read on br, so everything needed from
	// it is pulled out before recursing.
	*rm = append(*rm, line...)
	*rm = append(*rm, delim...)

	switch line[0] {
	case simpleStrPrefix, errPrefix, intPrefix:
		return nil
	case bulkStrPrefix:
		n, err := bytesutil.ParseInt(line[1:])
		if err != nil {
			return err
		} else if n < 0 {
			return nil
		}
		*rm, err = bytesutil.ReadNAppend(br, *rm, int(n)+len(delim))
		return err
	case arrayPrefix:
		n, err := bytesutil.ParseInt(line[1:])
		if err != nil {
			return err
		}
		for i := int64(0); i < n; i++ {
			if err := rm.readMessage(br); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown resp prefix %q", line[0])
	}
}

// UnmarshalInto is a shortcut for wrapping this RawMessage in a *bufio.Reader
// and passing that into the given Unmarshaler's UnmarshalRESP method.
func (rm RawMessage) UnmarshalInto(u resp.Unmarshaler) error {
	return u.UnmarshalRESP(bufio.NewReader(bytes.NewReader(rm)))
}

// IsNil returns true if the contents of RawMessage are one of the nil values.
func (rm RawMessage) IsNil() bool {
	return bytes.Equal(rm, nilBulkString) || bytes.Equal(rm, nilArray)
}

// IsError returns true if the RawMessage is a redis error reply.
func (rm RawMessage) IsError() bool {
	return len(rm) > 0 && rm[0] == errPrefix
}
