// Package bytesutil provides helpers for reading the line-oriented parts of
// the RESP protocol off of a buffered stream.
package bytesutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

var bytePool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 64)
		return &b
	},
}

// GetBytes returns a non-nil pointer to a pooled, zero-length byte slice. It
// should be returned with PutBytes when no longer needed.
func GetBytes() *[]byte {
	return bytePool.Get().(*[]byte)
}

// PutBytes returns b to the pool. Neither b nor its slice may be used after.
func PutBytes(b *[]byte) {
	*b = (*b)[:0]
	bytePool.Put(b)
}

// ParseInt parses a base-10 signed integer out of b without allocating a
// string.
func ParseInt(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, errors.New("empty slice given to ParseInt")
	}

	var neg bool
	if b[0] == '-' || b[0] == '+' {
		neg = b[0] == '-'
		b = b[1:]
	}

	n, err := ParseUint(b)
	if err != nil {
		return 0, err
	} else if neg {
		return -int64(n), nil
	}
	return int64(n), nil
}

// ParseUint parses a base-10 unsigned integer out of b without allocating a
// string.
func ParseUint(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, errors.New("empty slice given to ParseUint")
	}

	var n uint64
	for i, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character %q at position %d in ParseUint", c, i)
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

// ReadBytesDelim reads a line from br, checks that it ends in \r\n, and
// returns it without the delimiter. The returned slice is only valid until the
// next read on br.
func ReadBytesDelim(br *bufio.Reader) ([]byte, error) {
	b, err := br.ReadSlice('\n')
	if err != nil {
		return nil, err
	} else if len(b) < 2 || b[len(b)-2] != '\r' {
		return nil, fmt.Errorf("malformed resp %q", b)
	}
	return b[:len(b)-2], nil
}

// ReadNAppend reads exactly n bytes from r and appends them to b.
func ReadNAppend(r io.Reader, b []byte, n int) ([]byte, error) {
	if n == 0 {
		return b, nil
	}
	m := len(b)
	if cap(b) < m+n {
		nb := make([]byte, m, m+n)
		copy(nb, b)
		b = nb
	}
	b = b[:m+n]
	_, err := io.ReadFull(r, b[m:])
	return b, err
}

// ReadNDiscard discards exactly n bytes from r, using r's Discard method if
// it has one.
func ReadNDiscard(r io.Reader, n int) error {
	type discarder interface {
		Discard(int) (int, error)
	}

	if n == 0 {
		return nil
	} else if d, ok := r.(discarder); ok {
		_, err := d.Discard(n)
		return err
	}

	_, err := io.CopyN(io.Discard, r, int64(n))
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
