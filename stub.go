package redpub

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/mediocregopher/redpub/resp"
	"github.com/mediocregopher/redpub/resp/resp2"
)

// buffer is an in-memory stream of RESP messages. Writes never block, reads
// block until something has been written, the context is done, or the buffer
// is closed.
type buffer struct {
	l        sync.Mutex
	buf      *bytes.Buffer
	br       *bufio.Reader
	notifyCh chan struct{}
	closed   bool
	closeCh  chan struct{}
}

func newBuffer() *buffer {
	buf := new(bytes.Buffer)
	return &buffer{
		buf:      buf,
		br:       bufio.NewReader(buf),
		notifyCh: make(chan struct{}),
		closeCh:  make(chan struct{}),
	}
}

func (b *buffer) encode(m resp.Marshaler) error {
	b.l.Lock()
	defer b.l.Unlock()
	if b.closed {
		return errPreviouslyClosed
	} else if err := m.MarshalRESP(b.buf); err != nil {
		return err
	}
	close(b.notifyCh)
	b.notifyCh = make(chan struct{})
	return nil
}

func (b *buffer) decode(ctx context.Context, u resp.Unmarshaler) error {
	for {
		b.l.Lock()
		if b.closed {
			b.l.Unlock()
			return errPreviouslyClosed
		} else if b.buf.Len() > 0 || b.br.Buffered() > 0 {
			err := u.UnmarshalRESP(b.br)
			b.l.Unlock()
			return err
		}
		notifyCh := b.notifyCh
		b.l.Unlock()

		select {
		case <-notifyCh:
		case <-b.closeCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *buffer) Close() error {
	b.l.Lock()
	defer b.l.Unlock()
	if b.closed {
		return errPreviouslyClosed
	}
	b.closed = true
	close(b.closeCh)
	return nil
}

////////////////////////////////////////////////////////////////////////////////

type stub struct {
	*buffer
	fn func([]string) interface{}
}

// Stub returns a Conn which pretends it is a Conn to a real redis instance, but
// is instead using the given callback to service requests. It is primarily
// useful for writing tests.
//
// When EncodeDecode is called the value to be marshaled is converted into a
// []string and passed to the callback. The return from the callback is then
// marshaled and buffered, and will be unmarshaled by the next decode. A
// returned resp.Marshaler is written as-is, a returned error which isn't a
// resp.Marshaler is returned from EncodeDecode directly, anything else is
// written using resp2.Any.
//
// Decoding blocks until something has been encoded, if necessary, which makes
// Stub suitable for wrapping in a PubSubConn. NetConn always returns nil.
//
//	m := map[string]string{}
//	stub := redpub.Stub(func(args []string) interface{} {
//		switch args[0] {
//		case "GET":
//			return m[args[1]]
//		case "SET":
//			m[args[1]] = args[2]
//			return nil
//		default:
//			return fmt.Errorf("getSet doesn't support command %q", args[0])
//		}
//	})
//
//	stub.Do(ctx, redpub.Cmd(nil, "SET", "foo", "1"))
//
//	var foo int
//	stub.Do(ctx, redpub.Cmd(&foo, "GET", "foo"))
//	fmt.Printf("foo: %d\n", foo)
func Stub(fn func([]string) interface{}) Conn {
	return &stub{
		buffer: newBuffer(),
		fn:     fn,
	}
}

func (s *stub) Do(ctx context.Context, a Action) error {
	return a.Perform(ctx, s)
}

func (s *stub) encode(m resp.Marshaler) error {
	buf := new(bytes.Buffer)
	if err := m.MarshalRESP(buf); err != nil {
		return err
	}

	var ss []string
	if err := resp2.RawMessage(buf.Bytes()).UnmarshalInto(resp2.Any{I: &ss}); err != nil {
		return err
	}

	ret := s.fn(ss)
	if m, ok := ret.(resp.Marshaler); ok {
		return s.buffer.encode(m)
	} else if err, _ := ret.(error); err != nil {
		return err
	}
	return s.buffer.encode(resp2.Any{I: ret})
}

func (s *stub) EncodeDecode(ctx context.Context, m resp.Marshaler, u resp.Unmarshaler) error {
	if m != nil {
		if err := s.encode(m); err != nil {
			return err
		}
	}
	if u != nil {
		return s.buffer.decode(ctx, u)
	}
	return nil
}

func (s *stub) NetConn() net.Conn {
	return nil
}
