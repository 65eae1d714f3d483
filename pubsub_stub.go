package redpub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mediocregopher/redpub/resp"
	"github.com/mediocregopher/redpub/resp/resp2"
)

var errPubSubMode = resp2.Error{
	E: errors.New("ERR only (P)SUBSCRIBE / (P)UNSUBSCRIBE / PING / QUIT allowed in this context"),
}

type multiMarshal []resp.Marshaler

func (mm multiMarshal) MarshalRESP(w io.Writer) error {
	for _, m := range mm {
		if err := m.MarshalRESP(w); err != nil {
			return err
		}
	}
	return nil
}

type pubSubStub struct {
	Conn
	fn   func([]string) interface{}
	inCh <-chan PubSubMessage

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error

	l               sync.Mutex
	pubsubMode      bool
	subbed, psubbed map[string]bool

	// this is only used for tests
	mDoneCh chan struct{}
}

// PubSubStub returns a Conn much like Stub does. It differs in that (P)SUBSCRIBE,
// (P)UNSUBSCRIBE and PING commands are intercepted and handled as per redis'
// expected pubsub functionality. A PubSubMessage may be written to the returned
// channel at any time, and if the PubSubStub has had (P)SUBSCRIBE called
// matching that PubSubMessage it will be written to the PubSubStub's internal
// buffer as expected.
//
// Once created this stub can be wrapped in a normal PubSubConn using
// NewPubSubConn and treated like a real connection:
//
//	stub, stubCh := redpub.PubSubStub(func([]string) interface{} {
//		return nil
//	})
//
//	go func() {
//		for {
//			stubCh <- redpub.PubSubMessage{
//				Channel: "foo",
//				Message: []byte("bar"),
//			}
//			time.Sleep(1 * time.Second)
//		}
//	}()
//
//	pstub := redpub.NewPubSubConn(stub)
//	msgCh := make(chan redpub.PubSubMessage)
//	if err := pstub.Subscribe(ctx, msgCh, "foo"); err != nil {
//		log.Fatal(err)
//	}
//	for m := range msgCh {
//		log.Printf("read m: %#v", m)
//	}
func PubSubStub(fn func([]string) interface{}) (Conn, chan<- PubSubMessage) {
	ch := make(chan PubSubMessage)
	s := &pubSubStub{
		fn:      fn,
		inCh:    ch,
		closeCh: make(chan struct{}),
		subbed:  map[string]bool{},
		psubbed: map[string]bool{},
		mDoneCh: make(chan struct{}, 1),
	}
	s.Conn = Stub(s.innerFn)
	go s.spin()
	return s, ch
}

func (s *pubSubStub) innerFn(ss []string) interface{} {
	s.l.Lock()
	defer s.l.Unlock()

	writeRes := func(mm multiMarshal, cmd, subj string) multiMarshal {
		c := len(s.subbed) + len(s.psubbed)
		s.pubsubMode = c > 0
		return append(mm, resp2.Any{I: []interface{}{cmd, subj, c}})
	}

	switch strings.ToUpper(ss[0]) {
	case "PING":
		if !s.pubsubMode {
			return s.fn(ss)
		}
		return []string{"pong", ""}
	case "SUBSCRIBE":
		var mm multiMarshal
		for _, channel := range ss[1:] {
			s.subbed[channel] = true
			mm = writeRes(mm, "subscribe", channel)
		}
		return mm
	case "UNSUBSCRIBE":
		var mm multiMarshal
		for _, channel := range ss[1:] {
			delete(s.subbed, channel)
			mm = writeRes(mm, "unsubscribe", channel)
		}
		return mm
	case "PSUBSCRIBE":
		var mm multiMarshal
		for _, pattern := range ss[1:] {
			s.psubbed[pattern] = true
			mm = writeRes(mm, "psubscribe", pattern)
		}
		return mm
	case "PUNSUBSCRIBE":
		var mm multiMarshal
		for _, pattern := range ss[1:] {
			delete(s.psubbed, pattern)
			mm = writeRes(mm, "punsubscribe", pattern)
		}
		return mm
	case "MESSAGE":
		m := PubSubMessage{
			Channel: ss[1],
			Message: []byte(ss[2]),
		}

		mm := multiMarshal{}
		if s.subbed[m.Channel] {
			m.Type = "message"
			mm = append(mm, m)
		}
		for pattern := range s.psubbed {
			if !globMatch(pattern, m.Channel) {
				continue
			}
			m.Type = "pmessage"
			m.Pattern = pattern
			mm = append(mm, m)
		}
		return mm
	default:
		if s.pubsubMode {
			return errPubSubMode
		}
		return s.fn(ss)
	}
}

func (s *pubSubStub) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.closeErr = s.Conn.Close()
	})
	return s.closeErr
}

func (s *pubSubStub) spin() {
	for {
		select {
		case m, ok := <-s.inCh:
			if !ok {
				panic("PubSubStub message channel was closed")
			}
			m.Type = "message"
			m.Pattern = ""
			err := s.Conn.EncodeDecode(context.Background(), m, nil)
			if errors.Is(err, errPreviouslyClosed) {
				return
			} else if err != nil {
				panic(fmt.Sprintf("error encoding message in PubSubStub: %s", err))
			}
			select {
			case s.mDoneCh <- struct{}{}:
			default:
			}
		case <-s.closeCh:
			return
		}
	}
}
