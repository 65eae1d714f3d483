package redpub

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mediocregopher/redpub/resp"
	"github.com/mediocregopher/redpub/resp/resp2"
	"github.com/mediocregopher/redpub/trace"
)

// ErrPubSubClosed is returned from the methods of a PubSubConn which has been
// closed, either explicitly or because its connection failed.
var ErrPubSubClosed = errors.New("pubsub connection closed")

var errNotPubSubMessage = errors.New("not a pubsub message")

// PubSubMessage describes a message being published to a subscribed channel
type PubSubMessage struct {
	Type    string // "message" or "pmessage"
	Pattern string // will be set if Type is "pmessage"
	Channel string
	Message []byte
}

// MarshalRESP implements the Marshaler interface. It will assume the
// PubSubMessage is a PMESSAGE if Pattern is non-empty.
func (m PubSubMessage) MarshalRESP(w io.Writer) error {
	var err error
	marshal := func(m resp.Marshaler) {
		if err == nil {
			err = m.MarshalRESP(w)
		}
	}

	if m.Type == "message" {
		marshal(resp2.ArrayHeader{N: 3})
		marshal(resp2.BulkString{S: m.Type})
	} else if m.Type == "pmessage" {
		marshal(resp2.ArrayHeader{N: 4})
		marshal(resp2.BulkString{S: m.Type})
		marshal(resp2.BulkString{S: m.Pattern})
	} else {
		return resp.ErrConnUsable{Err: fmt.Errorf("unknown message Type %q", m.Type)}
	}
	marshal(resp2.BulkString{S: m.Channel})
	marshal(resp2.BulkStringBytes{B: m.Message, MarshalNotNil: true})
	return err
}

// UnmarshalRESP implements the Unmarshaler interface. Any reply which is not
// a message or pmessage push is consumed and reported with an error wrapped
// in resp.ErrConnUsable.
func (m *PubSubMessage) UnmarshalRESP(br *bufio.Reader) error {
	var bb [][]byte
	if err := (resp2.Any{I: &bb}).UnmarshalRESP(br); err != nil {
		return err
	}

	if len(bb) < 3 {
		return resp.ErrConnUsable{Err: errNotPubSubMessage}
	}

	typ := string(bytes.ToLower(bb[0]))
	switch {
	case typ == "message" && len(bb) == 3:
		m.Type, m.Pattern = typ, ""
		m.Channel = string(bb[1])
		m.Message = bb[2]
	case typ == "pmessage" && len(bb) == 4:
		m.Type, m.Pattern = typ, string(bb[1])
		m.Channel = string(bb[2])
		m.Message = bb[3]
	default:
		return resp.ErrConnUsable{Err: errNotPubSubMessage}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

type chanSet map[string]map[chan<- PubSubMessage]bool

// add returns true if ch wasn't previously in the set for s.
func (cs chanSet) add(s string, ch chan<- PubSubMessage) bool {
	m, ok := cs[s]
	if !ok {
		m = map[chan<- PubSubMessage]bool{}
		cs[s] = m
	}
	if m[ch] {
		return false
	}
	m[ch] = true
	return true
}

// del returns true if s was in the set and is now empty.
func (cs chanSet) del(s string, ch chan<- PubSubMessage) bool {
	m, ok := cs[s]
	if !ok {
		return false
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(cs, s)
		return true
	}
	return false
}

func (cs chanSet) missing(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if _, ok := cs[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func (cs chanSet) inverse() map[chan<- PubSubMessage][]string {
	inv := map[chan<- PubSubMessage][]string{}
	for s, m := range cs {
		for ch := range m {
			inv[ch] = append(inv[ch], s)
		}
	}
	return inv
}

////////////////////////////////////////////////////////////////////////////////

// PubSubConn wraps a Conn to support redis' pubsub system. User-created
// channels can be subscribed to redis channels to receive PubSubMessages which
// have been published.
//
// If any methods return an error other than a context error it means the
// PubSubConn has been Close'd and subscribed msgCh's will no longer receive
// PubSubMessages from it. All methods are threadsafe.
//
// NOTE if any channels block when being written to they will block all other
// channels from receiving a publish, and will block command replies (and so
// Subscribe, Ping, etc...) as well.
type PubSubConn interface {
	// Subscribe subscribes the PubSubConn to the given set of channels. msgCh
	// will receive a PubSubMessage for every publish written to any of the
	// channels. This may be called multiple times for the same channels and
	// different msgCh's, each msgCh will receive a copy of the PubSubMessage
	// for each publish.
	Subscribe(ctx context.Context, msgCh chan<- PubSubMessage, channels ...string) error

	// Unsubscribe unsubscribes the msgCh from the given set of channels, if it
	// was subscribed at all.
	Unsubscribe(ctx context.Context, msgCh chan<- PubSubMessage, channels ...string) error

	// PSubscribe is like Subscribe, but it subscribes msgCh to a set of
	// patterns and not individual channels.
	PSubscribe(ctx context.Context, msgCh chan<- PubSubMessage, patterns ...string) error

	// PUnsubscribe is like Unsubscribe, but it unsubscribes msgCh from a set of
	// patterns and not individual channels.
	PUnsubscribe(ctx context.Context, msgCh chan<- PubSubMessage, patterns ...string) error

	// Ping performs a simple Ping command on the PubSubConn, returning an error
	// if it failed for some reason
	Ping(ctx context.Context) error

	// Close closes the PubSubConn so it can't be used anymore. All subscribed
	// channels will stop receiving PubSubMessages from this Conn.
	Close() error
}

// PubSubConfig is used to create a PubSubConn with particular settings. All
// fields are optional, all methods are thread-safe.
type PubSubConfig struct {
	// Trace contains callbacks that a PubSubConn can use to trace itself.
	Trace trace.PubSubTrace
}

type pubSubConn struct {
	cfg  PubSubConfig
	conn Conn
	proc *proc

	// subL serializes (un)subscribe operations, so that once one returns the
	// set of channels redis has for this connection matches subs/psubs.
	subL sync.Mutex

	// csL is only held for brief map operations, never across a round-trip,
	// since the reader needs it to deliver messages.
	csL   sync.RWMutex
	subs  chanSet
	psubs chanSet

	// cmdL is held while a command is written and its replies are waited on.
	// The reader hands each non-message reply over cmdResCh in order.
	cmdL     sync.Mutex
	cmdResCh chan error

	// closeErrCh, if set, receives the error which caused the close (nil when
	// Close was called) and is then closed. PersistentPubSub uses it to learn
	// about failed connections.
	closeErrCh chan error
}

// NewPubSubConn wraps the given Conn so that it becomes a PubSubConn. The
// passed in Conn should not be used after this call.
func NewPubSubConn(conn Conn) PubSubConn {
	return PubSubConfig{}.New(conn)
}

// New wraps the given Conn so that it becomes a PubSubConn, using the
// settings in the PubSubConfig. The passed in Conn should not be used after
// this call.
func (cfg PubSubConfig) New(conn Conn) PubSubConn {
	return newPubSub(cfg, conn, nil)
}

func newPubSub(cfg PubSubConfig, conn Conn, closeErrCh chan error) *pubSubConn {
	c := &pubSubConn{
		cfg:        cfg,
		conn:       conn,
		proc:       newProc(),
		subs:       chanSet{},
		psubs:      chanSet{},
		cmdResCh:   make(chan error),
		closeErrCh: closeErrCh,
	}
	c.proc.run(c.spin)
	return c
}

// publish hands m to the go channels subscribed to whatever m was delivered
// for. redis sends a separate frame for the channel and for each matching
// pattern, so each frame only goes to one set.
func (c *pubSubConn) publish(ctx context.Context, m PubSubMessage) {
	c.csL.RLock()
	defer c.csL.RUnlock()

	var chs map[chan<- PubSubMessage]bool
	switch m.Type {
	case "message":
		chs = c.subs[m.Channel]
	case "pmessage":
		chs = c.psubs[m.Pattern]
	}

	for ch := range chs {
		select {
		case ch <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (c *pubSubConn) sendCmdRes(ctx context.Context, err error) {
	select {
	case c.cmdResCh <- err:
	case <-ctx.Done():
	}
}

func (c *pubSubConn) spin(ctx context.Context) {
	for {
		var rm resp2.RawMessage
		if err := c.conn.EncodeDecode(ctx, nil, &rm); err != nil {
			if ctx.Err() == nil {
				// closeInner waits for spin to return, so it can't be called
				// inline.
				go c.closeInner(err)
			}
			return
		}

		if rm.IsError() {
			var respErr resp2.Error
			if err := rm.UnmarshalInto(&respErr); err != nil {
				respErr.E = err
			}
			c.sendCmdRes(ctx, respErr)
			continue
		}

		var m PubSubMessage
		if err := rm.UnmarshalInto(&m); err == nil {
			c.publish(ctx, m)
		} else {
			c.sendCmdRes(ctx, nil)
		}
	}
}

func (c *pubSubConn) do(ctx context.Context, cmd CmdAction, exp int) error {
	c.cmdL.Lock()
	defer c.cmdL.Unlock()

	if c.proc.isClosed() {
		return ErrPubSubClosed
	} else if err := c.conn.EncodeDecode(ctx, cmd, nil); err != nil {
		return err
	}

	for i := 0; i < exp; i++ {
		select {
		case err := <-c.cmdResCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			// the reply will still arrive and would be taken as the reply to
			// the next command, so the connection can't be used any further.
			c.closeInner(ctx.Err())
			return ctx.Err()
		case <-c.proc.closedCh():
			return ErrPubSubClosed
		}
	}
	return nil
}

func (c *pubSubConn) closeInner(cause error) error {
	closeConn := func() error {
		if err := c.conn.Close(); err != nil && !errors.Is(err, errPreviouslyClosed) {
			return err
		}
		return nil
	}

	err := c.proc.close(closeConn, func() error {
		c.csL.Lock()
		c.subs, c.psubs = chanSet{}, chanSet{}
		c.csL.Unlock()

		if cause != nil && c.cfg.Trace.Closed != nil {
			c.cfg.Trace.Closed(trace.PubSubClosed{Err: cause})
		}
		if c.closeErrCh != nil {
			c.closeErrCh <- cause
			close(c.closeErrCh)
		}
		return nil
	})
	if errors.Is(err, errPreviouslyClosed) {
		return ErrPubSubClosed
	}
	return err
}

func (c *pubSubConn) Close() error {
	return c.closeInner(nil)
}

func (c *pubSubConn) subscribe(ctx context.Context, cs func() chanSet, cmd string, pattern bool, msgCh chan<- PubSubMessage, names []string) error {
	c.subL.Lock()
	defer c.subL.Unlock()

	if c.proc.isClosed() {
		return ErrPubSubClosed
	}

	// msgCh is added before redis is told, so that no message published right
	// after the subscription is confirmed can be missed.
	c.csL.Lock()
	set := cs()
	missing := set.missing(names)
	added := make([]string, 0, len(names))
	for _, name := range names {
		if set.add(name, msgCh) {
			added = append(added, name)
		}
	}
	c.csL.Unlock()

	if len(missing) == 0 {
		return nil
	}

	if err := c.do(ctx, Cmd(nil, cmd, missing...), len(missing)); err != nil {
		c.csL.Lock()
		set := cs()
		for _, name := range added {
			set.del(name, msgCh)
		}
		c.csL.Unlock()
		return err
	}

	if c.cfg.Trace.Subscribed != nil {
		c.cfg.Trace.Subscribed(trace.PubSubSubscribed{Pattern: pattern, Names: missing})
	}
	return nil
}

func (c *pubSubConn) unsubscribe(ctx context.Context, cs func() chanSet, cmd string, pattern bool, msgCh chan<- PubSubMessage, names []string) error {
	c.subL.Lock()
	defer c.subL.Unlock()

	if c.proc.isClosed() {
		return ErrPubSubClosed
	}

	c.csL.Lock()
	set := cs()
	empty := make([]string, 0, len(names))
	for _, name := range names {
		if set.del(name, msgCh) {
			empty = append(empty, name)
		}
	}
	c.csL.Unlock()

	if len(empty) == 0 {
		return nil
	}

	if err := c.do(ctx, Cmd(nil, cmd, empty...), len(empty)); err != nil {
		return err
	}

	if c.cfg.Trace.Unsubscribed != nil {
		c.cfg.Trace.Unsubscribed(trace.PubSubSubscribed{Pattern: pattern, Names: empty})
	}
	return nil
}

func (c *pubSubConn) subSet() chanSet  { return c.subs }
func (c *pubSubConn) psubSet() chanSet { return c.psubs }

func (c *pubSubConn) Subscribe(ctx context.Context, msgCh chan<- PubSubMessage, channels ...string) error {
	return c.subscribe(ctx, c.subSet, "SUBSCRIBE", false, msgCh, channels)
}

func (c *pubSubConn) Unsubscribe(ctx context.Context, msgCh chan<- PubSubMessage, channels ...string) error {
	return c.unsubscribe(ctx, c.subSet, "UNSUBSCRIBE", false, msgCh, channels)
}

func (c *pubSubConn) PSubscribe(ctx context.Context, msgCh chan<- PubSubMessage, patterns ...string) error {
	return c.subscribe(ctx, c.psubSet, "PSUBSCRIBE", true, msgCh, patterns)
}

func (c *pubSubConn) PUnsubscribe(ctx context.Context, msgCh chan<- PubSubMessage, patterns ...string) error {
	return c.unsubscribe(ctx, c.psubSet, "PUNSUBSCRIBE", true, msgCh, patterns)
}

func (c *pubSubConn) Ping(ctx context.Context) error {
	return c.do(ctx, Cmd(nil, "PING"), 1)
}
