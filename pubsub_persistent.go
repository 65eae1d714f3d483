package redpub

import (
	"context"
	"sync"
	"time"

	"github.com/mediocregopher/redpub/trace"
)

type persistentPubSubOpts struct {
	cf          ConnFunc
	abortAfter  int
	retryDelay  time.Duration
	trace       trace.PersistentPubSubTrace
	pubSubTrace trace.PubSubTrace
}

// PersistentPubSubOpt is an optional behavior which can be applied to the
// PersistentPubSub function to effect a PersistentPubSub's behavior
type PersistentPubSubOpt func(*persistentPubSubOpts)

// PersistentPubSubConnFunc tells the PersistentPubSub to use the given ConnFunc
// when creating new Conns to its redis instance. The ConnFunc can be used to
// set timeouts, perform AUTH, or even use custom Conn implementations.
func PersistentPubSubConnFunc(cf ConnFunc) PersistentPubSubOpt {
	return func(opts *persistentPubSubOpts) {
		opts.cf = cf
	}
}

// PersistentPubSubAbortAfter tells the PersistentPubSub to give up and return
// an error after this many attempts to establish a connection. The error will
// be returned to whichever method happens to be being called at that moment.
//
// A value of 0 indicates no limit on retry attempts.
func PersistentPubSubAbortAfter(attempts int) PersistentPubSubOpt {
	return func(opts *persistentPubSubOpts) {
		opts.abortAfter = attempts
	}
}

// PersistentPubSubRetryDelay sets how long to wait between connection
// attempts. Defaults to 200ms.
func PersistentPubSubRetryDelay(d time.Duration) PersistentPubSubOpt {
	return func(opts *persistentPubSubOpts) {
		opts.retryDelay = d
	}
}

// PersistentPubSubWithTrace tells the PersistentPubSub to trace itself with
// the given callbacks.
func PersistentPubSubWithTrace(t trace.PersistentPubSubTrace) PersistentPubSubOpt {
	return func(opts *persistentPubSubOpts) {
		opts.trace = t
	}
}

// PersistentPubSubConnTrace sets the callbacks used to trace each of the
// underlying PubSubConns the PersistentPubSub creates.
func PersistentPubSubConnTrace(t trace.PubSubTrace) PersistentPubSubOpt {
	return func(opts *persistentPubSubOpts) {
		opts.pubSubTrace = t
	}
}

type persistentPubSub struct {
	dial func(context.Context) (Conn, error)
	opts persistentPubSubOpts

	l           sync.Mutex
	curr        PubSubConn
	subs, psubs chanSet

	closeOnce sync.Once
	closeCh   chan struct{}
}

// PersistentPubSub is like NewPubSubConn, but instead of taking in an existing
// Conn to wrap it will create one on the fly. If the connection is ever
// terminated then a new one will be created using the ConnFunc (which defaults
// to DefaultConnFunc) and will be reset to the previous connection's state.
//
// This is effectively a way to have a permanent PubSubConn established which
// supports subscribing/unsubscribing but without the hassle of implementing
// reconnect/re-subscribe logic.
//
// Methods on the returned PubSubConn only return an error if their context is
// done, if the PersistentPubSubAbortAfter limit is hit, or after Close. They
// otherwise block until a connection can be successfully reinstated.
func PersistentPubSub(ctx context.Context, network, addr string, opts ...PersistentPubSubOpt) (PubSubConn, error) {
	p := &persistentPubSub{
		subs:    chanSet{},
		psubs:   chanSet{},
		closeCh: make(chan struct{}),
	}

	defaultOpts := []PersistentPubSubOpt{
		PersistentPubSubConnFunc(DefaultConnFunc),
		PersistentPubSubAbortAfter(0),
		PersistentPubSubRetryDelay(200 * time.Millisecond),
	}

	for _, opt := range append(defaultOpts, opts...) {
		if opt != nil {
			opt(&p.opts)
		}
	}

	p.dial = func(ctx context.Context) (Conn, error) {
		return p.opts.cf(ctx, network, addr)
	}

	p.l.Lock()
	defer p.l.Unlock()
	if err := p.refresh(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *persistentPubSub) internalErr(err error) {
	if p.opts.trace.InternalError != nil {
		p.opts.trace.InternalError(trace.PersistentPubSubInternalError{Err: err})
	}
}

func (p *persistentPubSub) attempt(ctx context.Context) (PubSubConn, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	pc := newPubSub(PubSubConfig{Trace: p.opts.pubSubTrace}, c, errCh)

	for msgCh, channels := range p.subs.inverse() {
		if err := pc.Subscribe(ctx, msgCh, channels...); err != nil {
			pc.Close()
			return nil, err
		}
	}

	for msgCh, patterns := range p.psubs.inverse() {
		if err := pc.PSubscribe(ctx, msgCh, patterns...); err != nil {
			pc.Close()
			return nil, err
		}
	}

	go p.watch(pc, errCh)
	return pc, nil
}

// watch waits for pc to be closed. If it was closed due to an error, and is
// still the current connection, a new one is established in its place.
func (p *persistentPubSub) watch(pc PubSubConn, errCh <-chan error) {
	select {
	case err := <-errCh:
		if err == nil {
			return
		}
		p.internalErr(err)

		p.l.Lock()
		defer p.l.Unlock()
		// It's possible that one of the methods (e.g. Subscribe) already had
		// the lock, saw the error, and called refresh. This check prevents a
		// double-refresh in that case.
		if p.curr == pc {
			if err := p.refresh(context.Background()); err != nil {
				p.internalErr(err)
			}
		}
	case <-p.closeCh:
	}
}

// refresh must be called with l held.
func (p *persistentPubSub) refresh(ctx context.Context) error {
	if p.curr != nil {
		p.curr.Close()
		p.curr = nil
	}

	var err error
	var attempts int
	for {
		select {
		case <-p.closeCh:
			return ErrPubSubClosed
		default:
		}

		if p.opts.abortAfter > 0 && attempts >= p.opts.abortAfter {
			return err
		}

		var pc PubSubConn
		if pc, err = p.attempt(ctx); err == nil {
			p.curr = pc
			if p.opts.trace.Reconnected != nil {
				p.opts.trace.Reconnected(trace.PersistentPubSubReconnected{
					Attempts: attempts + 1,
					Channels: len(p.subs),
					Patterns: len(p.psubs),
				})
			}
			return nil
		}

		attempts++
		p.internalErr(err)
		select {
		case <-time.After(p.opts.retryDelay):
		case <-p.closeCh:
			return ErrPubSubClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// do performs fn on the current connection, reconnecting and retrying until it
// succeeds. Since refresh replays subs/psubs, a (un)subscribe which is
// interrupted by a failed connection is complete once refresh returns.
func (p *persistentPubSub) do(ctx context.Context, fn func(PubSubConn) error, replayed bool) error {
	for {
		if p.curr == nil {
			if err := p.refresh(ctx); err != nil {
				return err
			} else if replayed {
				return nil
			}
		}

		err := fn(p.curr)
		if err == nil {
			return nil
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		p.internalErr(err)
		if err := p.refresh(ctx); err != nil {
			return err
		} else if replayed {
			return nil
		}
	}
}

func (p *persistentPubSub) isClosed() bool {
	select {
	case <-p.closeCh:
		return true
	default:
		return false
	}
}

func (p *persistentPubSub) Subscribe(ctx context.Context, msgCh chan<- PubSubMessage, channels ...string) error {
	p.l.Lock()
	defer p.l.Unlock()
	if p.isClosed() {
		return ErrPubSubClosed
	}

	// add first, so if the actual call fails then refresh will catch it
	for _, channel := range channels {
		p.subs.add(channel, msgCh)
	}
	return p.do(ctx, func(pc PubSubConn) error {
		return pc.Subscribe(ctx, msgCh, channels...)
	}, true)
}

func (p *persistentPubSub) Unsubscribe(ctx context.Context, msgCh chan<- PubSubMessage, channels ...string) error {
	p.l.Lock()
	defer p.l.Unlock()
	if p.isClosed() {
		return ErrPubSubClosed
	}

	// remove first, so if the actual call fails then refresh will catch it
	for _, channel := range channels {
		p.subs.del(channel, msgCh)
	}
	return p.do(ctx, func(pc PubSubConn) error {
		return pc.Unsubscribe(ctx, msgCh, channels...)
	}, true)
}

func (p *persistentPubSub) PSubscribe(ctx context.Context, msgCh chan<- PubSubMessage, patterns ...string) error {
	p.l.Lock()
	defer p.l.Unlock()
	if p.isClosed() {
		return ErrPubSubClosed
	}

	for _, pattern := range patterns {
		p.psubs.add(pattern, msgCh)
	}
	return p.do(ctx, func(pc PubSubConn) error {
		return pc.PSubscribe(ctx, msgCh, patterns...)
	}, true)
}

func (p *persistentPubSub) PUnsubscribe(ctx context.Context, msgCh chan<- PubSubMessage, patterns ...string) error {
	p.l.Lock()
	defer p.l.Unlock()
	if p.isClosed() {
		return ErrPubSubClosed
	}

	for _, pattern := range patterns {
		p.psubs.del(pattern, msgCh)
	}
	return p.do(ctx, func(pc PubSubConn) error {
		return pc.PUnsubscribe(ctx, msgCh, patterns...)
	}, true)
}

func (p *persistentPubSub) Ping(ctx context.Context) error {
	p.l.Lock()
	defer p.l.Unlock()
	if p.isClosed() {
		return ErrPubSubClosed
	}

	return p.do(ctx, func(pc PubSubConn) error {
		return pc.Ping(ctx)
	}, false)
}

func (p *persistentPubSub) Close() error {
	// closeCh is closed before taking the lock, so that a refresh which is
	// looping on a dead connection gives up and releases it.
	err := ErrPubSubClosed
	p.closeOnce.Do(func() {
		close(p.closeCh)
		err = nil
	})
	if err != nil {
		return err
	}

	p.l.Lock()
	defer p.l.Unlock()
	if p.curr == nil {
		return nil
	}
	err = p.curr.Close()
	p.curr = nil
	return err
}
