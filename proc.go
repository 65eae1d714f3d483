package redpub

import (
	"context"
	"errors"
	"sync"
)

var errPreviouslyClosed = errors.New("previously closed")

// proc ties a set of background go-routines to a single close operation. Every
// go-routine started with run receives a context which is cancelled when the
// proc is closed, and close does not return until all of them have exited.
type proc struct {
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newProc() *proc {
	ctx, cancel := context.WithCancel(context.Background())
	return &proc{ctx: ctx, cancel: cancel}
}

func (p *proc) run(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
}

// close calls prefixFn, cancels the context given to all go-routines, waits
// for them to exit, then calls fn. Either function may be nil. Only the first
// call does anything; subsequent ones return errPreviouslyClosed.
func (p *proc) close(prefixFn, fn func() error) error {
	err := errPreviouslyClosed
	p.closeOnce.Do(func() {
		err = nil
		if prefixFn != nil {
			err = prefixFn()
		}
		p.cancel()
		p.wg.Wait()
		if fn != nil {
			if fnErr := fn(); err == nil {
				err = fnErr
			}
		}
	})
	return err
}

func (p *proc) closedCh() <-chan struct{} {
	return p.ctx.Done()
}

func (p *proc) isClosed() bool {
	select {
	case <-p.ctx.Done():
		return true
	default:
		return false
	}
}
