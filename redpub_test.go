package redpub

import (
	"context"
	"sync"
	. "testing"
	"time"

	"github.com/mediocregopher/mediocre-go-lib/mrand"
)

func randStr() string {
	return mrand.Hex(16)
}

var (
	testCtxs  = map[TB]context.Context{}
	testCtxsL sync.Mutex
)

func testCtx(tb TB) context.Context {
	tb.Helper()

	testCtxsL.Lock()
	defer testCtxsL.Unlock()

	if ctx, ok := testCtxs[tb]; ok {
		return ctx
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	tb.Cleanup(cancel)
	testCtxs[tb] = ctx
	return ctx
}
