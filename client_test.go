package redpub

import (
	"context"
	"errors"
	"sort"
	"sync"
	. "testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/redpub/resp/resp2"
)

// stubBroker hands out a Stub for publishing and a PubSubStub for
// subscribing, alternately, and routes PUBLISH commands from the former to
// the latter.
type stubBroker struct {
	l          sync.Mutex
	pubL       sync.Mutex // one PUBLISH at a time is routed to sub
	dials      int
	pub        Conn
	sub        Conn
	subCh      chan<- PubSubMessage
	publishErr error
	dialErr    func(dial int) error
}

func (b *stubBroker) connFunc(context.Context, string, string) (Conn, error) {
	b.l.Lock()
	defer b.l.Unlock()
	b.dials++
	if b.dialErr != nil {
		if err := b.dialErr(b.dials); err != nil {
			return nil, err
		}
	}

	if b.pub == nil {
		b.pub = Stub(b.pubFn)
		return b.pub, nil
	}
	b.sub, b.subCh = PubSubStub(func([]string) interface{} { return nil })
	return b.sub, nil
}

func (b *stubBroker) pubFn(args []string) interface{} {
	if args[0] != "PUBLISH" {
		return nil
	} else if b.publishErr != nil {
		return resp2.Error{E: b.publishErr}
	}

	b.pubL.Lock()
	defer b.pubL.Unlock()

	b.l.Lock()
	sub, subCh := b.sub, b.subCh
	b.l.Unlock()

	subCh <- PubSubMessage{Channel: args[1], Message: []byte(args[2])}
	<-sub.(*pubSubStub).mDoneCh
	return 1
}

func (b *stubBroker) killSub() {
	b.l.Lock()
	defer b.l.Unlock()
	b.sub.Close()
}

func newTestClient(t *T, cfg ClientConfig) (*Client, *stubBroker, *test.Hook) {
	b := new(stubBroker)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cfg.ConnFunc = b.connFunc
	cfg.Log = logger
	return cfg.New(), b, hook
}

func assertMapsAligned(t *T, c *Client) {
	c.l.RLock()
	defer c.l.RUnlock()
	require.Equal(t, len(c.handlers), len(c.adapters))
	for channel := range c.handlers {
		_, ok := c.adapters[channel]
		assert.True(t, ok, "channel %q has no adapter", channel)
	}
}

type received struct {
	channel, message string
}

func recvCh() (chan received, Handler) {
	ch := make(chan received, 16)
	return ch, func(channel, message string) {
		ch <- received{channel, message}
	}
}

func assertReceived(t *T, ch <-chan received, exp received) {
	select {
	case got := <-ch:
		assert.Equal(t, exp, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %#v", exp)
	}
}

func TestClientNotConnected(t *T) {
	ctx := testCtx(t)
	c, _, _ := newTestClient(t, ClientConfig{})

	assert.False(t, c.IsConnected())
	n, err := c.Publish(ctx, "foo", "bar")
	assert.Equal(t, -1, n)
	assert.Equal(t, ErrNotConnected, err)
	assert.Equal(t, ErrNotConnected, c.Subscribe(ctx, "foo", func(string, string) {}))
	assert.Equal(t, ErrNotConnected, c.Unsubscribe(ctx, "foo"))
	assert.Equal(t, ErrNotConnected, c.Close())
	assert.Empty(t, c.Channels())
}

func TestClientConnect(t *T) {
	ctx := testCtx(t)
	c, b, hook := newTestClient(t, ClientConfig{})

	assert.Error(t, c.Connect(ctx, "127.0.0.1", 0))
	assert.Error(t, c.Connect(ctx, "127.0.0.1", 70000))

	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	assert.True(t, c.IsConnected())
	assert.Equal(t, 2, b.dials)
	assert.Equal(t, "connected to redis", hook.LastEntry().Message)
	assert.Equal(t, "127.0.0.1:6379", hook.LastEntry().Data["addr"])

	assert.Equal(t, ErrAlreadyConnected, c.Connect(ctx, "127.0.0.1", 6379))
	assert.Equal(t, 2, b.dials)

	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
	assert.Equal(t, "disconnected from redis", hook.LastEntry().Message)
}

func TestClientConnectFailure(t *T) {
	ctx := testCtx(t)
	errNope := errors.New("nope")
	c, b, hook := newTestClient(t, ClientConfig{})
	b.dialErr = func(dial int) error {
		if dial == 2 {
			return errNope
		}
		return nil
	}

	err := c.Connect(ctx, "localhost", 6379)
	assert.Equal(t, errNope, pkgerrors.Cause(err))
	assert.False(t, c.IsConnected())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	// the publish connection which did succeed was closed
	assert.Equal(t, errPreviouslyClosed, b.pub.Close())
}

func TestClientPubSub(t *T) {
	ctx := testCtx(t)
	c, _, hook := newTestClient(t, ClientConfig{})
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()

	ch1, h1 := recvCh()
	ch2, h2 := recvCh()
	require.NoError(t, c.Subscribe(ctx, "mychannel", h1))
	require.NoError(t, c.Subscribe(ctx, "events", h2))
	assert.Equal(t, []string{"events", "mychannel"}, c.Channels())
	assertMapsAligned(t, c)

	n, err := c.Publish(ctx, "mychannel", "Hello World 1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e := hook.LastEntry()
	assert.Equal(t, "published message", e.Message)
	assert.Equal(t, "mychannel", e.Data["channel"])
	assert.Equal(t, 1, e.Data["receivers"])

	_, err = c.Publish(ctx, "events", "Event 1")
	require.NoError(t, err)
	_, err = c.Publish(ctx, "mychannel", "Hello World 2")
	require.NoError(t, err)

	assertReceived(t, ch1, received{"mychannel", "Hello World 1"})
	assertReceived(t, ch1, received{"mychannel", "Hello World 2"})
	assertReceived(t, ch2, received{"events", "Event 1"})
}

func TestClientSubscribeValidation(t *T) {
	ctx := testCtx(t)
	c, _, _ := newTestClient(t, ClientConfig{MaxChannels: 2})
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()

	noop := func(string, string) {}
	assert.Equal(t, ErrNilHandler, c.Subscribe(ctx, "foo", nil))
	assert.Equal(t, ErrEmptyChannel, c.Subscribe(ctx, "", noop))
	require.NoError(t, c.Subscribe(ctx, "a", noop))
	require.NoError(t, c.Subscribe(ctx, "b", noop))
	assert.Equal(t, ErrMaxChannels, c.Subscribe(ctx, "c", noop))

	// replacing a handler doesn't count against the limit
	assert.NoError(t, c.Subscribe(ctx, "a", noop))
	assert.Equal(t, []string{"a", "b"}, c.Channels())
	assertMapsAligned(t, c)
}

func TestClientResubscribeReplaces(t *T) {
	ctx := testCtx(t)
	c, _, _ := newTestClient(t, ClientConfig{})
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()

	ch1, h1 := recvCh()
	ch2, h2 := recvCh()
	require.NoError(t, c.Subscribe(ctx, "foo", h1))
	require.NoError(t, c.Subscribe(ctx, "foo", h2))

	_, err := c.Publish(ctx, "foo", "bar")
	require.NoError(t, err)
	assertReceived(t, ch2, received{"foo", "bar"})
	assert.Empty(t, ch1)
}

func TestClientUnsubscribe(t *T) {
	ctx := testCtx(t)
	c, _, _ := newTestClient(t, ClientConfig{})
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()

	ch, h := recvCh()
	require.NoError(t, c.Subscribe(ctx, "foo", h))
	require.NoError(t, c.Subscribe(ctx, "bar", h))
	require.NoError(t, c.Unsubscribe(ctx, "foo"))
	require.NoError(t, c.Unsubscribe(ctx, "never"))
	assert.Equal(t, []string{"bar"}, c.Channels())
	assertMapsAligned(t, c)

	_, err := c.Publish(ctx, "foo", "1")
	require.NoError(t, err)
	_, err = c.Publish(ctx, "bar", "2")
	require.NoError(t, err)
	assertReceived(t, ch, received{"bar", "2"})
	assert.Empty(t, ch)
}

func TestClientHandlerPanic(t *T) {
	ctx := testCtx(t)
	c, _, hook := newTestClient(t, ClientConfig{})
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()

	ch, h := recvCh()
	require.NoError(t, c.Subscribe(ctx, "foo", func(channel, message string) {
		if message == "boom" {
			panic("boom")
		}
		h(channel, message)
	}))

	_, err := c.Publish(ctx, "foo", "boom")
	require.NoError(t, err)
	_, err = c.Publish(ctx, "foo", "fine")
	require.NoError(t, err)
	assertReceived(t, ch, received{"foo", "fine"})

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "channel handler panicked" {
			found = true
			assert.Equal(t, "boom", e.Data["panic"])
			assert.Equal(t, "foo", e.Data["channel"])
		}
	}
	assert.True(t, found)
}

func TestClientSubscribeFailure(t *T) {
	ctx := testCtx(t)
	logger, hook := test.NewNullLogger()
	var dials int
	c := ClientConfig{
		Log: logger,
		ConnFunc: func(context.Context, string, string) (Conn, error) {
			dials++
			return Stub(func([]string) interface{} {
				return resp2.Error{E: errors.New("NOPERM no permissions")}
			}), nil
		},
	}.New()
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()

	err := c.Subscribe(ctx, "foo", func(string, string) {})
	var respErr resp2.Error
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, "NOPERM no permissions", respErr.Error())
	assert.Empty(t, c.Channels())
	assertMapsAligned(t, c)
	assert.Equal(t, "failed to subscribe to channel", hook.LastEntry().Message)

	n, err := c.Publish(ctx, "foo", "bar")
	assert.Equal(t, -1, n)
	assert.Error(t, err)
	assert.Equal(t, "failed to publish message", hook.LastEntry().Message)
}

func TestClientCloseClears(t *T) {
	ctx := testCtx(t)
	c, b, _ := newTestClient(t, ClientConfig{})
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	require.NoError(t, c.Subscribe(ctx, "foo", func(string, string) {}))
	require.NoError(t, c.Close())
	assert.Empty(t, c.Channels())
	assertMapsAligned(t, c)

	// reconnecting starts from scratch
	b.pub = nil
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()
	assert.Empty(t, c.Channels())

	ch, h := recvCh()
	require.NoError(t, c.Subscribe(ctx, "foo", h))
	_, err := c.Publish(ctx, "foo", "again")
	require.NoError(t, err)
	assertReceived(t, ch, received{"foo", "again"})
}

func TestClientPersistent(t *T) {
	ctx := testCtx(t)
	c, b, hook := newTestClient(t, ClientConfig{Persistent: true})
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()

	ch, h := recvCh()
	require.NoError(t, c.Subscribe(ctx, "foo", h))

	countEstablished := func() int {
		var n int
		for _, e := range hook.AllEntries() {
			if e.Message == "subscription connection established" {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 1, countEstablished())

	b.killSub()
	assert.Eventually(t, func() bool { return countEstablished() == 2 }, 5*time.Second, 10*time.Millisecond)

	_, err := c.Publish(ctx, "foo", "after reconnect")
	require.NoError(t, err)
	assertReceived(t, ch, received{"foo", "after reconnect"})
}

func TestClientWait(t *T) {
	c := NewClient()

	start := time.Now()
	require.NoError(t, c.Wait(testCtx(t), 20*time.Millisecond))
	assert.True(t, time.Since(start) >= 20*time.Millisecond)

	ctx, cancel := context.WithCancel(testCtx(t))
	cancel()
	assert.Equal(t, context.Canceled, c.Wait(ctx, time.Hour))
}

func TestClientConcurrentPublish(t *T) {
	ctx := testCtx(t)
	c, _, _ := newTestClient(t, ClientConfig{BufferSize: 1})
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()

	var l sync.Mutex
	var got []string
	done := make(chan struct{})
	const count = 50
	require.NoError(t, c.Subscribe(ctx, "foo", func(_, message string) {
		l.Lock()
		defer l.Unlock()
		got = append(got, message)
		if len(got) == count {
			close(done)
		}
	}))

	var exp []string
	wg := new(sync.WaitGroup)
	for i := 0; i < count; i++ {
		msg := randStr()
		exp = append(exp, msg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Publish(ctx, "foo", msg)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}

	l.Lock()
	defer l.Unlock()
	sort.Strings(exp)
	sort.Strings(got)
	assert.Equal(t, exp, got)
}

func TestClientHandlerPublishesDuringSubscribe(t *T) {
	ctx := testCtx(t)
	c, _, _ := newTestClient(t, ClientConfig{BufferSize: 1})
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()

	gateCh := make(chan struct{})
	echoedCh := make(chan error, 3)
	require.NoError(t, c.Subscribe(ctx, "a", func(_, message string) {
		<-gateCh
		_, err := c.Publish(ctx, "b", "echo "+message)
		echoedCh <- err
	}))

	// the handler holds the first message, the buffer the second, and the
	// subscription connection's reader is stuck on the third.
	for i := 0; i < 3; i++ {
		_, err := c.Publish(ctx, "a", "msg")
		require.NoError(t, err)
	}

	subErrCh := make(chan error, 1)
	go func() {
		subErrCh <- c.Subscribe(ctx, "z", func(string, string) {})
	}()
	time.Sleep(50 * time.Millisecond)
	close(gateCh)

	select {
	case err := <-subErrCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe never returned")
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-echoedCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("handler never published")
		}
	}
	assert.Equal(t, []string{"a", "z"}, c.Channels())
}

func TestClientSubscriptionLost(t *T) {
	ctx := testCtx(t)
	c, b, hook := newTestClient(t, ClientConfig{})
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	defer c.Close()

	ch, h := recvCh()
	require.NoError(t, c.Subscribe(ctx, "foo", h))

	b.killSub()
	// re-subscribing a known channel must not pretend to succeed
	assert.Eventually(t, func() bool {
		return c.Subscribe(ctx, "foo", h) == ErrPubSubClosed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "subscription connection lost, reconnect the client", hook.LastEntry().Message)
	assert.Equal(t, ErrPubSubClosed, c.Subscribe(ctx, "bar", h))
	assert.Equal(t, ErrPubSubClosed, c.Unsubscribe(ctx, "foo"))
	assert.Equal(t, []string{"foo"}, c.Channels())
	assertMapsAligned(t, c)

	// publishing still works, it's a separate connection
	assert.True(t, c.IsConnected())

	require.NoError(t, c.Close())
	b.pub = nil
	require.NoError(t, c.Connect(ctx, "127.0.0.1", 6379))
	require.NoError(t, c.Subscribe(ctx, "foo", h))
	_, err := c.Publish(ctx, "foo", "back")
	require.NoError(t, err)
	assertReceived(t, ch, received{"foo", "back"})
}
