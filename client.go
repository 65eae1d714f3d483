package redpub

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mediocregopher/redpub/trace"
)

var (
	// ErrNotConnected is returned when an operation requires a connected
	// Client.
	ErrNotConnected = errors.New("not connected to redis")

	// ErrAlreadyConnected is returned from Connect if the Client is already
	// connected.
	ErrAlreadyConnected = errors.New("already connected to redis")

	// ErrNilHandler is returned from Subscribe when given a nil Handler.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrEmptyChannel is returned from Subscribe when given an empty channel
	// name.
	ErrEmptyChannel = errors.New("channel name cannot be empty")

	// ErrMaxChannels is returned from Subscribe when the Client already has
	// ClientConfig.MaxChannels channels subscribed.
	ErrMaxChannels = errors.New("maximum number of subscribed channels reached")
)

// Handler is called for every message published to a channel it was
// subscribed to.
type Handler func(channel, message string)

// adapter turns a PubSubMessage into a call to the Handler it was made for.
type adapter func(PubSubMessage)

// ClientConfig is used to create a Client with particular settings. All fields
// are optional.
type ClientConfig struct {
	// ConnFunc is used to create both of the Client's connections. Defaults to
	// Dial using DialOpts.
	ConnFunc ConnFunc

	// DialOpts are passed to Dial when ConnFunc is not set.
	DialOpts []DialOpt

	// Persistent causes the subscribing connection to be re-established, and
	// all channels re-subscribed, whenever it fails.
	Persistent bool

	// MaxChannels is the maximum number of distinct channels which may be
	// subscribed at once. Defaults to 100.
	MaxChannels int

	// BufferSize is how many messages may be waiting for their Handler before
	// the subscribing connection stops reading. Defaults to 128.
	BufferSize int

	// Log receives the Client's logs. Defaults to logrus.StandardLogger().
	Log *logrus.Logger
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.ConnFunc == nil {
		opts := cfg.DialOpts
		cfg.ConnFunc = func(ctx context.Context, network, addr string) (Conn, error) {
			return Dial(ctx, network, addr, opts...)
		}
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = 100
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 128
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return cfg
}

// Client publishes to and subscribes to channels on a single redis instance.
// It holds two connections: one which publishes, and one dedicated to
// subscriptions whose messages are passed to Handlers by a single go-routine,
// in the order they were received.
//
// All methods are thread-safe. Handlers may call Publish, but must not call
// Subscribe or Unsubscribe synchronously.
type Client struct {
	cfg ClientConfig
	log *logrus.Logger

	// opL serializes Connect, Close, Subscribe and Unsubscribe. Publish
	// doesn't take it: a Handler may publish while a Subscribe is waiting on
	// the dispatch go-routine to make room for its reply.
	opL sync.Mutex

	// l guards everything below, and is never held across a network call so
	// that dispatch is never blocked by an operation in progress.
	l         sync.RWMutex
	connected bool
	addr      string
	pub       Conn
	ps        PubSubConn
	msgCh     chan PubSubMessage
	dispatchP *proc
	handlers  map[string]Handler
	adapters  map[string]adapter

	// subLost is set when a non-persistent subscription connection fails. It
	// stays set until the next Connect.
	subLost bool
}

// NewClient returns a disconnected Client using the default ClientConfig.
func NewClient() *Client {
	return ClientConfig{}.New()
}

// New returns a disconnected Client using the settings in the ClientConfig.
func (cfg ClientConfig) New() *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		log:      cfg.Log,
		handlers: map[string]Handler{},
		adapters: map[string]adapter{},
	}
}

func (c *Client) pubSubTrace() trace.PubSubTrace {
	return trace.PubSubTrace{
		Subscribed: func(s trace.PubSubSubscribed) {
			c.log.WithFields(logrus.Fields{
				"names":   s.Names,
				"pattern": s.Pattern,
			}).Debug("redis confirmed subscription")
		},
		Unsubscribed: func(s trace.PubSubSubscribed) {
			c.log.WithFields(logrus.Fields{
				"names":   s.Names,
				"pattern": s.Pattern,
			}).Debug("redis confirmed unsubscription")
		},
		Closed: func(cl trace.PubSubClosed) {
			c.log.WithError(cl.Err).Warn("subscription connection closed")
			if !c.cfg.Persistent {
				c.l.Lock()
				c.subLost = true
				c.l.Unlock()
			}
		},
	}
}

func (c *Client) persistentTrace() trace.PersistentPubSubTrace {
	return trace.PersistentPubSubTrace{
		InternalError: func(ie trace.PersistentPubSubInternalError) {
			c.log.WithError(ie.Err).Warn("subscription connection error, reconnecting")
		},
		Reconnected: func(r trace.PersistentPubSubReconnected) {
			c.log.WithFields(logrus.Fields{
				"attempts": r.Attempts,
				"channels": r.Channels,
			}).Info("subscription connection established")
		},
	}
}

func (c *Client) dialPubSub(ctx context.Context, addr string) (PubSubConn, error) {
	if c.cfg.Persistent {
		return PersistentPubSub(ctx, "tcp", addr,
			PersistentPubSubConnFunc(c.cfg.ConnFunc),
			PersistentPubSubWithTrace(c.persistentTrace()),
			PersistentPubSubConnTrace(c.pubSubTrace()),
		)
	}

	conn, err := c.cfg.ConnFunc(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return PubSubConfig{Trace: c.pubSubTrace()}.New(conn), nil
}

// Connect opens the Client's connections to the redis instance at host:port.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.opL.Lock()
	defer c.opL.Unlock()

	if c.IsConnected() {
		return ErrAlreadyConnected
	} else if port <= 0 || port > 65535 {
		return errors.Errorf("invalid port %d", port)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log := c.log.WithField("addr", addr)

	c.l.Lock()
	c.subLost = false
	c.l.Unlock()

	pub, err := c.cfg.ConnFunc(ctx, "tcp", addr)
	if err != nil {
		log.WithError(err).Error("failed to connect to redis")
		return errors.Wrapf(err, "connecting to %s", addr)
	}

	ps, err := c.dialPubSub(ctx, addr)
	if err != nil {
		pub.Close()
		log.WithError(err).Error("failed to open subscription connection")
		return errors.Wrapf(err, "opening subscription connection to %s", addr)
	}

	msgCh := make(chan PubSubMessage, c.cfg.BufferSize)
	dispatchP := newProc()
	dispatchP.run(func(ctx context.Context) {
		c.dispatch(ctx, msgCh)
	})

	c.l.Lock()
	c.connected = true
	c.addr = addr
	c.pub, c.ps = pub, ps
	c.msgCh, c.dispatchP = msgCh, dispatchP
	c.l.Unlock()

	log.Info("connected to redis")
	return nil
}

// Close closes both of the Client's connections and forgets all
// subscriptions. The Client may be connected again afterwards.
func (c *Client) Close() error {
	c.opL.Lock()
	defer c.opL.Unlock()

	c.l.Lock()
	if !c.connected {
		c.l.Unlock()
		return ErrNotConnected
	}
	pub, ps, dispatchP, addr := c.pub, c.ps, c.dispatchP, c.addr
	c.connected = false
	c.pub, c.ps, c.msgCh, c.dispatchP = nil, nil, nil, nil
	c.handlers = map[string]Handler{}
	c.adapters = map[string]adapter{}
	c.l.Unlock()

	// ps is closed first so nothing more is written to msgCh.
	var err error
	if psErr := ps.Close(); psErr != nil && !errors.Is(psErr, ErrPubSubClosed) {
		err = errors.Wrap(psErr, "closing subscription connection")
	}
	if pubErr := pub.Close(); pubErr != nil && err == nil {
		err = errors.Wrap(pubErr, "closing publish connection")
	}
	dispatchP.close(nil, nil)

	log := c.log.WithField("addr", addr)
	if err != nil {
		log.WithError(err).Error("error disconnecting from redis")
		return err
	}
	log.Info("disconnected from redis")
	return nil
}

// IsConnected returns whether Connect has been called successfully, and Close
// has not been called since.
func (c *Client) IsConnected() bool {
	c.l.RLock()
	defer c.l.RUnlock()
	return c.connected
}

// Publish publishes message to channel, returning the number of subscribers
// which received it. On failure -1 is returned along with the error.
func (c *Client) Publish(ctx context.Context, channel, message string) (int, error) {
	c.l.RLock()
	connected, pub := c.connected, c.pub
	c.l.RUnlock()
	if !connected {
		return -1, ErrNotConnected
	}

	log := c.log.WithField("channel", channel)

	var receivers int
	if err := pub.Do(ctx, Cmd(&receivers, "PUBLISH", channel, message)); err != nil {
		log.WithError(err).Error("failed to publish message")
		return -1, errors.Wrapf(err, "publishing to %q", channel)
	}

	log.WithFields(logrus.Fields{
		"message":   message,
		"receivers": receivers,
	}).Info("published message")
	return receivers, nil
}

// Subscribe causes handler to be called for every message published to
// channel. Subscribing to an already subscribed channel replaces its Handler.
//
// Unless ClientConfig.Persistent is set, a failed subscription connection is
// not re-established: Subscribe and Unsubscribe return ErrPubSubClosed until
// the Client is closed and connected again.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) error {
	c.opL.Lock()
	defer c.opL.Unlock()

	if handler == nil {
		return ErrNilHandler
	} else if channel == "" {
		return ErrEmptyChannel
	}

	log := c.log.WithField("channel", channel)

	c.l.Lock()
	if !c.connected {
		c.l.Unlock()
		return ErrNotConnected
	} else if c.subLost {
		c.l.Unlock()
		log.Error("subscription connection lost, reconnect the client")
		return ErrPubSubClosed
	} else if _, ok := c.handlers[channel]; ok {
		c.handlers[channel] = handler
		c.adapters[channel] = c.newAdapter(channel, handler)
		c.l.Unlock()
		log.Info("replaced channel handler")
		return nil
	} else if len(c.handlers) >= c.cfg.MaxChannels {
		c.l.Unlock()
		return ErrMaxChannels
	}
	// the handler is in place before redis is told, so the first message
	// can't arrive without one.
	c.handlers[channel] = handler
	c.adapters[channel] = c.newAdapter(channel, handler)
	ps, msgCh := c.ps, c.msgCh
	c.l.Unlock()

	if err := ps.Subscribe(ctx, msgCh, channel); err != nil {
		c.l.Lock()
		delete(c.handlers, channel)
		delete(c.adapters, channel)
		c.l.Unlock()
		log.WithError(err).Error("failed to subscribe to channel")
		return errors.Wrapf(err, "subscribing to %q", channel)
	}

	log.Info("subscribed to channel")
	return nil
}

// Unsubscribe stops messages published to channel from being passed to its
// Handler. It is not an error to unsubscribe from a channel which isn't
// subscribed.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.opL.Lock()
	defer c.opL.Unlock()

	log := c.log.WithField("channel", channel)

	c.l.Lock()
	if !c.connected {
		c.l.Unlock()
		return ErrNotConnected
	} else if c.subLost {
		c.l.Unlock()
		log.Error("subscription connection lost, reconnect the client")
		return ErrPubSubClosed
	} else if _, ok := c.handlers[channel]; !ok {
		c.l.Unlock()
		return nil
	}
	delete(c.handlers, channel)
	delete(c.adapters, channel)
	ps, msgCh := c.ps, c.msgCh
	c.l.Unlock()

	if err := ps.Unsubscribe(ctx, msgCh, channel); err != nil {
		log.WithError(err).Error("failed to unsubscribe from channel")
		return errors.Wrapf(err, "unsubscribing from %q", channel)
	}

	log.Info("unsubscribed from channel")
	return nil
}

// Channels returns the names of all subscribed channels, sorted.
func (c *Client) Channels() []string {
	c.l.RLock()
	defer c.l.RUnlock()
	channels := make([]string, 0, len(c.handlers))
	for channel := range c.handlers {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// Wait blocks for the given duration, giving subscribed Handlers time to be
// called. It returns early with the context's error if the context is done
// first.
func (c *Client) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) newAdapter(channel string, handler Handler) adapter {
	log := c.log.WithField("channel", channel)
	return func(m PubSubMessage) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("channel handler panicked")
			}
		}()
		handler(m.Channel, string(m.Message))
	}
}

func (c *Client) dispatch(ctx context.Context, msgCh <-chan PubSubMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-msgCh:
			c.l.RLock()
			a, ok := c.adapters[m.Channel]
			c.l.RUnlock()
			if !ok {
				c.log.WithField("channel", m.Channel).Debug("dropping message for unsubscribed channel")
				continue
			}
			a(m)
		}
	}
}
