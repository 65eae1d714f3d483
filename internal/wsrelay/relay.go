// Package wsrelay bridges websocket clients onto redis channels. Every
// websocket receives the messages published to the channels it asked for, and
// whatever it sends is published.
package wsrelay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mediocregopher/redpub"
)

// ErrClosed is returned when a websocket connects to a closed Relay.
var ErrClosed = errors.New("relay closed")

// PubSub is the part of *redpub.Client which the Relay needs.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) (int, error)
	Subscribe(ctx context.Context, channel string, handler redpub.Handler) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Message is the JSON frame exchanged with websockets. Frames sent to a
// websocket carry either a published Message, or Receivers (or Error) in reply
// to a frame it sent.
type Message struct {
	Channel   string `json:"channel"`
	Message   string `json:"message,omitempty"`
	Receivers *int   `json:"receivers,omitempty"`
	Error     string `json:"error,omitempty"`
}

type peer struct {
	conn     *websocket.Conn
	remote   string
	channels []string
	sendCh   chan Message
}

// Relay is an http.Handler which upgrades requests to websockets. Websockets
// choose their channels with one or more channel query parameters, e.g.
// /?channel=a&channel=b.
type Relay struct {
	ps  PubSub
	log *logrus.Logger

	// WriteTimeout bounds how long a single frame may take to be written to
	// a websocket. Defaults to 10s.
	WriteTimeout time.Duration

	// SendBuffer is how many frames may be waiting to be written to a single
	// websocket. Published messages are dropped for websockets which fall
	// further behind. Defaults to 64.
	SendBuffer int

	// subL serializes attach and detach, so that each channel is subscribed
	// exactly while it has at least one peer.
	subL sync.Mutex

	// l guards the fields below. It is never held while calling ps.
	l      sync.RWMutex
	peers  map[string]map[*peer]struct{}
	all    map[*peer]struct{}
	closed bool
}

// New returns a Relay which subscribes and publishes through ps.
func New(ps PubSub, log *logrus.Logger) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{
		ps:           ps,
		log:          log,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   64,
		peers:        map[string]map[*peer]struct{}{},
		all:          map[*peer]struct{}{},
	}
}

// ServeHTTP implements the http.Handler interface.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	channels := req.URL.Query()["channel"]
	for _, channel := range channels {
		if channel == "" {
			http.Error(w, "channel cannot be empty", http.StatusBadRequest)
			return
		}
	}
	if len(channels) == 0 {
		http.Error(w, "at least one channel is required", http.StatusBadRequest)
		return
	}

	log := r.log.WithFields(logrus.Fields{
		"remote":   req.RemoteAddr,
		"channels": channels,
	})

	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		log.WithError(err).Warn("failed to accept websocket")
		return
	}

	p := &peer{
		conn:     conn,
		remote:   req.RemoteAddr,
		channels: channels,
		sendCh:   make(chan Message, r.SendBuffer),
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	if err := r.attach(ctx, p); err != nil {
		log.WithError(err).Error("failed to attach websocket")
		conn.Close(websocket.StatusInternalError, "subscribing failed")
		return
	}
	defer r.detach(p)
	log.Info("websocket attached")

	go r.writeLoop(ctx, cancel, p)
	err = r.readLoop(ctx, p)

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("websocket detached")
	default:
		log.WithError(err).Warn("websocket detached")
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (r *Relay) attach(ctx context.Context, p *peer) error {
	r.subL.Lock()
	defer r.subL.Unlock()

	r.l.RLock()
	closed := r.closed
	r.l.RUnlock()
	if closed {
		return ErrClosed
	}

	for i, channel := range p.channels {
		r.l.Lock()
		peers, ok := r.peers[channel]
		if !ok {
			peers = map[*peer]struct{}{}
			r.peers[channel] = peers
		}
		peers[p] = struct{}{}
		r.l.Unlock()

		if ok {
			continue
		} else if err := r.ps.Subscribe(ctx, channel, r.fanout); err != nil {
			r.l.Lock()
			delete(r.peers, channel)
			r.l.Unlock()
			r.detachLocked(p, p.channels[:i])
			return errors.Wrapf(err, "subscribing to %q", channel)
		}
	}

	// Close may have run while subscribing, in which case it didn't see p.
	r.l.Lock()
	if r.closed {
		r.l.Unlock()
		r.detachLocked(p, p.channels)
		return ErrClosed
	}
	r.all[p] = struct{}{}
	r.l.Unlock()
	return nil
}

func (r *Relay) detach(p *peer) {
	r.subL.Lock()
	defer r.subL.Unlock()
	r.detachLocked(p, p.channels)
}

// detachLocked must be called with subL held.
func (r *Relay) detachLocked(p *peer, channels []string) {
	var empty []string
	r.l.Lock()
	delete(r.all, p)
	for _, channel := range channels {
		peers, ok := r.peers[channel]
		if !ok {
			continue
		}
		delete(peers, p)
		if len(peers) == 0 {
			delete(r.peers, channel)
			empty = append(empty, channel)
		}
	}
	r.l.Unlock()

	// the request's context is done by now.
	ctx, cancel := context.WithTimeout(context.Background(), r.WriteTimeout)
	defer cancel()
	for _, channel := range empty {
		if err := r.ps.Unsubscribe(ctx, channel); err != nil {
			r.log.WithError(err).WithField("channel", channel).Warn("failed to unsubscribe")
		}
	}
}

func (r *Relay) fanout(channel, message string) {
	r.l.RLock()
	defer r.l.RUnlock()
	m := Message{Channel: channel, Message: message}
	for p := range r.peers[channel] {
		select {
		case p.sendCh <- m:
		default:
			r.log.WithFields(logrus.Fields{
				"remote":  p.remote,
				"channel": channel,
			}).Warn("websocket too slow, dropping message")
		}
	}
}

func (r *Relay) readLoop(ctx context.Context, p *peer) error {
	for {
		var in Message
		if err := wsjson.Read(ctx, p.conn, &in); err != nil {
			return err
		}

		out := Message{Channel: in.Channel}
		if in.Channel == "" {
			out.Error = redpub.ErrEmptyChannel.Error()
		} else if n, err := r.ps.Publish(ctx, in.Channel, in.Message); err != nil {
			out.Error = err.Error()
		} else {
			out.Receivers = &n
		}

		select {
		case p.sendCh <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Relay) writeLoop(ctx context.Context, cancel context.CancelFunc, p *peer) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.sendCh:
			wctx, wcancel := context.WithTimeout(ctx, r.WriteTimeout)
			err := wsjson.Write(wctx, p.conn, m)
			wcancel()
			if err != nil {
				r.log.WithError(err).WithField("remote", p.remote).Warn("failed to write to websocket")
				return
			}
		}
	}
}

// Close disconnects all websockets and refuses new ones. Channels are
// unsubscribed as their websockets go away.
func (r *Relay) Close() error {
	r.l.Lock()
	r.closed = true
	peers := make([]*peer, 0, len(r.all))
	for p := range r.all {
		peers = append(peers, p)
	}
	r.l.Unlock()

	for _, p := range peers {
		p.conn.Close(websocket.StatusGoingAway, "relay closing")
	}
	return nil
}
