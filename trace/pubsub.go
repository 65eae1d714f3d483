package trace

// PubSubTrace contains callbacks which can be triggered for specific events
// during a PubSubConn's runtime.
//
// All callbacks are called synchronously, and any of them may be nil.
type PubSubTrace struct {
	// Subscribed is called after redis has confirmed a SUBSCRIBE or
	// PSUBSCRIBE for one or more new channels or patterns.
	Subscribed func(PubSubSubscribed)

	// Unsubscribed is called after redis has confirmed an UNSUBSCRIBE or
	// PUNSUBSCRIBE.
	Unsubscribed func(PubSubSubscribed)

	// Closed is called whenever the underlying Conn is closed due to some
	// error.
	Closed func(PubSubClosed)
}

// PubSubSubscribed is passed into the PubSubTrace.Subscribed and
// PubSubTrace.Unsubscribed callbacks.
type PubSubSubscribed struct {
	// Pattern is true if Names are patterns rather than channels.
	Pattern bool
	Names   []string
}

// PubSubClosed is passed into the PubSubTrace.Closed callback whenever the
// PubSubConn determines that its underlying Conn has been closed, along with
// the error which induced the closing.
type PubSubClosed struct {
	Err error
}

// PersistentPubSubTrace contains callbacks which can be triggered for specific
// events during a persistent PubSubConn's runtime.
//
// All callbacks are called synchronously, and any of them may be nil.
type PersistentPubSubTrace struct {
	// InternalError is called whenever the PersistentPubSub encounters an error
	// which is not otherwise communicated to the user.
	InternalError func(PersistentPubSubInternalError)

	// Reconnected is called once a new connection has been established and
	// all previous subscriptions have been restored on it.
	Reconnected func(PersistentPubSubReconnected)
}

// PersistentPubSubInternalError is passed into the
// PersistentPubSubTrace.InternalError callback whenever PersistentPubSub
// encounters an error which is not otherwise communicated to the user.
type PersistentPubSubInternalError struct {
	Err error
}

// PersistentPubSubReconnected is passed into the
// PersistentPubSubTrace.Reconnected callback.
type PersistentPubSubReconnected struct {
	// Attempts is how many dials it took to reconnect.
	Attempts int
	Channels int
	Patterns int
}
