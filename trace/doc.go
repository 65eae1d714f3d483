// Package trace contains the callback types redpub invokes as runtime events
// happen inside its pubsub connections. With tracing a user can pull out
// subscription changes, connection loss and reconnects, which is useful for
// logging and metrics without the redpub package itself depending on either.
package trace
