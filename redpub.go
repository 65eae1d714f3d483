// Package redpub implements a publish/subscribe client for redis.
//
// The Client type is the simplest way to use it: it holds one connection for
// publishing and one for subscriptions, and calls a Handler for every message
// published to a subscribed channel.
//
//	client := redpub.NewClient()
//	if err := client.Connect(ctx, "127.0.0.1", 6379); err != nil {
//		// handle error
//	}
//	defer client.Close()
//
//	err := client.Subscribe(ctx, "events", func(channel, message string) {
//		log.Printf("%s: %s", channel, message)
//	})
//
//	receivers, err := client.Publish(ctx, "events", "hello")
//
// # Lower level
//
// Underneath the Client are the Conn, PubSubConn and PersistentPubSub types,
// which may also be used directly. A Conn is a single pipelined connection on
// which Actions (e.g. those created with Cmd) are performed. NewPubSubConn
// turns a Conn into a PubSubConn, which delivers PubSubMessages to go
// channels. PersistentPubSub does the same but re-establishes its connection,
// and all subscriptions, whenever it fails.
//
// # Testing
//
// Stub and PubSubStub return Conns which service commands in memory, and can
// be given to a Client through ClientConfig.ConnFunc.
//
// # Tracing
//
// The trace package contains callbacks which PubSubConn and PersistentPubSub
// call on significant events. The Client uses them to log connection failures
// and reconnects.
package redpub
