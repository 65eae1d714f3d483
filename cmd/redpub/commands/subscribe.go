package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mediocregopher/redpub"
)

var subscribePattern bool

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe [channel...]",
	Short: "Print messages published to channels",
	Long: `subscribe prints every message published to the given channels (default
"mychannel") until interrupted. With --pattern the arguments are glob-style
patterns instead.`,
	RunE: runSubscribe,
}

func init() {
	RootCmd.AddCommand(subscribeCmd)
	subscribeCmd.Flags().BoolVar(&subscribePattern, "pattern", false, "treat the arguments as patterns")
}

type messagePrinter struct {
	count int
}

// print is only called from a single go-routine.
func (mp *messagePrinter) print(channel, message string) {
	mp.count++
	fmt.Printf("[Message #%d] From channel '%s':\n", mp.count, channel)
	fmt.Printf("             %s\n\n", message)
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	names := args
	if len(names) == 0 {
		names = []string{"mychannel"}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("========== Redis Subscriber ==========")
	var err error
	if subscribePattern {
		err = subscribePatterns(ctx, names)
	} else {
		err = subscribeChannels(ctx, names)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("\nSubscription ended")
	return nil
}

func subscribeChannels(ctx context.Context, channels []string) error {
	client, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	mp := new(messagePrinter)
	for _, channel := range channels {
		if err := client.Subscribe(ctx, channel, mp.print); err != nil {
			return err
		}
		fmt.Printf("[Info] Subscribed to '%s' (total subscriptions: %d)\n", channel, len(client.Channels()))
	}
	fmt.Printf("Waiting for messages (Ctrl+C to exit)...\n\n")

	<-ctx.Done()
	return ctx.Err()
}

// subscribePatterns uses a PubSubConn directly, since the Client only
// subscribes to channels.
func subscribePatterns(ctx context.Context, patterns []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(s.Redis.Host, strconv.Itoa(s.Redis.Port))
	connFunc := func(ctx context.Context, network, addr string) (redpub.Conn, error) {
		return redpub.Dial(ctx, network, addr, s.dialOpts()...)
	}

	fmt.Printf("Connecting to Redis at %s...\n", addr)
	var ps redpub.PubSubConn
	if s.Redis.Persistent {
		ps, err = redpub.PersistentPubSub(ctx, "tcp", addr, redpub.PersistentPubSubConnFunc(connFunc))
	} else {
		var conn redpub.Conn
		if conn, err = connFunc(ctx, "tcp", addr); err == nil {
			ps = redpub.NewPubSubConn(conn)
		}
	}
	if err != nil {
		return errors.Wrap(err, "connecting")
	}
	defer ps.Close()
	fmt.Printf("Connected successfully!\n\n")

	msgCh := make(chan redpub.PubSubMessage, 128)
	if err := ps.PSubscribe(ctx, msgCh, patterns...); err != nil {
		return errors.Wrap(err, "subscribing")
	}
	for _, pattern := range patterns {
		fmt.Printf("[Info] Subscribed to pattern '%s'\n", pattern)
	}
	fmt.Printf("Waiting for messages (Ctrl+C to exit)...\n\n")

	mp := new(messagePrinter)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-msgCh:
			mp.print(m.Channel, string(m.Message))
		}
	}
}
