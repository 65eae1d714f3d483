package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type demoPublish struct {
	channel, message string
	wait             time.Duration
}

var demoPublishes = []demoPublish{
	{"mychannel", "Hello World 1", 500 * time.Millisecond},
	{"mychannel", "Hello World 2", 500 * time.Millisecond},
	{"events", "Event 1", 500 * time.Millisecond},
	{"events", "Event 2", 2 * time.Second},
}

// demoCmd represents the demo command
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Subscribe to two channels and publish to them",
	Long: `demo subscribes a handler to each of "mychannel" and "events", then
publishes two messages to each, printing whatever the handlers receive.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	RootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fmt.Println("[TEST 1] Connecting to Redis...")
	client, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	handler := func(n int) func(channel, message string) {
		return func(channel, message string) {
			fmt.Printf("           [Handler %d] Message received: %s\n", n, message)
		}
	}

	fmt.Println("[TEST 2] Subscribing to channels...")
	if err := client.Subscribe(ctx, "mychannel", handler(1)); err != nil {
		return err
	}
	if err := client.Subscribe(ctx, "events", handler(2)); err != nil {
		return err
	}
	fmt.Printf("\n[INFO] Subscribed channels: %s\n\n", strings.Join(client.Channels(), ", "))

	if err := client.Wait(ctx, time.Second); err != nil {
		return err
	}

	fmt.Printf("[TEST 3] Publishing messages...\n\n")
	for _, p := range demoPublishes {
		n, err := client.Publish(ctx, p.channel, p.message)
		if err != nil {
			return err
		}
		fmt.Printf("[Published] Channel: %s | Message: %s | Subscribers: %d\n", p.channel, p.message, n)
		if err := client.Wait(ctx, p.wait); err != nil {
			return err
		}
	}

	fmt.Println("\n[OK] Test completed successfully!")
	return nil
}
