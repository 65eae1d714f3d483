package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var publishInterval time.Duration

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [channel] [count]",
	Short: "Publish numbered messages to a channel",
	Long: `publish publishes count messages (default 5) to channel (default
"mychannel"), waiting --interval between each.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runPublish,
}

func init() {
	RootCmd.AddCommand(publishCmd)
	publishCmd.Flags().DurationVarP(&publishInterval, "interval", "i", 2*time.Second, "time between messages")
}

func runPublish(cmd *cobra.Command, args []string) error {
	channel, count := "mychannel", 5
	if len(args) > 0 {
		channel = args[0]
	}
	if len(args) > 1 {
		var err error
		if count, err = strconv.Atoi(args[1]); err != nil || count < 1 {
			return errors.Errorf("invalid count %q", args[1])
		}
	}

	ctx := cmd.Context()
	fmt.Println("========== Redis Publisher ==========")
	client, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Println("Publishing messages...")
	for i := 1; i <= count; i++ {
		message := fmt.Sprintf("Hello from publisher - Message %d", i)
		n, err := client.Publish(ctx, channel, message)
		if err != nil {
			return err
		}
		fmt.Printf("[Published] Channel: %s | Message: %s\n", channel, message)
		fmt.Printf("            Subscribers received: %d\n", n)

		if i < count {
			if err := client.Wait(ctx, publishInterval); err != nil {
				return err
			}
		}
	}

	fmt.Println("\nAll messages published!")
	return nil
}
