package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mediocregopher/redpub/internal/wsrelay"
)

// relayCmd represents the relay command
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Bridge websockets onto redis channels",
	Long: `relay serves websockets which receive the messages published to the
channels given by their channel query parameters, e.g.

    ws://127.0.0.1:8080/?channel=news&channel=events

Every JSON frame a websocket sends, {"channel":"news","message":"hi"}, is
published.`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func init() {
	RootCmd.AddCommand(relayCmd)
	relayCmd.Flags().StringP("listen", "l", "127.0.0.1:8080", "address to serve websockets on")
	viper.BindPFlag("relay.listen", relayCmd.Flags().Lookup("listen"))
	relayCmd.Flags().Duration("write-timeout", 10*time.Second, "how long writing a frame to a websocket may take")
	viper.BindPFlag("relay.writeTimeout", relayCmd.Flags().Lookup("write-timeout"))
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	relay := wsrelay.New(client, log)
	if d := viper.GetDuration("relay.writeTimeout"); d > 0 {
		relay.WriteTimeout = d
	}

	srv := &http.Server{
		Addr:              viper.GetString("relay.listen"),
		Handler:           relay,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("serving websockets")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serving")
	case <-ctx.Done():
	}

	log.Info("shutting down")
	// websockets are hijacked, Shutdown doesn't wait for them.
	relay.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
