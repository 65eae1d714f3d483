package commands

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/mediocregopher/redpub"
)

// connect loads the settings and returns a connected Client.
func connect(ctx context.Context) (*redpub.Client, settings, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, s, err
	}

	fmt.Printf("Connecting to Redis at %s:%d...\n", s.Redis.Host, s.Redis.Port)
	client := s.client(log)
	if err := client.Connect(ctx, s.Redis.Host, s.Redis.Port); err != nil {
		return nil, s, errors.Wrap(err, "connecting")
	}
	fmt.Printf("Connected successfully!\n\n")
	return client, s, nil
}
