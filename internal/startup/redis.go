package startup

import (
	"context"
	"time"

	"github.com/roomchat/internal/config"
	redisstorage "github.com/roomchat/internal/storage/redis"
)

// ConnectRedis opens the presence registry and fan-out bus, retrying until maxWait.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig, maxWait time.Duration) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	err := Retry(ctx, "redis connect", maxWait, func(ctx context.Context) error {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connectCtx, cfg.URL, cfg.FanoutChannel)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}
