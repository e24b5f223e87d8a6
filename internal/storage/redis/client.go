package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/storage"
)

const (
	connsKeyPrefix = "presence:conns:"
	onlineSetKey   = "presence:online"
)

// The counter and the online set change together so Online never lists a user with no connections.
var (
	connectScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then redis.call('SADD', KEYS[2], ARGV[1]) end
return n`)

	disconnectScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[1])
  return 0
end
return n`)
)

// Client implements storage.PresenceRegistry and storage.Bus on one Redis connection pool.
type Client struct {
	cli     *redis.Client
	channel string

	mu   sync.Mutex
	subs []*redis.PubSub
}

var (
	_ storage.PresenceRegistry = (*Client)(nil)
	_ storage.Bus              = (*Client)(nil)
)

func New(ctx context.Context, url, channel string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, channel: channel}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return c.cli.Close()
}

func (c *Client) Connect(ctx context.Context, userID string) (bool, error) {
	n, err := connectScript.Run(ctx, c.cli, []string{connsKeyPrefix + userID, onlineSetKey}, userID).Int64()
	if err != nil {
		return false, fmt.Errorf("redis presence connect: %w", err)
	}
	return n == 1, nil
}

func (c *Client) Disconnect(ctx context.Context, userID string) (bool, error) {
	n, err := disconnectScript.Run(ctx, c.cli, []string{connsKeyPrefix + userID, onlineSetKey}, userID).Int64()
	if err != nil {
		return false, fmt.Errorf("redis presence disconnect: %w", err)
	}
	return n == 0, nil
}

func (c *Client) Online(ctx context.Context) ([]string, error) {
	ids, err := c.cli.SMembers(ctx, onlineSetKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return ids, err
}

func (c *Client) Publish(ctx context.Context, env storage.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis bus marshal: %w", err)
	}
	if err := c.cli.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("redis bus publish: %w", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed, then consumes in the background.
func (c *Client) Subscribe(ctx context.Context, fn func(storage.Envelope)) error {
	ps := c.cli.Subscribe(ctx, c.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis bus subscribe: %w", err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, ps)
	c.mu.Unlock()

	ch := ps.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env storage.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logger.Errorf("redis bus: bad envelope: %v", err)
					continue
				}
				fn(env)
			}
		}
	}()
	return nil
}

// FlushPresence removes every presence key. Only safe while no instance holds sockets.
func (c *Client) FlushPresence(ctx context.Context) error {
	iter := c.cli.Scan(ctx, 0, connsKeyPrefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis presence scan: %w", err)
	}
	keys = append(keys, onlineSetKey)
	return c.cli.Del(ctx, keys...).Err()
}
