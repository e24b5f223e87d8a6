package memory

import (
	"context"
	"sync"

	"github.com/roomchat/internal/storage"
)

// Client is the in-process registry and bus used when REDIS_URL is empty.
// Publish delivers to subscribers synchronously, in publish order.
type Client struct {
	mu     sync.RWMutex
	conns  map[string]int
	subs   map[int]func(storage.Envelope)
	nextID int
	closed bool
}

var (
	_ storage.PresenceRegistry = (*Client)(nil)
	_ storage.Bus              = (*Client)(nil)
)

func New() *Client {
	return &Client{
		conns: make(map[string]int),
		subs:  make(map[int]func(storage.Envelope)),
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[int]func(storage.Envelope))
	return nil
}

func (c *Client) Connect(ctx context.Context, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[userID]++
	return c.conns[userID] == 1, nil
}

func (c *Client) Disconnect(ctx context.Context, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.conns[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(c.conns, userID)
		return true, nil
	}
	c.conns[userID] = n - 1
	return false, nil
}

func (c *Client) Online(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Client) Publish(ctx context.Context, env storage.Envelope) error {
	c.mu.RLock()
	fns := make([]func(storage.Envelope), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(env)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, fn func(storage.Envelope)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}()
	return nil
}
