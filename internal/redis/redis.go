package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/PeeBee66/chittychattychat/internal/config"
)

// Client wraps go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

var errNotInitialized = errors.New("redis client not initialized")

// NewRedisClient creates the redis client from app config.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Client{inner: client}, nil
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.Ping(ctx).Err()
}

// Publish sends payload on channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers channel payloads to handler until ctx is cancelled.
// It returns once the subscription is confirmed.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	pubsub := c.inner.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

// AcquireLease sets key only if absent, returning whether this caller holds it.
func (c *Client) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if c == nil || c.inner == nil {
		return false, errNotInitialized
	}
	return c.inner.SetNX(ctx, key, owner, ttl).Result()
}

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseLease deletes key when owner still holds it. The compare and the
// delete run as one script so a lease taken over after expiry survives.
func (c *Client) ReleaseLease(ctx context.Context, key, owner string) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return releaseScript.Run(ctx, c.inner, []string{key}, owner).Err()
}

// Close closes client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
