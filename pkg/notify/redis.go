package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/rueidis"
)

// RedisPublisher pushes funds-received events onto per-account redis
// channels for out-of-process consumers.
type RedisPublisher struct {
	client rueidis.Client
	prefix string
}

// RedisPublisherConfig holds redis connection configuration.
type RedisPublisherConfig struct {
	Addr       string
	Username   string
	Password   string
	DB         int
	KeyPrefix  string
	DisableTLS bool
}

// NewRedisPublisher connects to redis and returns a publisher.
func NewRedisPublisher(config RedisPublisherConfig) (*RedisPublisher, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("notify: no redis address configured")
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "notify:funds:"
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{config.Addr},
		Username:    config.Username,
		Password:    config.Password,
		SelectDB:    config.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("notify: redis connect: %w", err)
	}
	return &RedisPublisher{client: client, prefix: prefix}, nil
}

// Publish sends the event, JSON-encoded, to the account's channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	cmd := p.client.B().Publish().
		Channel(p.prefix + ev.Account).
		Message(string(payload)).
		Build()
	return p.client.Do(ctx, cmd).Error()
}

// Close releases the redis connection.
func (p *RedisPublisher) Close() {
	p.client.Close()
}
