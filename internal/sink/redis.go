// Package sink publishes response envelopes to external consumers.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"inferd/pkg/types"
)

const (
	defaultPrefix  = "inferd:response:"
	defaultChannel = "inferd:responses"
	defaultTTL     = 24 * time.Hour
)

// RedisSink stores each envelope under <prefix><request_id> with a TTL and
// publishes it on a channel, so whoever submitted the request can poll or
// subscribe for the result.
type RedisSink struct {
	client  *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Channel  string
	TTL      time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, o RedisOptions) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client, o), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, o RedisOptions) *RedisSink {
	s := &RedisSink{client: client, prefix: o.Prefix, channel: o.Channel, ttl: o.TTL}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.channel == "" {
		s.channel = defaultChannel
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	return s
}

// Key returns the key an envelope is stored under.
func (s *RedisSink) Key(requestID string) string { return s.prefix + requestID }

// Deliver stores and publishes resp in one transaction.
func (s *RedisSink) Deliver(ctx context.Context, resp types.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.Key(resp.RequestID), data, s.ttl)
		pipe.Publish(ctx, s.channel, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deliver %s: %w", resp.RequestID, err)
	}
	return nil
}

// Lookup returns a stored envelope.
func (s *RedisSink) Lookup(ctx context.Context, requestID string) (types.Response, bool, error) {
	raw, err := s.client.Get(ctx, s.Key(requestID)).Bytes()
	if err == redis.Nil {
		return types.Response{}, false, nil
	}
	if err != nil {
		return types.Response{}, false, err
	}
	var resp types.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return types.Response{}, false, err
	}
	return resp, true, nil
}

// Close closes the client.
func (s *RedisSink) Close() error { return s.client.Close() }
