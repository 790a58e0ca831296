package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnavailable is returned by every Client operation when the backing
// store cannot be reached or refuses the command. Callers match it with
// errors.Is.
var ErrUnavailable = errors.New("store unavailable")

// Client exposes the typed primitives the presence fabric needs from the
// backing store: hashes, sets, sorted sets, scripted multi-key updates and
// pub/sub. Every operation is traced and recorded in a latency histogram.
type Client struct {
	client  *redis.Client
	latency metric.Float64Histogram
	tracer  trace.Tracer
}

// New creates a new Redis-backed store client and verifies connectivity.
func New(dsn string) (*Client, error) {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return NewWithClient(redis.NewClient(opt))
}

// NewWithClient wraps an existing Redis client. Used directly in tests.
func NewWithClient(client *redis.Client) (*Client, error) {
	meter := otel.Meter("redis-client")
	latency, err := meter.Float64Histogram("redis.command.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create redis.command.latency instrument: %w", err)
	}

	c := &Client{
		client:  client,
		latency: latency,
		tracer:  otel.Tracer("redis-client"),
	}

	ctx, span := c.tracer.Start(context.Background(), "redis.ping")
	defer span.End()
	if err := client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to ping Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	span.SetStatus(codes.Ok, "Redis connected successfully")

	return c, nil
}

// Close closes the underlying Redis client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Redis exposes the underlying client for components that speak to Redis
// directly, such as the rate limiter.
func (c *Client) Redis() *redis.Client {
	return c.client
}

// Ping checks connectivity. Used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return c.wrap("ping", err)
	}
	return nil
}

// start opens a span for a store command and returns a finish callback that
// records latency and the command outcome. redis.Nil is not an error.
func (c *Client) start(ctx context.Context, command, key string) (context.Context, func(error)) {
	begin := time.Now()
	ctx, span := c.tracer.Start(ctx, "redis."+command, trace.WithAttributes(
		attribute.String("redis.command", command),
		attribute.String("redis.key", key),
	))
	return ctx, func(err error) {
		if err != nil && !errors.Is(err, redis.Nil) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Redis "+command+" failed")
		}
		c.latency.Record(ctx, float64(time.Since(begin).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", command)))
		span.End()
	}
}

func (c *Client) wrap(command string, err error) error {
	return fmt.Errorf("redis %s: %w", command, errors.Join(ErrUnavailable, err))
}

// HashGetAll returns every field of a hash. A missing key yields an empty map.
func (c *Client) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, done := c.start(ctx, "hgetall", key)
	fields, err := c.client.HGetAll(ctx, key).Result()
	done(err)
	if err != nil {
		return nil, c.wrap("hgetall", err)
	}
	return fields, nil
}

// HashGetField returns one field of a hash. The bool reports presence.
func (c *Client) HashGetField(ctx context.Context, key, field string) (string, bool, error) {
	ctx, done := c.start(ctx, "hget", key)
	value, err := c.client.HGet(ctx, key, field).Result()
	done(err)
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, c.wrap("hget", err)
	}
	return value, true, nil
}

// HashSetMulti writes multiple fields of a hash in one command.
func (c *Client) HashSetMulti(ctx context.Context, key string, fields map[string]interface{}) error {
	ctx, done := c.start(ctx, "hset", key)
	err := c.client.HSet(ctx, key, fields).Err()
	done(err)
	if err != nil {
		return c.wrap("hset", err)
	}
	return nil
}

// HashDelFields removes fields from a hash.
func (c *Client) HashDelFields(ctx context.Context, key string, fields ...string) error {
	ctx, done := c.start(ctx, "hdel", key)
	err := c.client.HDel(ctx, key, fields...).Err()
	done(err)
	if err != nil {
		return c.wrap("hdel", err)
	}
	return nil
}

// HashGetAllMulti batch-loads several hashes in one pipelined round-trip.
// The result slice is positionally aligned with keys; missing keys yield
// empty maps.
func (c *Client) HashGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ctx, done := c.start(ctx, "pipeline.hgetall", keys[0])
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	done(err)
	if err != nil {
		return nil, c.wrap("pipeline.hgetall", err)
	}
	result := make([]map[string]string, len(keys))
	for i, cmd := range cmds {
		result[i] = cmd.Val()
	}
	return result, nil
}

// SetAdd adds members to a set.
func (c *Client) SetAdd(ctx context.Context, key string, members ...string) error {
	ctx, done := c.start(ctx, "sadd", key)
	err := c.client.SAdd(ctx, key, toAnySlice(members)...).Err()
	done(err)
	if err != nil {
		return c.wrap("sadd", err)
	}
	return nil
}

// SetRem removes members from a set.
func (c *Client) SetRem(ctx context.Context, key string, members ...string) error {
	ctx, done := c.start(ctx, "srem", key)
	err := c.client.SRem(ctx, key, toAnySlice(members)...).Err()
	done(err)
	if err != nil {
		return c.wrap("srem", err)
	}
	return nil
}

// SetMembers returns all members of a set.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, done := c.start(ctx, "smembers", key)
	members, err := c.client.SMembers(ctx, key).Result()
	done(err)
	if err != nil {
		return nil, c.wrap("smembers", err)
	}
	return members, nil
}

// SortedAdd adds a member with a score to a sorted set.
func (c *Client) SortedAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, done := c.start(ctx, "zadd", key)
	err := c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	done(err)
	if err != nil {
		return c.wrap("zadd", err)
	}
	return nil
}

// SortedRangeByScore returns members with min <= score <= max. Bounds use
// Redis syntax ("-inf", "(123", "123").
func (c *Client) SortedRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	ctx, done := c.start(ctx, "zrangebyscore", key)
	members, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	done(err)
	if err != nil {
		return nil, c.wrap("zrangebyscore", err)
	}
	return members, nil
}

// SortedRem removes members from a sorted set.
func (c *Client) SortedRem(ctx context.Context, key string, members ...string) error {
	ctx, done := c.start(ctx, "zrem", key)
	err := c.client.ZRem(ctx, key, toAnySlice(members)...).Err()
	done(err)
	if err != nil {
		return c.wrap("zrem", err)
	}
	return nil
}

// KeyExpire sets a TTL on a key.
func (c *Client) KeyExpire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, done := c.start(ctx, "pexpire", key)
	err := c.client.PExpire(ctx, key, ttl).Err()
	done(err)
	if err != nil {
		return c.wrap("pexpire", err)
	}
	return nil
}

// Publish sends a payload on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, done := c.start(ctx, "publish", channel)
	err := c.client.Publish(ctx, channel, payload).Err()
	done(err)
	if err != nil {
		return c.wrap("publish", err)
	}
	return nil
}

// PSubscribe opens a pattern subscription. The returned PubSub holds its own
// connection in subscribe mode and reconnects on its own; callers must Close
// it. Most store implementations forbid mixing subscribe mode with regular
// commands, hence the dedicated connection.
func (c *Client) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return c.client.PSubscribe(ctx, pattern)
}

// EvalScript runs a server-side script against the given keys. go-redis
// issues EVALSHA and falls back to EVAL on a cache miss.
func (c *Client) EvalScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	ctx, done := c.start(ctx, "evalsha", keys[0])
	result, err := script.Run(ctx, c.client, keys, args...).Result()
	done(err)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, c.wrap("evalsha", err)
	}
	return result, nil
}

func toAnySlice(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
