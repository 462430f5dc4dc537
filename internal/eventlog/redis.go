package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions tunes the Redis Streams backend.
type RedisOptions struct {
	// MaxLen trims each topic to roughly this many entries on append. Zero keeps everything.
	MaxLen int64
}

// Redis implements Log on top of Redis Streams.
type Redis struct {
	client redis.UniversalClient
	maxLen int64
}

var _ Log = (*Redis)(nil)

// NewRedis wraps a connected client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	return &Redis{client: client, maxLen: opts.MaxLen}
}

// DialRedis parses a redis:// URL, connects and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (r *Redis) addArgs(topic string, rec Record) *redis.XAddArgs {
	values := make(map[string]interface{}, len(rec))
	for k, v := range rec {
		values[k] = v
	}
	args := &redis.XAddArgs{Stream: topic, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return args
}

func (r *Redis) Append(ctx context.Context, topic string, rec Record) (string, error) {
	id, err := r.client.XAdd(ctx, r.addArgs(topic, rec)).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

func (r *Redis) AppendBatch(ctx context.Context, topic string, recs []Record) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(recs))
	for i, rec := range recs {
		cmds[i] = pipe.XAdd(ctx, r.addArgs(topic, rec))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("xadd pipeline %s: %w", topic, err)
	}
	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.Val()
	}
	return ids, nil
}

func (r *Redis) EnsureGroup(ctx context.Context, topic, group string, opts ...GroupOption) error {
	start := "0"
	if applyGroupOptions(opts).fromLatest {
		start = "$"
	}
	err := r.client.XGroupCreateMkStream(ctx, topic, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", topic, group, err)
	}
	return nil
}

func (r *Redis) Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	// go-redis sends BLOCK only for Block >= 0, and BLOCK 0 waits forever.
	wait := time.Duration(-1)
	if block > 0 {
		wait = max(block, time.Millisecond)
	}
	return r.readGroup(ctx, topic, group, consumer, ">", count, wait)
}

func (r *Redis) Pending(ctx context.Context, topic, group, consumer string, count int) ([]Entry, error) {
	return r.readGroup(ctx, topic, group, consumer, "0", count, -1)
}

func (r *Redis) readGroup(ctx context.Context, topic, group, consumer, from string, count int, block time.Duration) ([]Entry, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, from},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, fmt.Errorf("%w: %v", ErrNoGroup, err)
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", topic, group, err)
	}

	var out []Entry
	for _, s := range streams {
		out = append(out, toEntries(s.Messages)...)
	}
	return out, nil
}

func (r *Redis) Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", topic, group, err)
	}
	return toEntries(msgs), nil
}

func (r *Redis) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, topic, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", topic, group, err)
	}
	return nil
}

func (r *Redis) DropGroup(ctx context.Context, topic, group string) error {
	if err := r.client.XGroupDestroy(ctx, topic, group).Err(); err != nil {
		return fmt.Errorf("xgroup destroy %s/%s: %w", topic, group, err)
	}
	return nil
}

// toEntries converts stream messages. Entries trimmed while pending come back with no values.
func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		rec := make(Record, len(msg.Values))
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				rec[k] = s
			} else {
				rec[k] = fmt.Sprint(v)
			}
		}
		out = append(out, Entry{ID: msg.ID, Record: rec})
	}
	return out
}
