package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is the distributed transport backend built on Redis streams. The
// interface operations map directly onto stream commands: GroupCreate is
// XGROUP CREATE, ReadGroup is XREADGROUP with the ">" cursor, Ack is XACK,
// Append is XADD with "*", Range is XRANGE, and Delete is XDEL.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed transport from a redis:// URL.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an existing client. Used by tests.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// GroupCreate implements Transport.
func (r *Redis) GroupCreate(ctx context.Context, stream, group, startID string, opts GroupCreateOptions) error {
	if startID == "" {
		startID = "0"
	}

	var err error
	if opts.MakeStream {
		err = r.client.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	} else {
		err = r.client.XGroupCreate(ctx, stream, group, startID).Err()
	}
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return ErrGroupExists
		}
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup implements Transport.
func (r *Redis) ReadGroup(ctx context.Context, args ReadGroupArgs) ([]Entry, error) {
	count := args.Count
	if count <= 0 {
		count = 1
	}

	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, ">"},
		Count:    count,
		Block:    args.Block,
	}).Result()
	if err != nil {
		// Block timeout with no entries.
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read group %s on %s: %w", args.Group, args.Stream, err)
	}

	var out []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			out = append(out, Entry{ID: msg.ID, Fields: stringFields(msg.Values)})
		}
	}
	return out, nil
}

// Ack implements Transport.
func (r *Redis) Ack(ctx context.Context, stream, group, id string) error {
	if err := r.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// Append implements Transport.
func (r *Redis) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, ID: "*", Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", stream, err)
	}
	return id, nil
}

// Range implements Transport.
func (r *Redis) Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = r.client.XRangeN(ctx, stream, start, end, count).Result()
	} else {
		msgs, err = r.client.XRange(ctx, stream, start, end).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", stream, err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, Entry{ID: msg.ID, Fields: stringFields(msg.Values)})
	}
	return out, nil
}

// Delete implements Transport.
func (r *Redis) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XDel(ctx, stream, ids...).Err(); err != nil {
		return fmt.Errorf("delete from %s: %w", stream, err)
	}
	return nil
}

// Close implements Transport.
func (r *Redis) Close() error {
	return r.client.Close()
}

func stringFields(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
