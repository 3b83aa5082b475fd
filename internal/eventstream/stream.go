// Package eventstream wraps the durable append-only log the platform uses
// for processing outcomes: Redis Streams with consumer groups, at-least-once
// delivery and explicit acknowledgement.
package eventstream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one stream record: a server-assigned ID and flat string fields.
type Entry struct {
	ID     string
	Values map[string]string
}

// Stream is the durable log contract the pattern consumer and the workflow
// router publish through.
type Stream interface {
	// Add appends an entry and returns its server-assigned ID.
	Add(ctx context.Context, values map[string]interface{}) (string, error)
	// EnsureGroup creates the consumer group if it does not exist, starting
	// from the beginning of the stream so a new group replays history.
	EnsureGroup(ctx context.Context, group string) error
	// ReadGroup block-reads up to count new entries (the ">" cursor) for the
	// consumer, waiting at most block. A timeout returns (nil, nil).
	ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	// Ack acknowledges processed entries for the group.
	Ack(ctx context.Context, group string, ids ...string) error
	// Len returns the current stream length.
	Len(ctx context.Context) (int64, error)
}

// RedisStream implements Stream on one Redis stream key.
type RedisStream struct {
	rdb *redis.Client
	key string
}

// NewRedisStream binds a stream key.
func NewRedisStream(rdb *redis.Client, key string) *RedisStream {
	return &RedisStream{rdb: rdb, key: key}
}

// Key returns the bound stream key.
func (s *RedisStream) Key() string { return s.key }

func (s *RedisStream) Add(ctx context.Context, values map[string]interface{}) (string, error) {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		Values: values,
	}).Result()
}

func (s *RedisStream) EnsureGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.key, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func (s *RedisStream) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Block timeout with nothing to read.
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entry := Entry{ID: msg.ID, Values: make(map[string]string, len(msg.Values))}
			for k, v := range msg.Values {
				if str, ok := v.(string); ok {
					entry.Values[k] = str
				}
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *RedisStream) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.rdb.XAck(ctx, s.key, group, ids...).Err()
}

func (s *RedisStream) Len(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, s.key).Result()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

var _ Stream = (*RedisStream)(nil)
