// Package redisqueue backs the queue interface with a Redis Stream consumed
// through a consumer group. Unacked entries are reclaimed from dead
// consumers via XAUTOCLAIM, giving at-least-once delivery.
package redisqueue

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/queue"
)

var log = logging.Logger("redisqueue")

const (
	fieldGroupKey = "group"
	fieldBody     = "body"

	// entries idle longer than this are considered abandoned by their
	// original consumer and reclaimed
	claimMinIdle = 5 * time.Minute
)

type RedisQueue struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
}

var _ queue.Queue = (*RedisQueue)(nil)

func New(ctx context.Context, rdb *redis.Client, stream, group, consumer string) (*RedisQueue, error) {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, xerrors.Errorf("creating consumer group %s on %s: %w (%s)", group, stream, queue.ErrOperation, err)
	}
	return &RedisQueue{rdb: rdb, stream: stream, group: group, consumer: consumer}, nil
}

func isBusyGroup(err error) bool {
	// BUSYGROUP means the group already exists, which is the normal case
	// on restart
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (q *RedisQueue) Add(ctx context.Context, groupKey string, body []byte) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			fieldGroupKey: groupKey,
			fieldBody:     body,
		},
	}).Err()
	if err != nil {
		return xerrors.Errorf("xadd %s: %w (%s)", q.stream, queue.ErrOperation, err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	// reclaim abandoned entries first so they are not stuck behind a dead
	// consumer forever
	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, xerrors.Errorf("xautoclaim %s: %w (%s)", q.stream, queue.ErrOperation, err)
	}

	msgs := toMessages(claimed)
	if len(msgs) >= max {
		return msgs[:max], nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max - len(msgs)),
		Block:    wait,
	}).Result()
	switch {
	case err == redis.Nil:
		return msgs, nil
	case err != nil:
		return nil, xerrors.Errorf("xreadgroup %s: %w (%s)", q.stream, queue.ErrOperation, err)
	}

	for _, s := range streams {
		msgs = append(msgs, toMessages(s.Messages)...)
	}
	return msgs, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg queue.Message) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, msg.ID).Err(); err != nil {
		return xerrors.Errorf("xack %s %s: %w (%s)", q.stream, msg.ID, queue.ErrOperation, err)
	}
	return nil
}

func toMessages(entries []redis.XMessage) []queue.Message {
	var out []queue.Message
	for _, e := range entries {
		gk, _ := e.Values[fieldGroupKey].(string)
		body, ok := e.Values[fieldBody].(string)
		if !ok {
			log.Warnw("dropping malformed stream entry", "id", e.ID)
			continue
		}
		out = append(out, queue.Message{ID: e.ID, GroupKey: gk, Body: []byte(body)})
	}
	return out
}
