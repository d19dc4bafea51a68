package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tilemath/internal/job"
)

const scanPageSize = 100

// Claim markers are plain keys with a TTL; the stream entry itself is never
// touched until acknowledgment.
var (
	ackScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur and cur ~= ARGV[1] then
  return -1
end
redis.call('XDEL', KEYS[1], ARGV[2])
redis.call('DEL', KEYS[2])
redis.call('HDEL', KEYS[3], ARGV[2])
return 1
`)

	extendScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
)

// Redis is a Queue on a Redis stream. Entries carry job_id and spec_json so
// consumers in other processes can scan by job id.
type Redis struct {
	client redis.UniversalClient
	stream string
}

var _ Queue = (*Redis)(nil)

// NewRedis creates a queue on stream. The caller owns the client.
func NewRedis(client redis.UniversalClient, stream string) *Redis {
	if stream == "" {
		stream = "queue:jobs"
	}
	return &Redis{client: client, stream: stream}
}

func (q *Redis) claimKey(msgID string) string { return q.stream + ":claim:" + msgID }
func (q *Redis) deliveriesKey() string        { return q.stream + ":deliveries" }

// Enqueue appends a message with XADD.
func (q *Redis) Enqueue(ctx context.Context, jobID string, spec job.Spec) (string, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job_id": jobID, "spec_json": string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", q.stream, err)
	}
	return id, nil
}

// Claim takes the oldest claimable message.
func (q *Redis) Claim(ctx context.Context, owner string, lease time.Duration) (*Message, error) {
	return q.claim(ctx, owner, lease, func(redis.XMessage) bool { return true })
}

// ClaimJob takes the oldest claimable message for jobID.
func (q *Redis) ClaimJob(ctx context.Context, jobID, owner string, lease time.Duration) (*Message, error) {
	return q.claim(ctx, owner, lease, func(m redis.XMessage) bool { return stringValue(m.Values, "job_id") == jobID })
}

func (q *Redis) claim(ctx context.Context, owner string, lease time.Duration, match func(redis.XMessage) bool) (*Message, error) {
	var claimed *Message
	err := q.scan(ctx, func(xm redis.XMessage) (bool, error) {
		if !match(xm) {
			return true, nil
		}
		ok, err := q.client.SetNX(ctx, q.claimKey(xm.ID), owner, lease).Result()
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", xm.ID, err)
		}
		if !ok {
			return true, nil
		}
		n, err := q.client.HIncrBy(ctx, q.deliveriesKey(), xm.ID, 1).Result()
		if err != nil {
			return false, fmt.Errorf("count delivery %s: %w", xm.ID, err)
		}
		msg := toMessage(xm)
		msg.Deliveries = int(n)
		claimed = &msg
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, ErrEmpty
	}
	return claimed, nil
}

// scan walks the stream in id order until fn returns false.
func (q *Redis) scan(ctx context.Context, fn func(redis.XMessage) (bool, error)) error {
	start := "-"
	for {
		page, err := q.client.XRangeN(ctx, q.stream, start, "+", scanPageSize).Result()
		if err != nil {
			return fmt.Errorf("xrange %s: %w", q.stream, err)
		}
		for _, xm := range page {
			// Pages after the first start at the previous page's last id.
			if start != "-" && xm.ID == start {
				continue
			}
			more, err := fn(xm)
			if err != nil || !more {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		start = page[len(page)-1].ID
	}
}

// Extend renews the lease on the claim marker.
func (q *Redis) Extend(ctx context.Context, msgID, owner string, lease time.Duration) error {
	n, err := extendScript.Run(ctx, q.client, []string{q.claimKey(msgID)}, owner, lease.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", msgID, err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Ack deletes the stream entry together with its claim and delivery count.
func (q *Redis) Ack(ctx context.Context, msgID, owner string) error {
	keys := []string{q.stream, q.claimKey(msgID), q.deliveriesKey()}
	n, err := ackScript.Run(ctx, q.client, keys, owner, msgID).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", msgID, err)
	}
	if n < 0 {
		return ErrClaimLost
	}
	return nil
}

// Release deletes owner's claim marker.
func (q *Redis) Release(ctx context.Context, msgID, owner string) error {
	n, err := releaseScript.Run(ctx, q.client, []string{q.claimKey(msgID)}, owner).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", msgID, err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// List returns all messages in log order.
func (q *Redis) List(ctx context.Context) ([]Message, error) {
	deliveries, err := q.client.HGetAll(ctx, q.deliveriesKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read deliveries: %w", err)
	}
	var out []Message
	err = q.scan(ctx, func(xm redis.XMessage) (bool, error) {
		msg := toMessage(xm)
		msg.Deliveries, _ = strconv.Atoi(deliveries[xm.ID])
		out = append(out, msg)
		return true, nil
	})
	return out, err
}

// Len returns XLEN of the stream.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", q.stream, err)
	}
	return n, nil
}

// Ping checks Redis is reachable.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the client is closed by its owner.
func (q *Redis) Close() error { return nil }

func toMessage(xm redis.XMessage) Message {
	msg := Message{
		ID:         xm.ID,
		JobID:      stringValue(xm.Values, "job_id"),
		SpecJSON:   stringValue(xm.Values, "spec_json"),
		EnqueuedAt: streamIDTime(xm.ID),
	}
	// A malformed spec leaves Spec zero; workers execute the stored spec.
	_ = json.Unmarshal([]byte(msg.SpecJSON), &msg.Spec)
	return msg
}

func stringValue(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return s
}

// streamIDTime extracts the millisecond timestamp from a "<ms>-<seq>" id.
func streamIDTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
