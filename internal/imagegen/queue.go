package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/cookscan/internal/metrics"
)

// Task is one image generation request for a recipe. Attempt starts at 1 and
// increments on each delayed retry.
type Task struct {
	TaskID     string `json:"task_id"`
	RecipeID   string `json:"recipe_id"`
	CookbookID string `json:"cookbook_id"`
	Title      string `json:"title"`
	Attempt    int    `json:"attempt"`
}

// Queue carries image generation tasks over a Redis stream with a consumer
// group, a ZSET for delayed retries and a DLQ stream for exhausted tasks.
// Per-recipe done keys make enqueue and processing idempotent.
type Queue struct {
	client *redis.Client

	Stream     string
	Group      string
	DelayedKey string
	DLQStream  string

	doneKeyPrefix    string
	pendingKeyPrefix string

	pollInterval time.Duration
	stop         chan struct{}
}

// NewQueue connects to Redis, ensures the stream and group exist, and starts
// the delayed task mover.
func NewQueue(redisURL, stream, group string, poll time.Duration) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q := &Queue{
		client:           c,
		Stream:           stream,
		Group:            group,
		DelayedKey:       stream + ":delayed",
		DLQStream:        stream + ":dlq",
		doneKeyPrefix:    "imagegen:done:",
		pendingKeyPrefix: "imagegen:pending:",
		pollInterval:     poll,
		stop:             make(chan struct{}),
	}
	if err := c.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	go q.mover()
	return q, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *Queue) Close() error {
	close(q.stop)
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds a task to the stream.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"data": string(payload)},
	}).Err()
}

// EnqueueDelayed schedules a retry via the ZSET; the mover promotes it when
// due.
func (q *Queue) EnqueueDelayed(ctx context.Context, t Task, executeAt time.Time) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.DelayedKey, redis.Z{
		Score:  float64(executeAt.Unix()),
		Member: string(payload),
	}).Err()
}

// Dequeue reads one task from the consumer group. A zero msgID with nil
// error means the block timed out with nothing to do.
func (q *Queue) Dequeue(ctx context.Context, consumer string, block time.Duration) (string, Task, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", Task{}, nil
		}
		return "", Task{}, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return "", Task{}, nil
	}
	msg := res[0].Messages[0]
	raw, _ := msg.Values["data"].(string)
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// Unparseable payloads go straight to the DLQ; redelivery cannot fix them.
		_ = q.AddDLQ(ctx, []byte(raw), "malformed payload")
		_ = q.Ack(ctx, msg.ID)
		return "", Task{}, nil
	}
	return msg.ID, t, nil
}

func (q *Queue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// AddDLQ records a task that exhausted its retries.
func (q *Queue) AddDLQ(ctx context.Context, payload []byte, reason string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DLQStream,
		Values: map[string]any{"data": string(payload), "reason": reason},
	}).Err()
}

// IsDone reports whether an image for recipeID was already generated.
func (q *Queue) IsDone(ctx context.Context, recipeID string) (bool, error) {
	exists, err := q.client.Exists(ctx, q.doneKeyPrefix+recipeID).Result()
	return exists == 1, err
}

// MarkDone marks recipeID generated. The TTL only bounds key growth; the
// durable record is the recipe row's image_url.
func (q *Queue) MarkDone(ctx context.Context, recipeID string, ttl time.Duration) error {
	return q.client.Set(ctx, q.doneKeyPrefix+recipeID, 1, ttl).Err()
}

// ClaimPending reserves recipeID for enqueue with SET NX so concurrent
// sweeps do not double-enqueue the same recipe.
func (q *Queue) ClaimPending(ctx context.Context, recipeID string, ttl time.Duration) (bool, error) {
	return q.client.SetNX(ctx, q.pendingKeyPrefix+recipeID, 1, ttl).Result()
}

// ReleasePending clears the reservation after the task finishes or dies.
func (q *Queue) ReleasePending(ctx context.Context, recipeID string) error {
	return q.client.Del(ctx, q.pendingKeyPrefix+recipeID).Err()
}

func (q *Queue) mover() {
	if q.pollInterval <= 0 {
		q.pollInterval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.moveOnce()
		}
	}
}

func (q *Queue) moveOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().Unix()
	vals, err := q.client.ZRangeByScoreWithScores(ctx, q.DelayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(vals) == 0 {
		return
	}
	pipe := q.client.TxPipeline()
	for _, z := range vals {
		s, _ := z.Member.(string)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{"data": s}})
		pipe.ZRem(ctx, q.DelayedKey, s)
	}
	_, _ = pipe.Exec(ctx)
}

// PublishDepths pushes queue lengths to the metrics gauges.
func (q *Queue) PublishDepths(ctx context.Context) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.Stream)
	zcard := pipe.ZCard(ctx, q.DelayedKey)
	dxlen := pipe.XLen(ctx, q.DLQStream)
	if _, err := pipe.Exec(ctx); err != nil {
		return
	}
	metrics.SetQueueDepth("ready", xlen.Val())
	metrics.SetQueueDepth("delayed", zcard.Val())
	metrics.SetQueueDepth("dlq", dxlen.Val())
}
