package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Workers bounds the jobs one consumer runs at once.
	Workers      int
	MaxLen       int64
	Block        time.Duration
	PublishRetry time.Duration
	// Entries pending longer than ClaimIdle belong to a consumer that died
	// and are taken over; the consumer looks for them every ClaimInterval.
	ClaimIdle     time.Duration
	ClaimInterval time.Duration
}

func (c StreamConfig) Validate() error {
	if strings.TrimSpace(c.Stream) == "" {
		return errors.New("stream is required")
	}
	if strings.TrimSpace(c.Group) == "" {
		return errors.New("consumer group is required")
	}
	if strings.TrimSpace(c.Consumer) == "" {
		return errors.New("consumer name is required")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.MaxLen < 0 {
		return errors.New("max len must be >= 0")
	}
	if c.Block <= 0 {
		return errors.New("block must be positive")
	}
	if c.PublishRetry <= 0 {
		return errors.New("publish retry must be positive")
	}
	if c.ClaimIdle <= 0 {
		return errors.New("claim idle must be positive")
	}
	if c.ClaimInterval <= 0 {
		return errors.New("claim interval must be positive")
	}
	return nil
}

// StreamQueue publishes jobs to a redis stream so any replica's consumer
// can run them.
type StreamQueue struct {
	client goredis.Cmdable
	cfg    StreamConfig
}

func NewStreamQueue(client goredis.Cmdable, cfg StreamConfig) (*StreamQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &StreamQueue{client: client, cfg: cfg}, nil
}

func (q *StreamQueue) Submit(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	args := &goredis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: q.cfg.MaxLen > 0,
		Values: encodeJob(job),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = q.cfg.PublishRetry
	return backoff.Retry(func() error {
		if err := q.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("publish job: %w", err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// StreamConsumer reads jobs from the stream as part of a consumer group and
// runs up to Workers of them at once. A job is acknowledged once its runner
// returns; a job interrupted by shutdown stays pending and is reclaimed by a
// live consumer after ClaimIdle.
type StreamConsumer struct {
	client goredis.Cmdable
	cfg    StreamConfig
	runner Runner
	logger *slog.Logger

	claimCursor string
	nextClaim   time.Time
}

func NewStreamConsumer(client goredis.Cmdable, cfg StreamConfig, runner Runner, logger *slog.Logger) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &StreamConsumer{client: client, cfg: cfg, runner: runner, logger: logger, claimCursor: "0-0"}, nil
}

// Run consumes until ctx is done, then waits for running jobs to return.
func (c *StreamConsumer) Run(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	slots := make(chan struct{}, c.cfg.Workers)
	p := pool.New().WithMaxGoroutines(c.cfg.Workers)
	defer p.Wait()

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		msg, ok := c.next(ctx)
		if !ok {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		p.Go(func() {
			defer func() { <-slots }()
			c.handle(ctx, msg)
		})
	}
}

// next returns one message for a free worker: a reclaimed entry while a
// claim pass is due, otherwise a new one from the group.
func (c *StreamConsumer) next(ctx context.Context) (goredis.XMessage, bool) {
	if msg, ok := c.reclaim(ctx); ok {
		return msg, true
	}

	streams, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    1,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
			return goredis.XMessage{}, false
		}
		c.logger.Error("job stream read failed", "stream", c.cfg.Stream, "error", err)
		_ = sleep(ctx, c.cfg.Block)
		return goredis.XMessage{}, false
	}
	for _, stream := range streams {
		if len(stream.Messages) > 0 {
			return stream.Messages[0], true
		}
	}
	return goredis.XMessage{}, false
}

// reclaim takes over one entry that has been pending longer than ClaimIdle.
// A pass walks the pending list from the start and the next pass begins
// ClaimInterval after it ends.
func (c *StreamConsumer) reclaim(ctx context.Context) (goredis.XMessage, bool) {
	if time.Now().Before(c.nextClaim) {
		return goredis.XMessage{}, false
	}
	msgs, cursor, err := c.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ClaimIdle,
		Start:    c.claimCursor,
		Count:    1,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("job stream reclaim failed", "stream", c.cfg.Stream, "error", err)
		}
		c.endClaimPass()
		return goredis.XMessage{}, false
	}
	if cursor == "" || cursor == "0-0" {
		c.endClaimPass()
	} else {
		c.claimCursor = cursor
	}
	if len(msgs) == 0 {
		return goredis.XMessage{}, false
	}
	c.logger.Info("job reclaimed", "message_id", msgs[0].ID, "stream", c.cfg.Stream)
	return msgs[0], true
}

func (c *StreamConsumer) endClaimPass() {
	c.claimCursor = "0-0"
	c.nextClaim = time.Now().Add(c.cfg.ClaimInterval)
}

func (c *StreamConsumer) handle(ctx context.Context, msg goredis.XMessage) {
	job, err := decodeJob(msg.Values)
	if err != nil {
		c.logger.Error("job stream message invalid", "message_id", msg.ID, "error", err)
		c.ack(ctx, msg.ID)
		return
	}

	runCtx, stop := context.WithCancel(ctx)
	var wg conc.WaitGroup
	wg.Go(func() { c.keepClaimed(runCtx, msg.ID) })
	err = c.run(runCtx, job)
	stop()
	wg.Wait()

	if ctx.Err() != nil {
		c.logger.Warn("job interrupted, left pending", "kind", job.Kind, "operation_id", job.OperationID, "message_id", msg.ID)
		return
	}
	if err != nil {
		c.logger.Error("job failed", "kind", job.Kind, "operation_id", job.OperationID, "message_id", msg.ID, "error", err)
	}
	c.ack(ctx, msg.ID)
}

func (c *StreamConsumer) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panic: %v", rec)
		}
	}()
	return c.runner.Run(ctx, job)
}

// keepClaimed resets the idle time of a running entry so other consumers do
// not take it over.
func (c *StreamConsumer) keepClaimed(ctx context.Context, id string) {
	ticker := time.NewTicker(max(c.cfg.ClaimIdle/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.client.XClaimJustID(ctx, &goredis.XClaimArgs{
				Stream:   c.cfg.Stream,
				Group:    c.cfg.Group,
				Consumer: c.cfg.Consumer,
				Messages: []string{id},
			}).Err()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("job claim refresh failed", "message_id", id, "error", err)
			}
		}
	}
}

func (c *StreamConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("job ack failed", "message_id", id, "error", err)
	}
}

func encodeJob(job Job) map[string]any {
	return map[string]any{
		"kind":         job.Kind,
		"operation_id": job.OperationID,
		"submitted_at": job.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeJob(values map[string]any) (Job, error) {
	field := func(key string) string {
		v, _ := values[key].(string)
		return v
	}
	job := Job{Kind: field("kind"), OperationID: field("operation_id")}
	if raw := field("submitted_at"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Job{}, fmt.Errorf("submitted_at: %w", err)
		}
		job.SubmittedAt = ts
	}
	return job, job.Validate()
}
