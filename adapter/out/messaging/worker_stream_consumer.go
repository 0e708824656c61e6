package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// JobHandler processes one stream payload. A nil return acknowledges it.
type JobHandler interface {
	Handle(ctx context.Context, stream string, data []byte) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, stream string, data []byte) error

func (f JobHandlerFunc) Handle(ctx context.Context, stream string, data []byte) error {
	return f(ctx, stream, data)
}

// Consumer reads work streams through a consumer group. Messages left
// pending longer than PendingIdleTime are reclaimed; after MaxRetries
// deliveries they are moved to dlq:{stream}.
type Consumer struct {
	client   *redis.Client
	group    string
	consumer string
	streams  []string
	handler  JobHandler
	log      zerolog.Logger

	batch                int64
	block                time.Duration
	pendingCheckInterval time.Duration
	pendingIdleTime      time.Duration
	maxRetries           int
}

type ConsumerConfig struct {
	Group    string
	Consumer string
	Streams  []string
	Handler  JobHandler
	Logger   zerolog.Logger

	Batch                int64
	Block                time.Duration
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxRetries           int
}

func NewConsumer(client *redis.Client, cfg *ConsumerConfig) *Consumer {
	c := &Consumer{
		client:               client,
		group:                cfg.Group,
		consumer:             cfg.Consumer,
		streams:              cfg.Streams,
		handler:              cfg.Handler,
		log:                  cfg.Logger.With().Str("component", "stream_consumer").Logger(),
		batch:                cfg.Batch,
		block:                cfg.Block,
		pendingCheckInterval: cfg.PendingCheckInterval,
		pendingIdleTime:      cfg.PendingIdleTime,
		maxRetries:           cfg.MaxRetries,
	}
	if len(c.streams) == 0 {
		c.streams = AllStreams
	}
	if c.batch <= 0 {
		c.batch = 10
	}
	if c.block <= 0 {
		c.block = 5 * time.Second
	}
	if c.pendingCheckInterval <= 0 {
		c.pendingCheckInterval = 30 * time.Second
	}
	if c.pendingIdleTime <= 0 {
		c.pendingIdleTime = 2 * time.Minute
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	return c
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().
		Str("group", c.group).
		Str("consumer", c.consumer).
		Strs("streams", c.streams).
		Msg("starting consumer")

	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}
	go c.processPendingMessages(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("error reading from streams")
			time.Sleep(time.Second)
		}
	}
}

// EnsureGroups creates the consumer group on every stream.
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create group on %s: %w", stream, err)
		}
	}
	return nil
}

// poll reads one batch, handles it and acknowledges successes. It returns
// the number of messages acknowledged.
func (c *Consumer) poll(ctx context.Context) (int, error) {
	args := make([]string, len(c.streams)*2)
	for i, stream := range c.streams {
		args[i] = stream
		args[len(c.streams)+i] = ">"
	}

	result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  args,
		Count:    c.batch,
		Block:    c.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}

	acked := 0
	for _, stream := range result {
		for _, msg := range stream.Messages {
			if c.handleAndAck(ctx, stream.Stream, msg) {
				acked++
			}
		}
	}
	return acked, nil
}

func (c *Consumer) handleAndAck(ctx context.Context, stream string, msg redis.XMessage) bool {
	if err := c.processMessage(ctx, stream, msg); err != nil {
		c.log.Error().
			Err(err).
			Str("stream", stream).
			Str("id", msg.ID).
			Msg("error processing message")
		return false
	}
	if err := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
		c.log.Error().
			Err(err).
			Str("stream", stream).
			Str("id", msg.ID).
			Msg("error acknowledging message")
		return false
	}
	return true
}

func (c *Consumer) processPendingMessages(ctx context.Context) {
	ticker := time.NewTicker(c.pendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.claimAndProcessPending(ctx)
		}
	}
}

// claimAndProcessPending reclaims stuck messages or dead-letters them.
func (c *Consumer) claimAndProcessPending(ctx context.Context) {
	for _, stream := range c.streams {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				c.log.Error().Err(err).Str("stream", stream).Msg("error listing pending messages")
			}
			continue
		}

		for _, p := range pending {
			if p.Idle < c.pendingIdleTime {
				continue
			}

			if int(p.RetryCount) >= c.maxRetries {
				c.log.Warn().
					Str("stream", stream).
					Str("id", p.ID).
					Int64("retries", p.RetryCount).
					Msg("message exceeded max retries, moving to DLQ")
				if err := c.moveToDeadLetterQueue(ctx, stream, p.ID); err != nil {
					c.log.Error().Err(err).Str("id", p.ID).Msg("error moving message to DLQ")
				}
				c.client.XAck(ctx, stream, c.group, p.ID)
				continue
			}

			claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.pendingIdleTime,
				Messages: []string{p.ID},
			}).Result()
			if err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming message")
				continue
			}
			for _, msg := range claimed {
				if c.handleAndAck(ctx, stream, msg) {
					c.log.Info().Str("stream", stream).Str("id", msg.ID).Msg("reprocessed pending message")
				}
			}
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, stream string, msg redis.XMessage) error {
	data, ok := msg.Values["data"]
	if !ok {
		return fmt.Errorf("invalid message format: missing data field")
	}
	dataStr, ok := data.(string)
	if !ok {
		return fmt.Errorf("invalid message format: data is not a string")
	}
	return c.handler.Handle(ctx, stream, []byte(dataStr))
}

// moveToDeadLetterQueue copies a message to dlq:{stream} with failure metadata.
func (c *Consumer) moveToDeadLetterQueue(ctx context.Context, stream string, msgID string) error {
	messages, err := c.client.XRange(ctx, stream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("failed to read message for DLQ: %w", err)
	}
	if len(messages) == 0 {
		return fmt.Errorf("message %s not found in stream %s", msgID, stream)
	}

	values := map[string]interface{}{
		"original_stream": stream,
		"original_id":     msgID,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.consumer,
		"group":           c.group,
	}
	for k, v := range messages[0].Values {
		values["original_"+k] = v
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: dlqPrefix + stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("failed to add message to DLQ: %w", err)
	}
	return nil
}
