package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"overlay-systemv1/internal/model"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // consumer group name, e.g. "overlayd"
	ConsumerName  string // unique consumer name, e.g. hostname
	Log           *zap.Logger
}

// Reader consumes bars from Redis Streams via Consumer Groups.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
	log           *zap.Logger
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}

	group := cfg.ConsumerGroup
	if group == "" {
		group = "overlayd"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}

	log = log.With(zap.String("component", "redis-reader"))
	log.Info("connected", zap.String("addr", cfg.Addr), zap.String("group", group), zap.String("consumer", consumer))
	return &Reader{
		client:        client,
		consumerGroup: group,
		consumerName:  consumer,
		log:           log,
	}, nil
}

// Client returns the underlying Redis client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// EnsureConsumerGroup creates the consumer group on the given streams if it
// doesn't exist. Fresh groups start at "$" (only new messages): history
// comes from SQLite replay, not from the stream.
func (r *Reader) EnsureConsumerGroup(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, "$").Err()
		if err != nil && !isBusyGroup(err) {
			return errors.Wrapf(err, "xgroup create %s", stream)
		}
	}
	return nil
}

// DecodeBar parses the "data" field of a stream message.
func DecodeBar(values map[string]interface{}) (model.Bar, error) {
	data, ok := values["data"].(string)
	if !ok {
		return model.Bar{}, errors.New("message has no data field")
	}
	var b model.Bar
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return model.Bar{}, errors.Wrap(err, "unmarshal bar")
	}
	if b.Symbol == "" || b.TF <= 0 {
		return model.Bar{}, errors.Errorf("bar without instrument: symbol=%q tf=%d", b.Symbol, b.TF)
	}
	b.Time = b.Time.UTC()
	return b, nil
}

// deliver decodes msg, sends it to out and ACKs it. Malformed messages are
// ACKed and dropped so they cannot become poison pills.
func (r *Reader) deliver(ctx context.Context, stream string, msg goredis.XMessage, out chan<- model.Bar) error {
	bar, err := DecodeBar(msg.Values)
	if err != nil {
		r.log.Warn("dropping malformed bar", zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
		r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
		return nil
	}
	select {
	case out <- bar:
	case <-ctx.Done():
		return ctx.Err()
	}
	// ACK after hand-off to the processing loop
	r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
	return nil
}

// ConsumeBars reads bars from Redis Streams using the consumer group.
// Blocks on XREADGROUP and sends parsed bars to out. Returns when ctx is
// cancelled.
func (r *Reader) ConsumeBars(ctx context.Context, streams []string, out chan<- model.Bar) error {
	if len(streams) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	// Build stream args: [stream1, stream2, ..., ">", ">", ...]
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			r.log.Error("xreadgroup failed", zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				if err := r.deliver(ctx, stream.Stream, msg, out); err != nil {
					return err
				}
			}
		}
	}
}

// RecoverPending re-delivers this consumer's unACKed messages from a previous
// run, for at-least-once delivery. A bar seen twice is harmless: the overlay
// treats a repeated timestamp as a revision.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- model.Bar) (int, error) {
	total := 0
	for _, stream := range streams {
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream:   stream,
				Group:    r.consumerGroup,
				Start:    "-",
				End:      "+",
				Count:    100,
				Consumer: r.consumerName,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}

			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    r.consumerGroup,
				Consumer: r.consumerName,
				MinIdle:  0,
				Messages: ids,
			}).Result()
			if err != nil {
				r.log.Warn("xclaim failed", zap.String("stream", stream), zap.Error(err))
				break
			}

			for _, msg := range claimed {
				if err := r.deliver(ctx, stream, msg, out); err != nil {
					return total, err
				}
				total++
			}

			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return total, nil
}

// StartPELReclaimer periodically steals entries idle longer than minIdle
// from other (dead) consumers of the group and re-delivers them to out.
// Runs until ctx is cancelled.
func (r *Reader) StartPELReclaimer(ctx context.Context, streams []string, interval, minIdle time.Duration, out chan<- model.Bar, onReclaim func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed := 0
			for _, stream := range streams {
				msgs, err := r.reclaimStale(ctx, stream, minIdle, 50)
				if err != nil {
					r.log.Warn("PEL reclaim failed", zap.String("stream", stream), zap.Error(err))
					continue
				}
				for _, msg := range msgs {
					if err := r.deliver(ctx, stream, msg, out); err != nil {
						return
					}
					reclaimed++
				}
			}
			if reclaimed > 0 && onReclaim != nil {
				onReclaim(reclaimed)
			}
		}
	}
}

func (r *Reader) reclaimStale(ctx context.Context, stream string, minIdle time.Duration, batchSize int64) ([]goredis.XMessage, error) {
	pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  batchSize,
		Idle:   minIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	var stale []string
	for _, p := range pending {
		if p.Consumer != r.consumerName {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    r.consumerGroup,
		Consumer: r.consumerName,
		MinIdle:  minIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "xclaim %s", stream)
	}
	return claimed, nil
}

// SubscribeChannel subscribes to a Redis Pub/Sub channel and waits for the
// confirmation. The caller listens on .Channel() and closes the handle.
func (r *Reader) SubscribeChannel(ctx context.Context, channel string) (*goredis.PubSub, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "subscribe %s", channel)
	}
	return pubsub, nil
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
