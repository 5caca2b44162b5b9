package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/filesaga/platform/pkg/health"
	"github.com/filesaga/platform/pkg/logger"
	"github.com/filesaga/platform/pkg/tracing"
	"github.com/redis/go-redis/v9"
)

const (
	dataField = "data"
	dlqSuffix = ":dlq"
)

// StreamClient Redis Streams 客户端
type StreamClient struct {
	client redis.Cmdable
	maxLen int64
}

// NewStreamClient 创建客户端，maxLen > 0 时发布时近似裁剪
func NewStreamClient(client redis.Cmdable, maxLen int64) *StreamClient {
	return &StreamClient{client: client, maxLen: maxLen}
}

// Publish 发布 JSON 消息到 Stream，携带当前 trace id
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	values := map[string]interface{}{
		dataField: string(data),
	}
	tracing.InjectRedisStream(ctx, values)

	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Message 消息
type Message struct {
	ID     string
	Stream string
	Data   []byte
}

// Decode 解析消息体
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}

// MessageHandler 消息处理函数，返回错误时消息保持 pending 等待重投
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumerHooks 消费过程观测回调，可为 nil
type ConsumerHooks interface {
	SetStreamPending(stream, group string, pending int64)
	IncStreamError(stream, group string)
	IncStreamDLQ(stream, group string)
}

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 超过后进入死信流
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           5,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultConsumerOptions.BatchSize
	}
	if o.BlockTime <= 0 {
		o.BlockTime = DefaultConsumerOptions.BlockTime
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = DefaultConsumerOptions.ClaimMinIdle
	}
	if o.PendingCheckInterval <= 0 {
		o.PendingCheckInterval = DefaultConsumerOptions.PendingCheckInterval
	}
	return o
}

// Consumer 消费者组成员
type Consumer struct {
	client   *StreamClient
	group    string
	consumer string
	streams  []string
	handler  MessageHandler
	opts     ConsumerOptions
	hooks    ConsumerHooks
	log      *logger.Logger

	loop health.LoopMonitor
}

// NewConsumer 创建消费者
func NewConsumer(client *StreamClient, group, consumer string, streams []string, handler MessageHandler, opts *ConsumerOptions) *Consumer {
	o := DefaultConsumerOptions
	if opts != nil {
		o = opts.withDefaults()
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     o,
		log:      logger.Nop(),
	}
}

// WithHooks 设置观测回调
func (c *Consumer) WithHooks(h ConsumerHooks) *Consumer {
	c.hooks = h
	return c
}

// WithLogger 设置日志
func (c *Consumer) WithLogger(l *logger.Logger) *Consumer {
	if l != nil {
		c.log = l.WithField("group", c.group).WithField("consumer", c.consumer)
	}
	return c
}

// Stats 累计处理成功数与连续失败数
func (c *Consumer) Stats() (uint64, int) {
	return c.loop.Stats()
}

// Healthy 消费循环是否仍在运行
func (c *Consumer) Healthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return c.loop.Healthy(now, maxAge)
}

// EnsureGroups 确保消费者组存在
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", c.group, stream, err)
		}
	}
	return nil
}

// Start 阻塞消费直到 ctx 结束
func (c *Consumer) Start(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
			c.loop.SetError(err)
			c.log.Errorf("consumer loop panic", map[string]interface{}{"stack": string(debug.Stack())})
		}
	}()

	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}

	c.loop.Tick()
	if err := c.ProcessPending(ctx); err != nil {
		c.loop.SetError(err)
		c.log.WithError(err).Warn("process pending failed")
	}

	return c.consume(ctx)
}

// ProcessPending 认领空闲消息并重新处理，超过重试次数的进入死信流
func (c *Consumer) ProcessPending(ctx context.Context) error {
	for _, stream := range c.streams {
		if c.hooks != nil {
			if summary, err := c.client.client.XPending(ctx, stream, c.group).Result(); err == nil {
				c.hooks.SetStreamPending(stream, c.group, summary.Count)
			}
		}

		pending, err := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  int64(c.opts.BatchSize),
		}).Result()
		if err != nil {
			return fmt.Errorf("xpending %s: %w", stream, err)
		}

		ids := make([]string, 0, len(pending))
		dlqIDs := make(map[string]int64)
		for _, p := range pending {
			if p.Idle < c.opts.ClaimMinIdle {
				continue
			}
			ids = append(ids, p.ID)
			if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
				dlqIDs[p.ID] = p.RetryCount
			}
		}
		if len(ids) == 0 {
			continue
		}

		messages, err := c.client.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.opts.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim %s: %w", stream, err)
		}

		for _, m := range messages {
			if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
				c.deadLetter(ctx, stream, m, fmt.Sprintf("max retries exceeded: %d", retryCount))
				continue
			}
			c.processMessage(ctx, stream, m)
		}
	}
	return nil
}

func (c *Consumer) consume(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		c.loop.Tick()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.ProcessPending(ctx); err != nil && ctx.Err() == nil {
				c.loop.SetError(err)
				c.log.WithError(err).Warn("process pending failed")
			}
		default:
		}

		results, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.loop.SetError(err)
			c.log.WithError(err).Error("xreadgroup failed")
			// 避免 Redis 不可用时空转
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, result := range results {
			for _, m := range result.Messages {
				c.processMessage(ctx, result.Stream, m)
			}
		}
	}
}

// processMessage 处理单条消息，成功后 ACK；失败保持 pending
func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) {
	data, ok := m.Values[dataField].(string)
	if !ok {
		c.log.Warnf("dropping message without data field", map[string]interface{}{"stream": stream, "id": m.ID})
		_ = c.client.client.XAck(ctx, stream, c.group, m.ID).Err()
		return
	}

	msgCtx := tracing.ExtractRedisStream(ctx, m.Values)
	msg := &Message{ID: m.ID, Stream: stream, Data: []byte(data)}

	if err := c.handler(msgCtx, msg); err != nil {
		if c.hooks != nil {
			c.hooks.IncStreamError(stream, c.group)
		}
		c.loop.SetError(err)
		c.log.WithError(err).Warnf("handler failed", map[string]interface{}{"stream": stream, "id": m.ID})
		return
	}
	c.loop.Handled()

	if err := c.client.client.XAck(ctx, stream, c.group, m.ID).Err(); err != nil {
		c.log.WithError(err).Warnf("xack failed", map[string]interface{}{"stream": stream, "id": m.ID})
	}
}

func (c *Consumer) deadLetter(ctx context.Context, stream string, m redis.XMessage, reason string) {
	_, err := c.client.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream + dlqSuffix,
		Values: map[string]interface{}{
			"stream":   stream,
			"msgId":    m.ID,
			"reason":   reason,
			dataField:  m.Values[dataField],
			"tsMs":     time.Now().UnixMilli(),
			"group":    c.group,
			"consumer": c.consumer,
		},
	}).Result()
	if err != nil {
		c.log.WithError(err).Error("send to dlq failed")
		return
	}
	if c.hooks != nil {
		c.hooks.IncStreamDLQ(stream, c.group)
	}
	if err := c.client.client.XAck(ctx, stream, c.group, m.ID).Err(); err != nil {
		c.log.WithError(err).Warn("ack dlq message failed")
	}
}
