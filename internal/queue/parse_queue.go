package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ats-pipeline-go/internal/config"
	"ats-pipeline-go/internal/constants"
	"ats-pipeline-go/internal/storage"
	"ats-pipeline-go/internal/tracing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var queueTracer = otel.Tracer("ats-pipeline-go/queue")

// ErrDropTask 处理器返回该错误时任务被直接丢弃，不进入重试
// 用于候选人记录已删除等不可重试的情况
var ErrDropTask = errors.New("任务不可重试，直接丢弃")

// ErrDeferTask 处理器返回该错误时任务延迟重投，且不计入重试次数
// 用于候选人已有在途解析等短暂不可处理、稍后必然恢复的情况
var ErrDeferTask = errors.New("任务暂缓处理，延迟重投")

// deferRetryDelay 暂缓任务的重投延迟，与任务处理锁TTL同量级
const deferRetryDelay = 30 * time.Second

// TaskHandler 解析任务处理函数
// 返回nil表示任务完成（包括转人工审核的终态），返回错误则按退避策略重试
type TaskHandler func(ctx context.Context, candidateID string) error

// FailureNotifier 重试耗尽时的运维通知回调，尽力而为
type FailureNotifier interface {
	NotifyRetriesExhausted(ctx context.Context, candidateID string, attempts int, lastErr string)
}

// ParseTaskQueue 解析任务队列
// 拓扑: 工作队列 + 按消息TTL退避的重试队列（死信回工作交换机）+ 限时保留的失败归档队列
type ParseTaskQueue struct {
	mq       storage.MessageQueue
	cfg      *config.Config
	notifier FailureNotifier

	maxAttempts int
	baseDelay   time.Duration
	failedTTL   time.Duration
}

// NewParseTaskQueue 创建解析任务队列
func NewParseTaskQueue(mq storage.MessageQueue, cfg *config.Config, notifier FailureNotifier) *ParseTaskQueue {
	return &ParseTaskQueue{
		mq:          mq,
		cfg:         cfg,
		notifier:    notifier,
		maxAttempts: cfg.Queue.MaxAttempts,
		baseDelay:   config.GetDuration(cfg.Queue.RetryBaseDelay, 2*time.Second),
		failedTTL:   config.GetDuration(cfg.Queue.FailedTTL, 24*time.Hour),
	}
}

// DeclareTopology 声明交换机、队列与绑定，进程启动时调用一次
func (q *ParseTaskQueue) DeclareTopology() error {
	mq := q.cfg.RabbitMQ

	// 工作交换机与工作队列
	if err := q.mq.EnsureExchange(mq.ParseExchange, "direct", true); err != nil {
		return fmt.Errorf("声明工作交换机失败: %w", err)
	}
	if err := q.mq.EnsureQueue(mq.ParseQueue, true); err != nil {
		return fmt.Errorf("声明工作队列失败: %w", err)
	}
	if err := q.mq.BindQueue(mq.ParseQueue, mq.ParseExchange, mq.ParseRoutingKey); err != nil {
		return fmt.Errorf("绑定工作队列失败: %w", err)
	}

	// 重试交换机与重试队列：消息按发布时设置的TTL到期后，
	// 经死信机制回到工作交换机重新投递
	if err := q.mq.EnsureExchange(mq.RetryExchange, "direct", true); err != nil {
		return fmt.Errorf("声明重试交换机失败: %w", err)
	}
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    mq.ParseExchange,
		"x-dead-letter-routing-key": mq.ParseRoutingKey,
	}
	if err := q.mq.EnsureQueueWithArgs(mq.RetryQueue, true, retryArgs); err != nil {
		return fmt.Errorf("声明重试队列失败: %w", err)
	}
	if err := q.mq.BindQueue(mq.RetryQueue, mq.RetryExchange, mq.ParseRoutingKey); err != nil {
		return fmt.Errorf("绑定重试队列失败: %w", err)
	}

	// 失败归档队列：限时保留供运维排查，到期自动清理
	failedArgs := amqp.Table{
		"x-message-ttl": q.failedTTL.Milliseconds(),
	}
	if err := q.mq.EnsureQueueWithArgs(mq.FailedQueue, true, failedArgs); err != nil {
		return fmt.Errorf("声明失败归档队列失败: %w", err)
	}
	if err := q.mq.BindQueue(mq.FailedQueue, mq.ParseExchange, mq.FailedQueue); err != nil {
		return fmt.Errorf("绑定失败归档队列失败: %w", err)
	}

	return nil
}

// Enqueue 投递一个解析任务，payload只带候选人ID
func (q *ParseTaskQueue) Enqueue(ctx context.Context, candidateID, reason string) error {
	ctx, span := queueTracer.Start(ctx, "queue.Enqueue",
		trace.WithAttributes(attribute.String("candidate.id", candidateID)))
	defer span.End()

	task := storage.ParseTaskMessage{
		CandidateID: candidateID,
		EnqueuedAt:  time.Now(),
		Reason:      reason,
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务消息失败: %w", err)
	}

	headers := amqp.Table{constants.AttemptHeader: int32(1)}
	return q.mq.PublishWithOptions(ctx, q.cfg.RabbitMQ.ParseExchange, q.cfg.RabbitMQ.ParseRoutingKey, body, headers, 0)
}

// PublishTask 直接发布已序列化的任务消息，发件箱中继使用
func (q *ParseTaskQueue) PublishTask(ctx context.Context, body []byte) error {
	headers := amqp.Table{constants.AttemptHeader: int32(1)}
	return q.mq.PublishWithOptions(ctx, q.cfg.RabbitMQ.ParseExchange, q.cfg.RabbitMQ.ParseRoutingKey, body, headers, 0)
}

// StartConsumer 启动任务消费，prefetch即并发上限
// 每条消息的处理结果决定其去向：确认、延迟重试或失败归档
func (q *ParseTaskQueue) StartConsumer(rmq *storage.RabbitMQ, handler TaskHandler) (<-chan struct{}, error) {
	prefetch := q.cfg.RabbitMQ.PrefetchCount
	if prefetch <= 0 {
		prefetch = q.cfg.Queue.Concurrency
	}

	return rmq.StartDeliveryConsumer(q.cfg.RabbitMQ.ParseQueue, prefetch, func(ctx context.Context, delivery amqp.Delivery) {
		q.handleDelivery(ctx, delivery, handler)
	})
}

// handleDelivery 处理单条投递并决定其生命周期
func (q *ParseTaskQueue) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler TaskHandler) {
	ctx, span := queueTracer.Start(ctx, "queue.HandleTask")
	defer span.End()

	var task storage.ParseTaskMessage
	if err := json.Unmarshal(delivery.Body, &task); err != nil {
		// 无法解析的消息重投也没有意义
		log.Error().Err(err).Str("body", string(delivery.Body)).Msg("任务消息格式非法，丢弃")
		q.ack(delivery)
		return
	}

	attempt := attemptFromHeaders(delivery.Headers)
	span.SetAttributes(
		attribute.String("candidate.id", task.CandidateID),
		attribute.Int("task.attempt", attempt),
	)

	taskLog := log.With().Str("candidate_id", task.CandidateID).Int("attempt", attempt).Logger()

	err := handler(ctx, task.CandidateID)
	if err == nil {
		q.ack(delivery)
		return
	}

	if errors.Is(err, ErrDropTask) {
		taskLog.Warn().Err(err).Msg("任务不可重试，直接丢弃")
		q.ack(delivery)
		return
	}

	// 暂缓任务保持attempt头不变重投，锁竞争不消耗重试预算
	if errors.Is(err, ErrDeferTask) {
		taskLog.Info().Err(err).Dur("delay", deferRetryDelay).Msg("任务暂缓，延迟重投")
		if pubErr := q.publishRetry(ctx, delivery.Body, attempt, deferRetryDelay); pubErr != nil {
			taskLog.Error().Err(pubErr).Msg("转发重试队列失败，消息重新入队")
			tracing.RecordError(span, pubErr, tracing.ErrorTypeRabbitMQ)
			q.nackRequeue(delivery)
			return
		}
		q.ack(delivery)
		return
	}

	if attempt < q.maxAttempts {
		delay := q.retryDelay(attempt)
		taskLog.Warn().Err(err).Dur("delay", delay).Msg("任务处理失败，进入延迟重试")
		if pubErr := q.publishRetry(ctx, delivery.Body, attempt+1, delay); pubErr != nil {
			// 转发重试失败时退回Nack requeue，避免任务丢失
			taskLog.Error().Err(pubErr).Msg("转发重试队列失败，消息重新入队")
			tracing.RecordError(span, pubErr, tracing.ErrorTypeRabbitMQ)
			q.nackRequeue(delivery)
			return
		}
		q.ack(delivery)
		return
	}

	// 重试耗尽，归档并通知运维
	taskLog.Error().Err(err).Msg("任务重试次数耗尽，进入失败归档")
	tracing.RecordErrorWithInfo(span, err, tracing.ErrorTypeInternal,
		attribute.Int("task.attempts_exhausted", attempt))
	q.archiveFailed(ctx, task.CandidateID, attempt, err)
	if q.notifier != nil {
		q.notifier.NotifyRetriesExhausted(ctx, task.CandidateID, attempt, err.Error())
	}
	q.ack(delivery)
}

// retryDelay 计算指数退避延迟: base * 2^(attempt-1)
func (q *ParseTaskQueue) retryDelay(attempt int) time.Duration {
	delay := q.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// publishRetry 把任务转发到重试队列，消息TTL即为退避延迟
func (q *ParseTaskQueue) publishRetry(ctx context.Context, body []byte, nextAttempt int, delay time.Duration) error {
	headers := amqp.Table{constants.AttemptHeader: int32(nextAttempt)}
	return q.mq.PublishWithOptions(ctx, q.cfg.RabbitMQ.RetryExchange, q.cfg.RabbitMQ.ParseRoutingKey, body, headers, delay)
}

// archiveFailed 把终态失败的任务写入归档队列
func (q *ParseTaskQueue) archiveFailed(ctx context.Context, candidateID string, attempts int, lastErr error) {
	failed := storage.FailedTaskMessage{
		CandidateID: candidateID,
		Attempts:    attempts,
		LastError:   lastErr.Error(),
		FailedAt:    time.Now(),
	}
	body, err := json.Marshal(failed)
	if err != nil {
		log.Error().Err(err).Str("candidate_id", candidateID).Msg("序列化归档消息失败")
		return
	}
	if err := q.mq.PublishWithOptions(ctx, q.cfg.RabbitMQ.ParseExchange, q.cfg.RabbitMQ.FailedQueue, body, nil, 0); err != nil {
		log.Error().Err(err).Str("candidate_id", candidateID).Msg("写入失败归档队列失败")
	}
}

func (q *ParseTaskQueue) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		log.Error().Err(err).Msg("确认消息失败")
	}
}

func (q *ParseTaskQueue) nackRequeue(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		log.Error().Err(err).Msg("拒绝消息失败")
	}
}

// attemptFromHeaders 从消息头读取投递次数，缺省视为首次投递
func attemptFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 1
	}
	switch v := headers[constants.AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}
