package queue

import (
	"ats-pipeline-go/internal/config"
	"ats-pipeline-go/internal/constants"
	"ats-pipeline-go/internal/storage"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// publishedMessage 记录一次发布调用
type publishedMessage struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    amqp.Table
	Expiration time.Duration
}

// fakeMessageQueue 内存版消息队列，记录所有发布与声明
type fakeMessageQueue struct {
	published  []publishedMessage
	publishErr error
	exchanges  []string
	queues     []string
	bindings   [][3]string
}

func (q *fakeMessageQueue) PublishMessage(_ context.Context, exchangeName, routingKey string, message []byte, _ bool) error {
	return q.record(exchangeName, routingKey, message, nil, 0)
}

func (q *fakeMessageQueue) PublishWithOptions(_ context.Context, exchangeName, routingKey string, message []byte, headers amqp.Table, expiration time.Duration) error {
	return q.record(exchangeName, routingKey, message, headers, expiration)
}

func (q *fakeMessageQueue) PublishJSON(_ context.Context, exchangeName, routingKey string, data interface{}, _ bool) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return q.record(exchangeName, routingKey, body, nil, 0)
}

func (q *fakeMessageQueue) record(exchange, routingKey string, body []byte, headers amqp.Table, expiration time.Duration) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, publishedMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       body,
		Headers:    headers,
		Expiration: expiration,
	})
	return nil
}

func (q *fakeMessageQueue) EnsureExchange(exchangeName, _ string, _ bool) error {
	q.exchanges = append(q.exchanges, exchangeName)
	return nil
}

func (q *fakeMessageQueue) EnsureQueue(queueName string, _ bool) error {
	q.queues = append(q.queues, queueName)
	return nil
}

func (q *fakeMessageQueue) EnsureQueueWithArgs(queueName string, _ bool, _ amqp.Table) error {
	q.queues = append(q.queues, queueName)
	return nil
}

func (q *fakeMessageQueue) BindQueue(queueName, exchangeName, routingKey string) error {
	q.bindings = append(q.bindings, [3]string{queueName, exchangeName, routingKey})
	return nil
}

func (q *fakeMessageQueue) Close() error { return nil }

// fakeAcknowledger 记录消息确认动作
type fakeAcknowledger struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (a *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

// exhaustedNotifier 记录重试耗尽通知
type exhaustedNotifier struct {
	candidateIDs []string
	attempts     []int
}

func (n *exhaustedNotifier) NotifyRetriesExhausted(_ context.Context, candidateID string, attempts int, _ string) {
	n.candidateIDs = append(n.candidateIDs, candidateID)
	n.attempts = append(n.attempts, attempts)
}

func queueTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.RetryBaseDelay = "2s"
	cfg.Queue.FailedTTL = "24h"
	cfg.RabbitMQ.ParseExchange = "resume.parse.exchange"
	cfg.RabbitMQ.ParseQueue = "resume.parse.queue"
	cfg.RabbitMQ.ParseRoutingKey = "resume.parse"
	cfg.RabbitMQ.RetryExchange = "resume.parse.retry.exchange"
	cfg.RabbitMQ.RetryQueue = "resume.parse.retry.queue"
	cfg.RabbitMQ.FailedQueue = "resume.parse.failed.queue"
	return cfg
}

func taskDelivery(t *testing.T, candidateID string, attempt int, ack *fakeAcknowledger) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(storage.ParseTaskMessage{CandidateID: candidateID, EnqueuedAt: time.Now()})
	require.NoError(t, err)

	var headers amqp.Table
	if attempt > 0 {
		headers = amqp.Table{constants.AttemptHeader: int32(attempt)}
	}
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Headers:      headers,
		Body:         body,
	}
}

// TestEnqueuePublishesToWorkExchange 入队消息带首次投递标记，发往工作交换机
func TestEnqueuePublishesToWorkExchange(t *testing.T) {
	mq := &fakeMessageQueue{}
	q := NewParseTaskQueue(mq, queueTestConfig(), nil)

	err := q.Enqueue(context.Background(), "cand-1", "upload")
	require.NoError(t, err)

	require.Len(t, mq.published, 1)
	msg := mq.published[0]
	assert.Equal(t, "resume.parse.exchange", msg.Exchange)
	assert.Equal(t, "resume.parse", msg.RoutingKey)
	assert.Equal(t, int32(1), msg.Headers[constants.AttemptHeader])
	assert.Zero(t, msg.Expiration)

	var task storage.ParseTaskMessage
	require.NoError(t, json.Unmarshal(msg.Body, &task))
	assert.Equal(t, "cand-1", task.CandidateID)
	assert.Equal(t, "upload", task.Reason)
}

// TestHandleDeliverySuccess 处理成功直接确认，不产生任何新发布
func TestHandleDeliverySuccess(t *testing.T) {
	mq := &fakeMessageQueue{}
	q := NewParseTaskQueue(mq, queueTestConfig(), nil)
	ack := &fakeAcknowledger{}

	q.handleDelivery(context.Background(), taskDelivery(t, "cand-1", 1, ack), func(_ context.Context, candidateID string) error {
		assert.Equal(t, "cand-1", candidateID)
		return nil
	})

	assert.True(t, ack.acked)
	assert.Empty(t, mq.published)
}

// TestHandleDeliveryDropTask 丢弃哨兵错误时确认且不重试
func TestHandleDeliveryDropTask(t *testing.T) {
	mq := &fakeMessageQueue{}
	notifier := &exhaustedNotifier{}
	q := NewParseTaskQueue(mq, queueTestConfig(), notifier)
	ack := &fakeAcknowledger{}

	q.handleDelivery(context.Background(), taskDelivery(t, "cand-1", 1, ack), func(context.Context, string) error {
		return ErrDropTask
	})

	assert.True(t, ack.acked)
	assert.Empty(t, mq.published)
	assert.Empty(t, notifier.candidateIDs)
}

// TestHandleDeliveryDeferred 暂缓哨兵错误延迟重投，attempt头不变
// 锁竞争造成的暂缓不得消耗重试预算
func TestHandleDeliveryDeferred(t *testing.T) {
	mq := &fakeMessageQueue{}
	notifier := &exhaustedNotifier{}
	q := NewParseTaskQueue(mq, queueTestConfig(), notifier)
	ack := &fakeAcknowledger{}

	// 已到最后一次尝试，返回暂缓仍不得归档
	q.handleDelivery(context.Background(), taskDelivery(t, "cand-1", 3, ack), func(context.Context, string) error {
		return fmt.Errorf("候选人解析正在进行中: %w", ErrDeferTask)
	})

	assert.True(t, ack.acked)
	require.Len(t, mq.published, 1)
	msg := mq.published[0]
	assert.Equal(t, "resume.parse.retry.exchange", msg.Exchange)
	assert.Equal(t, int32(3), msg.Headers[constants.AttemptHeader])
	assert.Equal(t, deferRetryDelay, msg.Expiration)
	assert.Empty(t, notifier.candidateIDs)
}

// TestHandleDeliveryDeferredPublishFailure 暂缓重投失败时Nack重新入队
func TestHandleDeliveryDeferredPublishFailure(t *testing.T) {
	mq := &fakeMessageQueue{publishErr: errors.New("通道已关闭")}
	q := NewParseTaskQueue(mq, queueTestConfig(), nil)
	ack := &fakeAcknowledger{}

	q.handleDelivery(context.Background(), taskDelivery(t, "cand-1", 1, ack), func(context.Context, string) error {
		return ErrDeferTask
	})

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
}

// TestHandleDeliveryRetry 失败且未达上限时转发重试队列，TTL为退避延迟，计数加一
func TestHandleDeliveryRetry(t *testing.T) {
	mq := &fakeMessageQueue{}
	q := NewParseTaskQueue(mq, queueTestConfig(), nil)
	ack := &fakeAcknowledger{}

	q.handleDelivery(context.Background(), taskDelivery(t, "cand-1", 2, ack), func(context.Context, string) error {
		return errors.New("AI调用超时")
	})

	assert.True(t, ack.acked)
	require.Len(t, mq.published, 1)
	msg := mq.published[0]
	assert.Equal(t, "resume.parse.retry.exchange", msg.Exchange)
	assert.Equal(t, int32(3), msg.Headers[constants.AttemptHeader])
	// 第2次失败按 2s * 2^1 退避
	assert.Equal(t, 4*time.Second, msg.Expiration)
}

// TestHandleDeliveryMissingAttemptHeader 缺少投递次数头按首次投递处理
func TestHandleDeliveryMissingAttemptHeader(t *testing.T) {
	mq := &fakeMessageQueue{}
	q := NewParseTaskQueue(mq, queueTestConfig(), nil)
	ack := &fakeAcknowledger{}

	q.handleDelivery(context.Background(), taskDelivery(t, "cand-1", 0, ack), func(context.Context, string) error {
		return errors.New("临时故障")
	})

	require.Len(t, mq.published, 1)
	assert.Equal(t, int32(2), mq.published[0].Headers[constants.AttemptHeader])
	assert.Equal(t, 2*time.Second, mq.published[0].Expiration)
}

// TestHandleDeliveryExhausted 重试耗尽后归档并通知运维
func TestHandleDeliveryExhausted(t *testing.T) {
	mq := &fakeMessageQueue{}
	notifier := &exhaustedNotifier{}
	q := NewParseTaskQueue(mq, queueTestConfig(), notifier)
	ack := &fakeAcknowledger{}

	q.handleDelivery(context.Background(), taskDelivery(t, "cand-1", 3, ack), func(context.Context, string) error {
		return errors.New("持续失败")
	})

	assert.True(t, ack.acked)
	require.Len(t, mq.published, 1)
	msg := mq.published[0]
	assert.Equal(t, "resume.parse.exchange", msg.Exchange)
	assert.Equal(t, "resume.parse.failed.queue", msg.RoutingKey)

	var failed storage.FailedTaskMessage
	require.NoError(t, json.Unmarshal(msg.Body, &failed))
	assert.Equal(t, "cand-1", failed.CandidateID)
	assert.Equal(t, 3, failed.Attempts)
	assert.Contains(t, failed.LastError, "持续失败")

	require.Equal(t, []string{"cand-1"}, notifier.candidateIDs)
	assert.Equal(t, []int{3}, notifier.attempts)
}

// TestHandleDeliveryRetryPublishFailure 转发重试失败时Nack重新入队，避免任务丢失
func TestHandleDeliveryRetryPublishFailure(t *testing.T) {
	mq := &fakeMessageQueue{publishErr: errors.New("连接已断开")}
	q := NewParseTaskQueue(mq, queueTestConfig(), nil)
	ack := &fakeAcknowledger{}

	q.handleDelivery(context.Background(), taskDelivery(t, "cand-1", 1, ack), func(context.Context, string) error {
		return errors.New("临时故障")
	})

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
}

// TestHandleDeliveryMalformedBody 非法JSON消息直接确认丢弃
func TestHandleDeliveryMalformedBody(t *testing.T) {
	mq := &fakeMessageQueue{}
	q := NewParseTaskQueue(mq, queueTestConfig(), nil)
	ack := &fakeAcknowledger{}

	handlerCalled := false
	q.handleDelivery(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte("not-json"),
	}, func(context.Context, string) error {
		handlerCalled = true
		return nil
	})

	assert.True(t, ack.acked)
	assert.False(t, handlerCalled)
	assert.Empty(t, mq.published)
}

// TestRetryDelay 指数退避序列
func TestRetryDelay(t *testing.T) {
	q := NewParseTaskQueue(&fakeMessageQueue{}, queueTestConfig(), nil)

	assert.Equal(t, 2*time.Second, q.retryDelay(1))
	assert.Equal(t, 4*time.Second, q.retryDelay(2))
	assert.Equal(t, 8*time.Second, q.retryDelay(3))
}

// TestDeclareTopology 工作、重试、失败归档三组拓扑全部就绪
func TestDeclareTopology(t *testing.T) {
	mq := &fakeMessageQueue{}
	q := NewParseTaskQueue(mq, queueTestConfig(), nil)

	require.NoError(t, q.DeclareTopology())

	assert.Contains(t, mq.exchanges, "resume.parse.exchange")
	assert.Contains(t, mq.exchanges, "resume.parse.retry.exchange")
	assert.Contains(t, mq.queues, "resume.parse.queue")
	assert.Contains(t, mq.queues, "resume.parse.retry.queue")
	assert.Contains(t, mq.queues, "resume.parse.failed.queue")
	// 失败归档队列绑定在工作交换机上，路由键即队列名
	assert.Contains(t, mq.bindings, [3]string{"resume.parse.failed.queue", "resume.parse.exchange", "resume.parse.failed.queue"})
}

// TestAttemptFromHeaders 各种头类型与缺省情况
func TestAttemptFromHeaders(t *testing.T) {
	assert.Equal(t, 1, attemptFromHeaders(nil))
	assert.Equal(t, 1, attemptFromHeaders(amqp.Table{}))
	assert.Equal(t, 2, attemptFromHeaders(amqp.Table{constants.AttemptHeader: int32(2)}))
	assert.Equal(t, 3, attemptFromHeaders(amqp.Table{constants.AttemptHeader: int64(3)}))
	assert.Equal(t, 4, attemptFromHeaders(amqp.Table{constants.AttemptHeader: 4}))
	assert.Equal(t, 1, attemptFromHeaders(amqp.Table{constants.AttemptHeader: "bad"}))
}
