package notify

import (
	"ats-pipeline-go/internal/constants"
	"ats-pipeline-go/internal/storage"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OperatorNotifier 把运维事件发布到通知队列
// 所有通知都是尽力而为的：发布失败只记录日志，绝不影响主流程
type OperatorNotifier struct {
	mq         storage.MessageQueue
	exchange   string
	routingKey string
	logger     zerolog.Logger
}

// NewOperatorNotifier 创建运维通知器
func NewOperatorNotifier(mq storage.MessageQueue, exchange, routingKey string, logger zerolog.Logger) *OperatorNotifier {
	return &OperatorNotifier{
		mq:         mq,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}
}

// NotifyCredentialFailover AI凭证轮换事件
func (n *OperatorNotifier) NotifyCredentialFailover(ctx context.Context, fromIndex, toIndex int, reason string) {
	detail := fmt.Sprintf("AI凭证从 #%d 切换到 #%d，原因: %s", fromIndex, toIndex, reason)
	n.publish(ctx, constants.NotifyEventCredentialFailover, detail)
}

// NotifyRetriesExhausted 解析任务重试耗尽事件
func (n *OperatorNotifier) NotifyRetriesExhausted(ctx context.Context, candidateID string, attempts int, lastErr string) {
	detail := fmt.Sprintf("候选人 %s 的解析任务在 %d 次尝试后仍然失败，最后错误: %s", candidateID, attempts, lastErr)
	n.publish(ctx, constants.NotifyEventRetriesExhausted, detail)
}

func (n *OperatorNotifier) publish(ctx context.Context, event, detail string) {
	notification := storage.OperatorNotification{
		NotificationID: uuid.NewString(),
		Event:          event,
		Channel:        "operations",
		Detail:         detail,
		OccurredAt:     time.Now(),
	}

	if err := n.mq.PublishJSON(ctx, n.exchange, n.routingKey, notification, true); err != nil {
		n.logger.Warn().Err(err).Str("event", event).Msg("运维通知发布失败，已忽略")
		return
	}
	n.logger.Info().Str("event", event).Str("notification_id", notification.NotificationID).Msg("运维通知已发布")
}
