package storage

import "time"

// ParseTaskMessage 解析任务消息，仅携带候选人ID
// 其余数据在消费时从数据库现取，避免队列里的数据过期
type ParseTaskMessage struct {
	CandidateID string    `json:"candidateId"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	Reason      string    `json:"reason,omitempty"` // "upload" 或 "reparse"
}

// FailedTaskMessage 耗尽重试后进入归档队列的消息，保留一段时间供运维排查
type FailedTaskMessage struct {
	CandidateID string    `json:"candidateId"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError"`
	FailedAt    time.Time `json:"failedAt"`
}

// OperatorNotification 运维通知消息
type OperatorNotification struct {
	NotificationID string    `json:"notificationId"`
	Event          string    `json:"event"`
	Channel        string    `json:"channel,omitempty"`
	Detail         string    `json:"detail"`
	OccurredAt     time.Time `json:"occurredAt"`
}
