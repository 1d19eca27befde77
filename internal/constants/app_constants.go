package constants

// 候选人解析状态机的状态常量
const (
	ParsingStatusPending      = "PENDING"
	ParsingStatusProcessing   = "PROCESSING"
	ParsingStatusCompleted    = "COMPLETED"
	ParsingStatusFailed       = "FAILED"
	ParsingStatusManualReview = "MANUAL_REVIEW"
)

// 解析进度里程碑，单次运行内只增不减
const (
	ProgressStarted    = 10  // 已进入PROCESSING
	ProgressTextReady  = 40  // 文本提取完成，准备调用AI
	ProgressMapped     = 80  // AI结果已映射回候选人记录
	ProgressCompleted  = 100 // 完成
	ProgressReset      = 0   // 重新入队或失败时归零
)

// 上传者类型（候选人归属的多态引用）
const (
	UploaderAdmin   = "ADMIN"
	UploaderHR      = "HR"
	UploaderPartner = "PARTNER"
)

// 占位身份信息，等待AI解析结果覆盖
const (
	PlaceholderEmail = "pending@parsing.com"
)

// AttemptHeader 任务消息头中的投递次数字段，首次投递为1
const AttemptHeader = "x-attempt"

// 通知事件类型
const (
	NotifyEventCredentialFailover = "ai.credential_failover"
	NotifyEventRetriesExhausted   = "queue.retries_exhausted"
)
