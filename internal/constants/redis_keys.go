package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "ats"

	// CandidateModulePrefix 候选人模块
	CandidateModulePrefix = "candidate"
	// FileModulePrefix 文件模块
	FileModulePrefix = "file"

	// EntityProgress 解析进度实体
	EntityProgress = "progress"
	// EntityLock 分布式锁实体
	EntityLock = "lock"
	// EntityTaskLock 解析任务处理锁实体
	EntityTaskLock = "task_lock"
	// EntityDedupSet 去重集合实体
	EntityDedupSet = "dedup_set"

	// KeyCandidateProgress 候选人解析进度缓存 (HASH: status/progress/message)
	// 格式: ats:candidate:progress:{candidateID}
	KeyCandidateProgress = AppPrefix + ":" + CandidateModulePrefix + ":" + EntityProgress + ":%s"

	// KeyReparseLock 重新解析请求的短时互斥锁 (STRING)
	// 格式: ats:candidate:lock:{candidateID}
	KeyReparseLock = AppPrefix + ":" + CandidateModulePrefix + ":" + EntityLock + ":%s"

	// KeyTaskLock 解析任务处理锁，存续期内重复投递被延迟 (STRING)
	// 格式: ats:candidate:task_lock:{candidateID}
	KeyTaskLock = AppPrefix + ":" + CandidateModulePrefix + ":" + EntityTaskLock + ":%s"

	// KeyFileMD5Set 原始简历文件MD5集合，用于上传去重 (SET)
	// 格式: ats:file:dedup_set
	KeyFileMD5Set = AppPrefix + ":" + FileModulePrefix + ":" + EntityDedupSet
)
