package processor

import (
	"ats-pipeline-go/internal/storage/models"
	"ats-pipeline-go/internal/types"
	"context"
	"time"
)

// TextExtractor 简历文件到纯文本的提取组件
// 实现方在任何内部失败时返回空文本结果，不返回错误
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, fileName string) *types.ExtractionResult
}

// ProfileExtractor AI结构化抽取组件
type ProfileExtractor interface {
	Extract(ctx context.Context, resumeText string, links []string, jobContext *types.JobContext) (*types.StructuredCandidateProfile, error)
}

// CandidateStore 候选人与岗位记录的读写
type CandidateStore interface {
	GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error)
	GetJobByID(ctx context.Context, jobID string) (*models.Job, error)
	UpdateParsingState(ctx context.Context, candidateID, status string, progress int, message string) error
	UpdateCandidateFields(ctx context.Context, candidateID string, updates map[string]interface{}) error
}

// ResumeFileStore 简历原始文件读取
type ResumeFileStore interface {
	GetResumeFile(ctx context.Context, objectKey string) ([]byte, error)
}

// ProgressCache 解析进度的缓存镜像，供轮询接口快速读取
// 写入失败不影响主流程
type ProgressCache interface {
	SetCandidateProgress(ctx context.Context, candidateID, status string, progress int, message string) error
}

// TaskLocker 单候选人处理锁
// Acquire在锁被占用时返回空标识和nil错误
type TaskLocker interface {
	AcquireTaskLock(ctx context.Context, candidateID string, expiration time.Duration) (string, error)
	ReleaseTaskLock(ctx context.Context, candidateID string, lockValue string) (bool, error)
}
