package handler

import (
	"ats-pipeline-go/internal/storage/models"
	"context"
	"io"
	"time"
)

// CandidateStore 候选人记录与outbox消息的事务存储
type CandidateStore interface {
	GetCandidateByID(ctx context.Context, candidateID string) (*models.Candidate, error)
	CreateCandidateWithTask(ctx context.Context, candidate *models.Candidate, outboxMsg *models.OutboxMessage) error
	ResetForReparse(ctx context.Context, candidateID string, outboxMsg *models.OutboxMessage) error
}

// ResumeFileStore 简历原始文件的对象存储
type ResumeFileStore interface {
	UploadResumeFile(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, error)
	GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	DeleteFile(ctx context.Context, objectKey string) error
}

// ProgressCache 进度缓存、文件去重集合和重解析互斥锁
type ProgressCache interface {
	GetCandidateProgress(ctx context.Context, candidateID string) (status string, progress int, message string, err error)
	SetCandidateProgress(ctx context.Context, candidateID, status string, progress int, message string) error
	CheckAndAddRawFileMD5(ctx context.Context, md5Hex string) (bool, error)
	RemoveRawFileMD5(ctx context.Context, md5Hex string) error
	AcquireReparseLock(ctx context.Context, candidateID string, expiration time.Duration) (string, error)
	ReleaseReparseLock(ctx context.Context, candidateID string, lockValue string) (bool, error)
}
