package handler

import (
	"ats-pipeline-go/internal/config"
	"ats-pipeline-go/internal/constants"
	"ats-pipeline-go/internal/logger"
	"ats-pipeline-go/internal/storage"
	"ats-pipeline-go/internal/storage/models"
	"ats-pipeline-go/pkg/utils"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrReparseBusy 同一候选人的重解析请求正在处理中
var ErrReparseBusy = errors.New("重解析请求正在处理中，请稍后再试")

// CandidateHandler 候选人入口处理器，负责上传、重解析、进度查询和原始文件下载
type CandidateHandler struct {
	cfg   *config.Config
	store CandidateStore
	files ResumeFileStore
	cache ProgressCache
}

// NewCandidateHandler 创建候选人处理器
func NewCandidateHandler(cfg *config.Config, store CandidateStore, files ResumeFileStore, cache ProgressCache) *CandidateHandler {
	return &CandidateHandler{
		cfg:   cfg,
		store: store,
		files: files,
		cache: cache,
	}
}

// UploadResponse 简历上传响应
type UploadResponse struct {
	CandidateID string `json:"candidate_id"`
	Status      string `json:"status"`
}

// StatusResponse 解析进度查询响应
type StatusResponse struct {
	CandidateID     string `json:"candidate_id"`
	ParsingStatus   string `json:"parsing_status"`
	ParsingProgress int    `json:"parsing_progress"`
	Message         string `json:"message"`
}

// HandleResumeUpload 处理简历上传
// 去重、传MinIO、落候选人记录并在同一事务写入outbox任务消息
func (h *CandidateHandler) HandleResumeUpload(ctx context.Context, reader io.Reader,
	fileName, jobID, uploaderType, uploaderID, sourceTag string) (*UploadResponse, error) {

	fileBytes, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("读取上传文件内容失败: %w", err)
	}
	if len(fileBytes) == 0 {
		return nil, fmt.Errorf("上传文件内容为空")
	}
	fileMD5Hex := utils.CalculateMD5(fileBytes)

	// 文件级MD5去重，SAdd的原子性保证并发上传同一文件只放行一个
	existed, err := h.cache.CheckAndAddRawFileMD5(ctx, fileMD5Hex)
	if err != nil {
		return nil, fmt.Errorf("检查文件MD5重复性失败: %w", err)
	}
	if existed {
		logger.Info().Str("md5", fileMD5Hex).Str("filename", fileName).Msg("检测到重复文件，跳过处理")
		return &UploadResponse{Status: "DUPLICATE_FILE_SKIPPED"}, nil
	}

	uuidV7, err := uuid.NewV7()
	if err != nil {
		h.rollbackMD5(ctx, fileMD5Hex)
		return nil, fmt.Errorf("生成候选人ID失败: %w", err)
	}
	candidateID := uuidV7.String()

	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		ext = ".pdf"
	}

	objectKey, err := h.files.UploadResumeFile(ctx, candidateID, ext, bytes.NewReader(fileBytes), int64(len(fileBytes)))
	if err != nil {
		h.rollbackMD5(ctx, fileMD5Hex)
		return nil, fmt.Errorf("上传简历到MinIO失败: %w", err)
	}

	candidate := &models.Candidate{
		CandidateID:     candidateID,
		JobID:           jobID,
		UploaderType:    uploaderType,
		UploaderID:      uploaderID,
		Name:            placeholderName(fileName),
		Email:           constants.PlaceholderEmail,
		ResumeObjectKey: objectKey,
		ResumeFileName:  fileName,
		SourceTag:       sourceTag,
		RawFileMD5:      fileMD5Hex,
		ParsingStatus:   constants.ParsingStatusPending,
	}

	outboxMsg, err := h.buildParseOutboxMessage(candidateID, "upload", "candidate.parse.requested")
	if err != nil {
		h.rollbackUpload(ctx, fileMD5Hex, objectKey)
		return nil, err
	}

	if err := h.store.CreateCandidateWithTask(ctx, candidate, outboxMsg); err != nil {
		h.rollbackUpload(ctx, fileMD5Hex, objectKey)
		return nil, fmt.Errorf("创建候选人记录失败: %w", err)
	}

	logger.Info().Str("candidate_id", candidateID).Str("job_id", jobID).Str("object_key", objectKey).Msg("简历上传完成，解析任务已写入outbox")
	return &UploadResponse{
		CandidateID: candidateID,
		Status:      "SUBMITTED_FOR_PARSING",
	}, nil
}

// HandleReparse 处理重解析请求
// 短时Redis锁挡掉并发的重复请求，PROCESSING中的候选人由数据库行锁校验拒绝
func (h *CandidateHandler) HandleReparse(ctx context.Context, candidateID string) error {
	lockValue, err := h.cache.AcquireReparseLock(ctx, candidateID, 30*time.Second)
	if err != nil {
		return fmt.Errorf("获取重解析锁失败: %w", err)
	}
	if lockValue == "" {
		return ErrReparseBusy
	}
	defer func() {
		if _, err := h.cache.ReleaseReparseLock(ctx, candidateID, lockValue); err != nil {
			logger.Warn().Err(err).Str("candidate_id", candidateID).Msg("释放重解析锁失败")
		}
	}()

	outboxMsg, err := h.buildParseOutboxMessage(candidateID, "reparse", "candidate.reparse.requested")
	if err != nil {
		return err
	}

	if err := h.store.ResetForReparse(ctx, candidateID, outboxMsg); err != nil {
		return err
	}

	// 状态缓存立即回写PENDING，轮询方不必等下一次工作器写入
	if err := h.cache.SetCandidateProgress(ctx, candidateID, constants.ParsingStatusPending, constants.ProgressReset, "已重新加入解析队列"); err != nil {
		logger.Warn().Err(err).Str("candidate_id", candidateID).Msg("重解析后刷新进度缓存失败")
	}

	logger.Info().Str("candidate_id", candidateID).Msg("候选人已重置并重新入队")
	return nil
}

// HandleStatusQuery 查询解析进度，优先读缓存，未命中回源数据库
func (h *CandidateHandler) HandleStatusQuery(ctx context.Context, candidateID string) (*StatusResponse, error) {
	status, progress, message, err := h.cache.GetCandidateProgress(ctx, candidateID)
	if err == nil {
		return &StatusResponse{
			CandidateID:     candidateID,
			ParsingStatus:   status,
			ParsingProgress: progress,
			Message:         message,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		logger.Warn().Err(err).Str("candidate_id", candidateID).Msg("进度缓存读取失败，回源数据库")
	}

	candidate, err := h.store.GetCandidateByID(ctx, candidateID)
	if err != nil {
		return nil, err
	}

	// 回填缓存，后续轮询不再打到数据库
	if err := h.cache.SetCandidateProgress(ctx, candidateID, candidate.ParsingStatus, candidate.ParsingProgress, candidate.ParsingStatusMessage); err != nil {
		logger.Warn().Err(err).Str("candidate_id", candidateID).Msg("回填进度缓存失败")
	}

	return &StatusResponse{
		CandidateID:     candidateID,
		ParsingStatus:   candidate.ParsingStatus,
		ParsingProgress: candidate.ParsingProgress,
		Message:         candidate.ParsingStatusMessage,
	}, nil
}

// DownloadResponse 简历原始文件下载响应
type DownloadResponse struct {
	CandidateID string `json:"candidate_id"`
	URL         string `json:"url"`
	ExpiresIn   int    `json:"expires_in_seconds"`
}

// downloadURLTTL 预签名下载链接的有效期
const downloadURLTTL = 10 * time.Minute

// HandleResumeDownload 生成简历原始文件的预签名下载URL
func (h *CandidateHandler) HandleResumeDownload(ctx context.Context, candidateID string) (*DownloadResponse, error) {
	candidate, err := h.store.GetCandidateByID(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if candidate.ResumeObjectKey == "" {
		return nil, fmt.Errorf("候选人 %s 没有可下载的简历文件", candidateID)
	}

	url, err := h.files.GetPresignedURL(ctx, candidate.ResumeObjectKey, downloadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("生成简历下载链接失败: %w", err)
	}
	return &DownloadResponse{
		CandidateID: candidateID,
		URL:         url,
		ExpiresIn:   int(downloadURLTTL.Seconds()),
	}, nil
}

// buildParseOutboxMessage 构造指向解析交换机的outbox记录
func (h *CandidateHandler) buildParseOutboxMessage(candidateID, reason, eventType string) (*models.OutboxMessage, error) {
	task := storage.ParseTaskMessage{
		CandidateID: candidateID,
		EnqueuedAt:  time.Now(),
		Reason:      reason,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("序列化解析任务消息失败: %w", err)
	}
	return &models.OutboxMessage{
		AggregateID:      candidateID,
		EventType:        eventType,
		Payload:          string(payload),
		TargetExchange:   h.cfg.RabbitMQ.ParseExchange,
		TargetRoutingKey: h.cfg.RabbitMQ.ParseRoutingKey,
	}, nil
}

// rollbackMD5 上传流程中途失败时撤销去重记录，避免同一文件永远无法重传
func (h *CandidateHandler) rollbackMD5(ctx context.Context, md5Hex string) {
	if err := h.cache.RemoveRawFileMD5(ctx, md5Hex); err != nil {
		logger.Warn().Err(err).Str("md5", md5Hex).Msg("回滚文件MD5去重记录失败")
	}
}

// rollbackUpload 入库失败时撤销去重记录并删除已上传的对象
func (h *CandidateHandler) rollbackUpload(ctx context.Context, md5Hex, objectKey string) {
	h.rollbackMD5(ctx, md5Hex)
	if err := h.files.DeleteFile(ctx, objectKey); err != nil {
		logger.Warn().Err(err).Str("object_key", objectKey).Msg("回滚已上传的简历对象失败")
	}
}

// placeholderName 从文件名推导占位姓名，等待AI解析结果覆盖
func placeholderName(fileName string) string {
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	base = strings.TrimSpace(base)
	if base == "" {
		return "Unknown Candidate"
	}
	return base
}
