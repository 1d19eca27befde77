package processor

import (
	"ats-pipeline-go/internal/constants"
	"ats-pipeline-go/internal/queue"
	"ats-pipeline-go/internal/storage"
	"ats-pipeline-go/internal/storage/models"
	"ats-pipeline-go/internal/tracing"
	"ats-pipeline-go/internal/types"
	"ats-pipeline-go/pkg/utils"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("processor")

// ErrTaskInFlight 同一候选人的解析已被其他投递持有
// 包装queue.ErrDeferTask，重复投递被延迟重投且不消耗重试预算
var ErrTaskInFlight = fmt.Errorf("候选人解析正在进行中: %w", queue.ErrDeferTask)

// ParseWorker 解析任务的编排器
// 驱动候选人记录走完解析状态机，持久化各阶段进度里程碑
type ParseWorker struct {
	store            CandidateStore
	files            ResumeFileStore
	cache            ProgressCache
	locker           TaskLocker
	lockTTL          time.Duration
	textExtractor    TextExtractor
	profileExtractor ProfileExtractor
	minTextLength    int
	logger           zerolog.Logger
}

// WorkerOption ParseWorker的配置选项
type WorkerOption func(*ParseWorker)

// WithProgressCache 启用进度缓存镜像
func WithProgressCache(cache ProgressCache) WorkerOption {
	return func(w *ParseWorker) {
		w.cache = cache
	}
}

// WithTaskLock 启用单候选人处理锁
// 锁存续期间同一候选人的重复投递返回可重试错误，由队列延迟重投
func WithTaskLock(locker TaskLocker, ttl time.Duration) WorkerOption {
	return func(w *ParseWorker) {
		w.locker = locker
		w.lockTTL = ttl
	}
}

// WithMinTextLength 设置转人工复核的文本长度阈值
func WithMinTextLength(min int) WorkerOption {
	return func(w *ParseWorker) {
		if min > 0 {
			w.minTextLength = min
		}
	}
}

// NewParseWorker 创建解析编排器
func NewParseWorker(
	store CandidateStore,
	files ResumeFileStore,
	textExtractor TextExtractor,
	profileExtractor ProfileExtractor,
	logger zerolog.Logger,
	options ...WorkerOption,
) (*ParseWorker, error) {
	if store == nil {
		return nil, fmt.Errorf("候选人存储未初始化")
	}
	if files == nil {
		return nil, fmt.Errorf("文件存储未初始化")
	}
	if textExtractor == nil {
		return nil, fmt.Errorf("文本提取器未初始化")
	}
	if profileExtractor == nil {
		return nil, fmt.Errorf("AI抽取器未初始化")
	}

	worker := &ParseWorker{
		store:            store,
		files:            files,
		textExtractor:    textExtractor,
		profileExtractor: profileExtractor,
		minTextLength:    150,
		logger:           logger,
	}
	for _, option := range options {
		option(worker)
	}
	return worker, nil
}

// ProcessCandidate 处理一个解析任务，是队列消费者的入口
// 候选人不存在时返回 queue.ErrDropTask，任务被静默丢弃而不重试
// 进入PROCESSING之后的任何失败都先落FAILED状态再向上抛出，交给队列的重试策略
func (w *ParseWorker) ProcessCandidate(ctx context.Context, candidateID string) error {
	ctx, span := tracer.Start(ctx, "ProcessCandidate")
	defer span.End()
	span.SetAttributes(attribute.String("candidate_id", candidateID))

	logger := w.logger.With().Str("candidate_id", candidateID).Logger()

	// 0. 抢占处理锁，锁被占用说明该候选人已有在途解析
	// Redis不可用时放弃互斥继续处理，保持at-least-once下的可用性
	if w.locker != nil {
		lockValue, err := w.locker.AcquireTaskLock(ctx, candidateID, w.lockTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("获取任务处理锁失败，跳过互斥继续处理")
		} else if lockValue == "" {
			logger.Warn().Msg("候选人已有在途解析，暂缓本次投递")
			span.SetStatus(codes.Ok, "task in flight")
			return fmt.Errorf("候选人 %s: %w", candidateID, ErrTaskInFlight)
		} else {
			defer func() {
				if _, err := w.locker.ReleaseTaskLock(context.WithoutCancel(ctx), candidateID, lockValue); err != nil {
					logger.Warn().Err(err).Msg("释放任务处理锁失败，等待锁过期")
				}
			}()
		}
	}

	// 1. 加载候选人记录，记录已删除是非重试性的正常情况
	candidate, err := w.store.GetCandidateByID(ctx, candidateID)
	if err != nil {
		if errors.Is(err, storage.ErrCandidateNotFound) {
			logger.Info().Msg("候选人记录不存在，丢弃解析任务")
			span.SetStatus(codes.Ok, "record absent")
			return queue.ErrDropTask
		}
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return fmt.Errorf("加载候选人 %s 失败: %w", candidateID, err)
	}
	span.SetAttributes(attribute.String("candidate.name", tracing.SafeAttributeValue("name", candidate.Name, tracing.DefaultMaxLength)))

	// 2. 进入PROCESSING并持久化首个进度里程碑
	if err := w.markProgress(ctx, candidateID, constants.ParsingStatusProcessing, constants.ProgressStarted, "解析已开始"); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return err
	}

	if err := w.runPipeline(ctx, candidate, logger); err != nil {
		// 失败路径先落状态再向上抛出，避免记录停留在PROCESSING
		w.markFailed(ctx, candidateID, err, logger)
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return err
	}

	span.SetStatus(codes.Ok, "解析完成")
	return nil
}

// runPipeline 执行步骤2之后的解析主流程
func (w *ParseWorker) runPipeline(ctx context.Context, candidate *models.Candidate, logger zerolog.Logger) error {
	candidateID := candidate.CandidateID

	// 3. 下载简历原始文件
	fileBytes, err := w.files.GetResumeFile(ctx, candidate.ResumeObjectKey)
	if err != nil {
		return fmt.Errorf("下载简历文件 %s 失败: %w", candidate.ResumeObjectKey, err)
	}

	// 4. 文本提取，该边界永不报错，失败体现为空文本
	extraction := w.textExtractor.Extract(ctx, fileBytes, candidate.ResumeFileName)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("resume.text_len", len([]rune(extraction.Text))),
		attribute.String("resume.text_excerpt", tracing.SafeResumeContent(extraction.Text)),
	)

	// 5. 文本过短转人工复核，进度归零，任务正常确认不重试
	if len([]rune(extraction.Text)) < w.minTextLength {
		logger.Warn().Int("text_len", len([]rune(extraction.Text))).Msg("提取文本过短，转人工复核")
		return w.markProgress(ctx, candidateID, constants.ParsingStatusManualReview, constants.ProgressReset, "提取文本过短，需要人工复核")
	}

	if err := w.markProgress(ctx, candidateID, constants.ParsingStatusProcessing, constants.ProgressTextReady, "文本提取完成"); err != nil {
		return err
	}

	// 6. 取岗位上下文，岗位缺失不阻塞解析
	jobContext := w.loadJobContext(ctx, candidate, logger)

	// 7. AI结构化抽取
	profile, err := w.profileExtractor.Extract(ctx, extraction.Text, extraction.Links, jobContext)
	if err != nil {
		return fmt.Errorf("AI结构化抽取失败: %w", err)
	}

	// 8. 把结构化结果映射回候选人记录
	updates, err := BuildCandidateUpdates(profile, extraction.Links)
	if err != nil {
		return fmt.Errorf("构建候选人更新字段失败: %w", err)
	}
	if err := w.store.UpdateCandidateFields(ctx, candidateID, updates); err != nil {
		return fmt.Errorf("写入结构化字段失败: %w", err)
	}
	if err := w.markProgress(ctx, candidateID, constants.ParsingStatusProcessing, constants.ProgressMapped, "字段映射完成"); err != nil {
		return err
	}

	// 9. 终态
	finalUpdates := map[string]interface{}{
		"is_parsed":              true,
		"parsing_status":         constants.ParsingStatusCompleted,
		"parsing_progress":       constants.ProgressCompleted,
		"parsing_status_message": "Success.",
	}
	if err := w.store.UpdateCandidateFields(ctx, candidateID, finalUpdates); err != nil {
		return fmt.Errorf("写入完成状态失败: %w", err)
	}
	w.mirrorProgress(ctx, candidateID, constants.ParsingStatusCompleted, constants.ProgressCompleted, "Success.")

	logger.Info().Msg("候选人解析完成")
	return nil
}

// loadJobContext 取候选人关联岗位的评分上下文，取不到时返回nil
func (w *ParseWorker) loadJobContext(ctx context.Context, candidate *models.Candidate, logger zerolog.Logger) *types.JobContext {
	if candidate.JobID == "" {
		return nil
	}
	job, err := w.store.GetJobByID(ctx, candidate.JobID)
	if err != nil {
		logger.Warn().Err(err).Str("job_id", candidate.JobID).Msg("岗位上下文加载失败，按无岗位评分")
		return nil
	}

	skills, err := models.StringSliceFromJSON(job.SkillsRequired)
	if err != nil {
		logger.Warn().Err(err).Str("job_id", candidate.JobID).Msg("岗位技能字段解析失败")
		skills = nil
	}
	return &types.JobContext{
		Title:          job.JobTitle,
		Description:    job.JobDescriptionText,
		SkillsRequired: skills,
	}
}

// markProgress 持久化状态与进度，并镜像到缓存
func (w *ParseWorker) markProgress(ctx context.Context, candidateID, status string, progress int, message string) error {
	if err := w.store.UpdateParsingState(ctx, candidateID, status, progress, message); err != nil {
		return fmt.Errorf("更新解析状态到 %s/%d 失败: %w", status, progress, err)
	}
	w.mirrorProgress(ctx, candidateID, status, progress, message)
	return nil
}

// markFailed 失败收口：落FAILED状态，进度归零，消息携带错误详情
// 这里的写入失败只能记录日志，原始错误仍然向上抛出
func (w *ParseWorker) markFailed(ctx context.Context, candidateID string, cause error, logger zerolog.Logger) {
	message := fmt.Sprintf("解析失败: %v", cause)
	if err := w.store.UpdateParsingState(ctx, candidateID, constants.ParsingStatusFailed, constants.ProgressReset, message); err != nil {
		logger.Error().Err(err).Msg("写入FAILED状态失败，记录可能停留在PROCESSING")
		return
	}
	w.mirrorProgress(ctx, candidateID, constants.ParsingStatusFailed, constants.ProgressReset, message)
}

func (w *ParseWorker) mirrorProgress(ctx context.Context, candidateID, status string, progress int, message string) {
	if w.cache == nil {
		return
	}
	if err := w.cache.SetCandidateProgress(ctx, candidateID, status, progress, message); err != nil {
		w.logger.Warn().Err(err).Str("candidate_id", candidateID).Msg("进度缓存写入失败，已忽略")
	}
}

// BuildCandidateUpdates 把结构化档案映射为候选人记录的更新字段
// 身份字段遵循"有值才填"：AI给出非空值时覆盖占位值，AI缺失时直接不出现在更新集里，
// 记录的现值（包括占位值）因此永远不会被空值覆盖
func BuildCandidateUpdates(profile *types.StructuredCandidateProfile, links []string) (map[string]interface{}, error) {
	updates := make(map[string]interface{}, 16)

	if name := profile.BasicInfo.FullName; name != "" {
		updates["name"] = name
	}
	if email := profile.BasicInfo.Email; email != "" {
		updates["email"] = email
	}
	if phone := profile.BasicInfo.Phone; phone != "" {
		updates["phone"] = phone
	}

	basicInfo, err := models.ToJSON(profile.BasicInfo)
	if err != nil {
		return nil, fmt.Errorf("序列化basic_info失败: %w", err)
	}
	education, err := models.ToJSON(profile.Education)
	if err != nil {
		return nil, fmt.Errorf("序列化education失败: %w", err)
	}
	workExperience, err := models.ToJSON(profile.WorkExperience)
	if err != nil {
		return nil, fmt.Errorf("序列化work_experience失败: %w", err)
	}
	skills, err := models.ToJSON(profile.Skills)
	if err != nil {
		return nil, fmt.Errorf("序列化skills失败: %w", err)
	}
	certifications, err := models.ToJSON(profile.Certifications)
	if err != nil {
		return nil, fmt.Errorf("序列化certifications失败: %w", err)
	}
	assessment, err := models.ToJSON(profile.AIAssessment)
	if err != nil {
		return nil, fmt.Errorf("序列化ai_assessment失败: %w", err)
	}

	updates["basic_info"] = basicInfo
	updates["education"] = education
	updates["work_experience"] = workExperience
	updates["skills"] = skills
	updates["certifications"] = certifications
	updates["ai_assessment"] = assessment
	updates["executive_summary"] = profile.ExecutiveSummary

	updates["ats_score"] = utils.IntPtr(profile.AIAssessment.OverallScore)

	if links == nil {
		links = []string{}
	}
	extractedLinks, err := models.ToJSON(links)
	if err != nil {
		return nil, fmt.Errorf("序列化extracted_links失败: %w", err)
	}
	updates["extracted_links"] = extractedLinks

	return updates, nil
}
