package processor

import (
	"ats-pipeline-go/internal/constants"
	"ats-pipeline-go/internal/queue"
	"ats-pipeline-go/internal/storage"
	"ats-pipeline-go/internal/storage/models"
	"ats-pipeline-go/internal/types"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stateChange 记录一次解析状态写入
type stateChange struct {
	Status   string
	Progress int
	Message  string
}

// fakeStore 内存版候选人存储
type fakeStore struct {
	candidates map[string]*models.Candidate
	jobs       map[string]*models.Job
	stateLog   []stateChange
	fieldLog   []map[string]interface{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		candidates: make(map[string]*models.Candidate),
		jobs:       make(map[string]*models.Job),
	}
}

func (s *fakeStore) GetCandidateByID(_ context.Context, candidateID string) (*models.Candidate, error) {
	c, ok := s.candidates[candidateID]
	if !ok {
		return nil, storage.ErrCandidateNotFound
	}
	return c, nil
}

func (s *fakeStore) GetJobByID(_ context.Context, jobID string) (*models.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, storage.ErrCandidateNotFound
	}
	return j, nil
}

func (s *fakeStore) UpdateParsingState(_ context.Context, candidateID, status string, progress int, message string) error {
	s.stateLog = append(s.stateLog, stateChange{Status: status, Progress: progress, Message: message})
	if c, ok := s.candidates[candidateID]; ok {
		c.ParsingStatus = status
		c.ParsingProgress = progress
		c.ParsingStatusMessage = message
	}
	return nil
}

func (s *fakeStore) UpdateCandidateFields(_ context.Context, candidateID string, updates map[string]interface{}) error {
	s.fieldLog = append(s.fieldLog, updates)
	c, ok := s.candidates[candidateID]
	if !ok {
		return storage.ErrCandidateNotFound
	}
	if name, ok := updates["name"].(string); ok {
		c.Name = name
	}
	if status, ok := updates["parsing_status"].(string); ok {
		c.ParsingStatus = status
	}
	if progress, ok := updates["parsing_progress"].(int); ok {
		c.ParsingProgress = progress
	}
	if isParsed, ok := updates["is_parsed"].(bool); ok {
		c.IsParsed = isParsed
	}
	if score, ok := updates["ats_score"].(*int); ok {
		c.ATSScore = score
	}
	return nil
}

// fakeFileStore 内存版文件存储
type fakeFileStore struct {
	files map[string][]byte
}

func (s *fakeFileStore) GetResumeFile(_ context.Context, objectKey string) ([]byte, error) {
	data, ok := s.files[objectKey]
	if !ok {
		return nil, errors.New("对象不存在")
	}
	return data, nil
}

// fakeCache 记录进度镜像写入
type fakeCache struct {
	writes []stateChange
}

func (c *fakeCache) SetCandidateProgress(_ context.Context, _ string, status string, progress int, message string) error {
	c.writes = append(c.writes, stateChange{Status: status, Progress: progress, Message: message})
	return nil
}

// fakeLocker 内存版任务处理锁
type fakeLocker struct {
	held       bool
	acquireErr error
	acquired   int
	released   []string
}

func (l *fakeLocker) AcquireTaskLock(_ context.Context, _ string, _ time.Duration) (string, error) {
	if l.acquireErr != nil {
		return "", l.acquireErr
	}
	if l.held {
		return "", nil
	}
	l.acquired++
	return "lock-token", nil
}

func (l *fakeLocker) ReleaseTaskLock(_ context.Context, _ string, lockValue string) (bool, error) {
	l.released = append(l.released, lockValue)
	return true, nil
}

// stubTextExtractor 固定返回预设提取结果
type stubTextExtractor struct {
	result *types.ExtractionResult
}

func (s *stubTextExtractor) Extract(_ context.Context, _ []byte, _ string) *types.ExtractionResult {
	return s.result
}

// stubProfileExtractor 固定返回预设档案或错误
type stubProfileExtractor struct {
	profile *types.StructuredCandidateProfile
	err     error
	calls   int
}

func (s *stubProfileExtractor) Extract(_ context.Context, _ string, _ []string, _ *types.JobContext) (*types.StructuredCandidateProfile, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.profile, nil
}

func longResumeText() string {
	return strings.Repeat("候选人张伟，七年后端开发经验，精通Go与分布式系统。", 20)
}

func sampleProfile() *types.StructuredCandidateProfile {
	return &types.StructuredCandidateProfile{
		BasicInfo: types.BasicInfo{
			FullName: "Jane Doe",
			Email:    "jane@example.com",
			Phone:    "13812345678",
		},
		ExecutiveSummary: "资深后端工程师",
		Education:        []types.EducationEntry{},
		WorkExperience:   []types.WorkExperience{},
		Skills: types.SkillsSection{
			Technical: types.TechnicalSkills{
				Advanced:     []string{"Go"},
				Intermediate: []string{},
				Beginner:     []string{},
			},
			Soft: []string{},
		},
		Certifications: []string{},
		AIAssessment: types.AIAssessment{
			OverallScore:   87,
			Strengths:      []string{},
			AreasForGrowth: []string{},
		},
	}
}

func newTestWorker(t *testing.T, store *fakeStore, files *fakeFileStore, text *stubTextExtractor, profile *stubProfileExtractor, cache *fakeCache) *ParseWorker {
	t.Helper()
	options := []WorkerOption{}
	if cache != nil {
		options = append(options, WithProgressCache(cache))
	}
	worker, err := NewParseWorker(store, files, text, profile, zerolog.Nop(), options...)
	require.NoError(t, err)
	return worker
}

// TestProcessCandidateSuccess 完整成功路径：进度单调推进到100，终态COMPLETED
func TestProcessCandidateSuccess(t *testing.T) {
	store := newFakeStore()
	store.candidates["cand-1"] = &models.Candidate{
		CandidateID:     "cand-1",
		ResumeObjectKey: "resumes/cand-1.pdf",
		ResumeFileName:  "jane_doe.pdf",
	}
	files := &fakeFileStore{files: map[string][]byte{"resumes/cand-1.pdf": []byte("%PDF")}}
	text := &stubTextExtractor{result: &types.ExtractionResult{Text: longResumeText(), Links: []string{"https://github.com/janedoe"}}}
	profile := &stubProfileExtractor{profile: sampleProfile()}
	cache := &fakeCache{}

	worker := newTestWorker(t, store, files, text, profile, cache)
	err := worker.ProcessCandidate(context.Background(), "cand-1")
	require.NoError(t, err)

	// 状态里程碑按10/40/80推进
	require.Len(t, store.stateLog, 3)
	assert.Equal(t, constants.ProgressStarted, store.stateLog[0].Progress)
	assert.Equal(t, constants.ProgressTextReady, store.stateLog[1].Progress)
	assert.Equal(t, constants.ProgressMapped, store.stateLog[2].Progress)
	for _, change := range store.stateLog {
		assert.Equal(t, constants.ParsingStatusProcessing, change.Status)
	}

	// 单次运行内进度只增不减
	last := -1
	for _, change := range store.stateLog {
		assert.GreaterOrEqual(t, change.Progress, last)
		last = change.Progress
	}

	// 终态字段
	candidate := store.candidates["cand-1"]
	assert.Equal(t, "Jane Doe", candidate.Name)
	assert.True(t, candidate.IsParsed)
	assert.Equal(t, constants.ParsingStatusCompleted, candidate.ParsingStatus)
	assert.Equal(t, constants.ProgressCompleted, candidate.ParsingProgress)
	require.NotNil(t, candidate.ATSScore)
	assert.Equal(t, 87, *candidate.ATSScore)

	// 缓存镜像收到了终态
	require.NotEmpty(t, cache.writes)
	final := cache.writes[len(cache.writes)-1]
	assert.Equal(t, constants.ParsingStatusCompleted, final.Status)
	assert.Equal(t, constants.ProgressCompleted, final.Progress)
	assert.Equal(t, "Success.", final.Message)
}

// TestProcessCandidateNotFound 记录不存在时返回丢弃哨兵，不写任何状态
func TestProcessCandidateNotFound(t *testing.T) {
	store := newFakeStore()
	files := &fakeFileStore{files: map[string][]byte{}}
	text := &stubTextExtractor{result: &types.ExtractionResult{Text: "", Links: []string{}}}
	profile := &stubProfileExtractor{}

	worker := newTestWorker(t, store, files, text, profile, nil)
	err := worker.ProcessCandidate(context.Background(), "ghost")
	assert.ErrorIs(t, err, queue.ErrDropTask)
	assert.Empty(t, store.stateLog)
	assert.Zero(t, profile.calls)
}

// TestProcessCandidateShortText 文本过短转人工复核，进度归零且不算失败
func TestProcessCandidateShortText(t *testing.T) {
	store := newFakeStore()
	store.candidates["cand-2"] = &models.Candidate{
		CandidateID:     "cand-2",
		ResumeObjectKey: "resumes/cand-2.pdf",
	}
	files := &fakeFileStore{files: map[string][]byte{"resumes/cand-2.pdf": []byte("%PDF")}}
	text := &stubTextExtractor{result: &types.ExtractionResult{Text: "太短", Links: []string{}}}
	profile := &stubProfileExtractor{profile: sampleProfile()}

	worker := newTestWorker(t, store, files, text, profile, nil)
	err := worker.ProcessCandidate(context.Background(), "cand-2")
	require.NoError(t, err)

	candidate := store.candidates["cand-2"]
	assert.Equal(t, constants.ParsingStatusManualReview, candidate.ParsingStatus)
	assert.Equal(t, constants.ProgressReset, candidate.ParsingProgress)
	assert.False(t, candidate.IsParsed)
	// AI从未被调用
	assert.Zero(t, profile.calls)
}

// TestProcessCandidateAIFailure AI失败时先落FAILED再向上抛出
func TestProcessCandidateAIFailure(t *testing.T) {
	store := newFakeStore()
	store.candidates["cand-3"] = &models.Candidate{
		CandidateID:     "cand-3",
		ResumeObjectKey: "resumes/cand-3.pdf",
	}
	files := &fakeFileStore{files: map[string][]byte{"resumes/cand-3.pdf": []byte("%PDF")}}
	text := &stubTextExtractor{result: &types.ExtractionResult{Text: longResumeText(), Links: []string{}}}
	profile := &stubProfileExtractor{err: errors.New("模型超时")}

	worker := newTestWorker(t, store, files, text, profile, nil)
	err := worker.ProcessCandidate(context.Background(), "cand-3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "模型超时")

	candidate := store.candidates["cand-3"]
	assert.Equal(t, constants.ParsingStatusFailed, candidate.ParsingStatus)
	assert.Equal(t, constants.ProgressReset, candidate.ParsingProgress)
	assert.Contains(t, candidate.ParsingStatusMessage, "模型超时")
}

// TestBuildCandidateUpdatesDeterministic 相同输入两次映射得到完全一致的更新集
func TestBuildCandidateUpdatesDeterministic(t *testing.T) {
	links := []string{"https://github.com/janedoe"}

	first, err := BuildCandidateUpdates(sampleProfile(), links)
	require.NoError(t, err)
	second, err := BuildCandidateUpdates(sampleProfile(), links)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for key, value := range first {
		if key == "ats_score" {
			// 指针字段比较指向的值
			assert.Equal(t, *value.(*int), *second[key].(*int))
			continue
		}
		assert.Equal(t, value, second[key], "字段 %s 两次映射不一致", key)
	}
}

// TestBuildCandidateUpdatesFillIfPresent AI缺失的身份字段不出现在更新集中
func TestBuildCandidateUpdatesFillIfPresent(t *testing.T) {
	profile := sampleProfile()
	profile.BasicInfo.Email = ""
	profile.BasicInfo.Phone = ""

	updates, err := BuildCandidateUpdates(profile, nil)
	require.NoError(t, err)

	assert.Equal(t, "Jane Doe", updates["name"])
	assert.NotContains(t, updates, "email")
	assert.NotContains(t, updates, "phone")
}

// TestProcessCandidateLockHeld 锁被占用时重复投递延迟重试，不触碰记录状态
func TestProcessCandidateLockHeld(t *testing.T) {
	store := newFakeStore()
	store.candidates["cand-1"] = &models.Candidate{CandidateID: "cand-1", ResumeObjectKey: "resumes/cand-1.pdf"}
	files := &fakeFileStore{files: map[string][]byte{"resumes/cand-1.pdf": []byte("%PDF")}}
	text := &stubTextExtractor{result: &types.ExtractionResult{Text: longResumeText()}}
	profile := &stubProfileExtractor{profile: sampleProfile()}
	locker := &fakeLocker{held: true}

	worker, err := NewParseWorker(store, files, text, profile, zerolog.Nop(),
		WithTaskLock(locker, time.Minute))
	require.NoError(t, err)

	err = worker.ProcessCandidate(context.Background(), "cand-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskInFlight)
	// 暂缓语义要透传给队列，重复投递不得消耗重试预算
	assert.ErrorIs(t, err, queue.ErrDeferTask)
	assert.NotErrorIs(t, err, queue.ErrDropTask)
	assert.Empty(t, store.stateLog)
	assert.Equal(t, 0, profile.calls)
}

// TestProcessCandidateReleasesLock 成功路径结束后释放处理锁
func TestProcessCandidateReleasesLock(t *testing.T) {
	store := newFakeStore()
	store.candidates["cand-1"] = &models.Candidate{CandidateID: "cand-1", ResumeObjectKey: "resumes/cand-1.pdf"}
	files := &fakeFileStore{files: map[string][]byte{"resumes/cand-1.pdf": []byte("%PDF")}}
	text := &stubTextExtractor{result: &types.ExtractionResult{Text: longResumeText()}}
	profile := &stubProfileExtractor{profile: sampleProfile()}
	locker := &fakeLocker{}

	worker, err := NewParseWorker(store, files, text, profile, zerolog.Nop(),
		WithTaskLock(locker, time.Minute))
	require.NoError(t, err)

	require.NoError(t, worker.ProcessCandidate(context.Background(), "cand-1"))
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, []string{"lock-token"}, locker.released)
}

// TestProcessCandidateLockBackendDown 锁后端不可用时放弃互斥继续处理
func TestProcessCandidateLockBackendDown(t *testing.T) {
	store := newFakeStore()
	store.candidates["cand-1"] = &models.Candidate{CandidateID: "cand-1", ResumeObjectKey: "resumes/cand-1.pdf"}
	files := &fakeFileStore{files: map[string][]byte{"resumes/cand-1.pdf": []byte("%PDF")}}
	text := &stubTextExtractor{result: &types.ExtractionResult{Text: longResumeText()}}
	profile := &stubProfileExtractor{profile: sampleProfile()}
	locker := &fakeLocker{acquireErr: errors.New("redis连接拒绝")}

	worker, err := NewParseWorker(store, files, text, profile, zerolog.Nop(),
		WithTaskLock(locker, time.Minute))
	require.NoError(t, err)

	require.NoError(t, worker.ProcessCandidate(context.Background(), "cand-1"))
	assert.Empty(t, locker.released)
	assert.Equal(t, 1, profile.calls)
}
