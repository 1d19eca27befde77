package parser

import (
	"ats-pipeline-go/internal/types"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

// AIExtractionError AI抽取失败的错误类型，区分模型调用失败与响应不可解析
type AIExtractionError struct {
	Stage string // "call" 或 "parse"
	Err   error
}

func (e *AIExtractionError) Error() string {
	return fmt.Sprintf("AI结构化抽取失败（阶段: %s）: %v", e.Stage, e.Err)
}

func (e *AIExtractionError) Unwrap() error {
	return e.Err
}

// ProfileExtractor 调用LLM把简历文本抽取为结构化候选人档案
type ProfileExtractor struct {
	llmModel       model.ToolCallingChatModel
	promptTemplate string
	maxResumeChars int
	logger         zerolog.Logger
}

// ProfileExtractorOption ProfileExtractor的配置选项
type ProfileExtractorOption func(*ProfileExtractor)

// WithMaxResumeChars 设置发送给模型的简历文本字符上限
func WithMaxResumeChars(max int) ProfileExtractorOption {
	return func(e *ProfileExtractor) {
		if max > 0 {
			e.maxResumeChars = max
		}
	}
}

// WithExtractorPromptTemplate 覆盖默认提示词模板
func WithExtractorPromptTemplate(template string) ProfileExtractorOption {
	return func(e *ProfileExtractor) {
		e.promptTemplate = template
	}
}

// NewProfileExtractor 创建结构化抽取器
func NewProfileExtractor(llmModel model.ToolCallingChatModel, logger zerolog.Logger, options ...ProfileExtractorOption) *ProfileExtractor {
	extractor := &ProfileExtractor{
		llmModel:       llmModel,
		maxResumeChars: 15000,
		logger:         logger,
	}
	extractor.generatePromptTemplate()
	for _, opt := range options {
		opt(extractor)
	}
	return extractor
}

func (e *ProfileExtractor) generatePromptTemplate() {
	e.promptTemplate = `你是一位极其严谨的AI简历解析专家。你的任务是把下面的【候选人简历】解析为结构化JSON，并结合【岗位上下文】给出严格的匹配度评估。

**抽取范围（务必严格遵守）：**
- "work_experience" 只收录**职业工作经历**，明确排除学术项目、课程作业和个人兴趣项目。
- 所有字段均以简历原文为准，禁止臆造不存在的信息。找不到的字段留空字符串或空数组。
- 日期统一输出为 "YYYY-MM" 格式，无法确定月份时输出 "YYYY"。

**请严格按以下JSON结构输出（字段不可增删改名）：**
{
  "basic_info": {"full_name": "", "email": "", "phone": "", "location": "", "linkedin": "", "website": ""},
  "executive_summary": "不超过150字的候选人画像摘要",
  "education": [{"institution": "", "degree": "", "field": "", "start_date": "", "end_date": "", "description": ""}],
  "work_experience": [{"company": "", "position": "", "start_date": "", "end_date": "", "current": false, "description": "", "key_achievements": [], "technologies_used": []}],
  "skills": {"technical": {"advanced": [], "intermediate": [], "beginner": []}, "soft": []},
  "certifications": [],
  "ai_assessment": {"technical_fit": 0, "cultural_fit": 0, "overall_score": 0, "strengths": [], "areas_for_growth": []}
}

**评分规则（提供岗位上下文时适用，0-100整数）：**
"overall_score" 按固定权重加权计算：技能匹配40%%、相关经验匹配30%%、教育背景与简历规范度20%%、行业领域契合10%%。
评分必须严格：与岗位要求零重叠的简历应得0分，完全匹配的简历才可得100分，禁止无依据地给出中间安全分。
未提供岗位上下文时，"ai_assessment" 各分数输出0，数组留空。

**JSON格式要求：**
- 完整输出必须是一个合法的JSON对象，禁止在JSON之外输出任何解释或Markdown标记。
- 字符串值内部的双引号必须用反斜杠转义。

【岗位上下文】:
"""
%s
"""

【候选人链接】:
%s

【候选人简历】:
"""
%s
"""

请基于以上指令输出JSON结果。`
}

// Extract 执行结构化抽取，jobContext可为nil
func (e *ProfileExtractor) Extract(ctx context.Context, resumeText string, links []string, jobContext *types.JobContext) (*types.StructuredCandidateProfile, error) {
	if e.llmModel == nil {
		return nil, &AIExtractionError{Stage: "call", Err: fmt.Errorf("llmModel未初始化")}
	}

	// 先清理控制字符，再按字符预算截断
	cleaned := stripControlChars(resumeText)
	cleaned = truncateRunes(cleaned, e.maxResumeChars)

	userMsgContent := fmt.Sprintf(e.promptTemplate, formatJobContext(jobContext), formatLinks(links), cleaned)
	messages := []*einoschema.Message{
		einoschema.SystemMessage("你是一位专注于简历结构化解析与人岗匹配评估的AI招聘助手，只输出合法JSON。"),
		einoschema.UserMessage(userMsgContent),
	}

	e.logger.Debug().Int("resume_chars", len([]rune(cleaned))).Int("links", len(links)).Msg("发起AI结构化抽取")

	response, err := e.llmModel.Generate(ctx, messages)
	if err != nil {
		return nil, &AIExtractionError{Stage: "call", Err: err}
	}
	if response == nil || response.Content == "" {
		return nil, &AIExtractionError{Stage: "call", Err: fmt.Errorf("模型返回空响应")}
	}

	profile, err := parseProfileResponse(response.Content)
	if err != nil {
		return nil, &AIExtractionError{Stage: "parse", Err: err}
	}

	// 最小形状校验，basic_info分节必须存在
	if err := validateProfile(response.Content, profile); err != nil {
		return nil, &AIExtractionError{Stage: "parse", Err: err}
	}

	normalizeProfile(profile)
	return profile, nil
}

// parseProfileResponse 从模型输出中提取并反序列化JSON对象
// 解析失败时做一次尽力修复（转义字符串内部未转义的引号）后重试
func parseProfileResponse(content string) (*types.StructuredCandidateProfile, error) {
	processed := strings.TrimPrefix(content, "\uFEFF")

	jsonStr := extractJSONObject(processed)
	if jsonStr == "" {
		return nil, fmt.Errorf("模型输出中未找到JSON对象。原始输出: %.500s", processed)
	}

	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var profile types.StructuredCandidateProfile
	if err := json.Unmarshal([]byte(jsonStr), &profile); err != nil {
		fixedJsonStr := sanitizeJSON(jsonStr)
		if jsonErr := json.Unmarshal([]byte(fixedJsonStr), &profile); jsonErr != nil {
			return nil, fmt.Errorf("修复后仍无法反序列化模型JSON。原始错误: %w，修复后错误: %v，JSON: %.500s", err, jsonErr, jsonStr)
		}
	}
	return &profile, nil
}

// validateProfile 最小形状校验
func validateProfile(rawContent string, profile *types.StructuredCandidateProfile) error {
	// basic_info键本身必须出现在响应里，否则视为结构不完整
	if !strings.Contains(rawContent, `"basic_info"`) {
		return fmt.Errorf("模型响应缺少basic_info分节")
	}
	score := profile.AIAssessment.OverallScore
	if score < 0 || score > 100 {
		return fmt.Errorf("overall_score必须在0到100之间，实际为 %d", score)
	}
	return nil
}

// normalizeProfile 为缺失的分节填入类型正确的空值，保证下游映射不判空
func normalizeProfile(profile *types.StructuredCandidateProfile) {
	if profile.Education == nil {
		profile.Education = []types.EducationEntry{}
	}
	if profile.WorkExperience == nil {
		profile.WorkExperience = []types.WorkExperience{}
	}
	for i := range profile.WorkExperience {
		if profile.WorkExperience[i].Keyachievements == nil {
			profile.WorkExperience[i].Keyachievements = []string{}
		}
		if profile.WorkExperience[i].TechnologiesUsed == nil {
			profile.WorkExperience[i].TechnologiesUsed = []string{}
		}
	}
	if profile.Skills.Technical.Advanced == nil {
		profile.Skills.Technical.Advanced = []string{}
	}
	if profile.Skills.Technical.Intermediate == nil {
		profile.Skills.Technical.Intermediate = []string{}
	}
	if profile.Skills.Technical.Beginner == nil {
		profile.Skills.Technical.Beginner = []string{}
	}
	if profile.Skills.Soft == nil {
		profile.Skills.Soft = []string{}
	}
	if profile.Certifications == nil {
		profile.Certifications = []string{}
	}
	if profile.AIAssessment.Strengths == nil {
		profile.AIAssessment.Strengths = []string{}
	}
	if profile.AIAssessment.AreasForGrowth == nil {
		profile.AIAssessment.AreasForGrowth = []string{}
	}
}

// formatJobContext 把岗位上下文拼成提示词片段
func formatJobContext(job *types.JobContext) string {
	if job == nil {
		return "（未提供岗位上下文）"
	}
	var sb strings.Builder
	sb.WriteString("岗位名称: ")
	sb.WriteString(job.Title)
	if len(job.SkillsRequired) > 0 {
		sb.WriteString("\n要求技能: ")
		sb.WriteString(strings.Join(job.SkillsRequired, "、"))
	}
	if job.Description != "" {
		sb.WriteString("\n岗位描述:\n")
		sb.WriteString(job.Description)
	}
	return sb.String()
}

func formatLinks(links []string) string {
	if len(links) == 0 {
		return "（无）"
	}
	return "- " + strings.Join(links, "\n- ")
}

// stripControlChars 去掉除换行和制表符外的控制字符
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// truncateRunes 按字符数截断，避免切断多字节字符
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// extractJSONObject 用花括号配对从文本中提取首个完整JSON对象
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	for i := start; i < len(text); i++ {
		if text[i] == '{' {
			level++
		} else if text[i] == '}' {
			level--
			if level == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// sanitizeJSON 遍历src，把位于字符串字面量内部但并非真正结束的双引号改写为转义形式，
// 使整个JSON能够正常反序列化。
// 通过检查下一个非空白字符是否为 :, ], }, 或 , 来判断该引号是否为字符串结束。
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		if c == '"' && !escaped {
			if !inStr {
				inStr = true
				b.WriteByte(c)
			} else {
				j := i + 1
				for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
					j++
				}
				if j < len(src) && (src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}') {
					inStr = false
					b.WriteByte(c)
				} else {
					// 字符串内部未转义的引号，改写为 \"
					b.WriteString("\\\"")
				}
			}
			escaped = false

		} else if c == '\\' && !escaped {
			escaped = true
			b.WriteByte(c)

		} else {
			b.WriteByte(c)
			escaped = false
		}
	}

	return b.String()
}
