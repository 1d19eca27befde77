package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"ats-pipeline-go/pkg/ratelimit"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
)

// ProviderError AI提供商返回的HTTP级错误
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("AI提供商请求失败，状态码 %d: %s", e.StatusCode, e.Body)
}

// shouldRotate 判断错误是否属于鉴权/欠费/限流类，需要轮换凭证重试
// 其余错误类别（超时、5xx等）直接向上传播，重试与否由任务队列决定
func shouldRotate(err error) bool {
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		return false
	}
	switch provErr.StatusCode {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	// 部分提供商用200外的通用状态码携带配额错误
	lower := strings.ToLower(provErr.Body)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "arrearage")
}

// FailoverNotifier 凭证切换时的运维通知回调，通知失败不影响主流程
type FailoverNotifier interface {
	NotifyCredentialFailover(ctx context.Context, fromIndex, toIndex int, reason string)
}

// RotatingChatModel OpenAI兼容的对话模型客户端，持有有序凭证列表
// 遇到可轮换错误时切换到下一个凭证（环形）并重发同一请求，每个凭证至多重试一次
type RotatingChatModel struct {
	apiURL      string
	modelName   string
	credentials []string
	current     atomic.Int64 // 进程级轮换游标，并发竞争是良性的
	httpClient  *http.Client
	limiter     *ratelimit.TokenBucket
	notifier    FailoverNotifier
	temperature float64
	maxTokens   int
}

// Option RotatingChatModel的配置选项
type Option func(*RotatingChatModel)

// WithHTTPClient 注入自定义HTTP客户端
func WithHTTPClient(client *http.Client) Option {
	return func(m *RotatingChatModel) {
		m.httpClient = client
	}
}

// WithQPMLimit 启用令牌桶限流
func WithQPMLimit(qpm int) Option {
	return func(m *RotatingChatModel) {
		if qpm > 0 {
			m.limiter = ratelimit.NewTokenBucket(qpm, 0)
		}
	}
}

// WithFailoverNotifier 设置凭证切换通知回调
func WithFailoverNotifier(notifier FailoverNotifier) Option {
	return func(m *RotatingChatModel) {
		m.notifier = notifier
	}
}

// WithSampling 设置采样参数
func WithSampling(temperature float64, maxTokens int) Option {
	return func(m *RotatingChatModel) {
		m.temperature = temperature
		m.maxTokens = maxTokens
	}
}

// NewRotatingChatModel 创建对话模型客户端
func NewRotatingChatModel(apiURL, modelName string, credentials []string, timeout time.Duration, options ...Option) (*RotatingChatModel, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("API地址不能为空")
	}
	if modelName == "" {
		return nil, fmt.Errorf("模型名不能为空")
	}
	if len(credentials) == 0 {
		return nil, fmt.Errorf("至少需要配置一个API凭证")
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	m := &RotatingChatModel{
		apiURL:      apiURL,
		modelName:   modelName,
		credentials: credentials,
		httpClient:  &http.Client{Timeout: timeout},
	}
	for _, option := range options {
		option(m)
	}
	return m, nil
}

// CredentialCount 返回配置的凭证数量
func (m *RotatingChatModel) CredentialCount() int {
	return len(m.credentials)
}

// chatCompletionRequest OpenAI兼容的请求体
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Id      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

// Generate 实现 model.BaseChatModel 接口
// 在可轮换错误上沿凭证列表环形切换，每个凭证至多尝试一次
func (m *RotatingChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	for _, opt := range options {
		_ = opt // 当前实现不消费通用选项
	}

	body, err := m.buildRequestBody(messages)
	if err != nil {
		return nil, err
	}

	var lastErr error
	tries := len(m.credentials)
	for i := 0; i < tries; i++ {
		credIndex := int(m.current.Load()) % len(m.credentials)
		response, err := m.doRequest(ctx, body, m.credentials[credIndex])
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !shouldRotate(err) || len(m.credentials) == 1 {
			return nil, err
		}

		// 轮换到下一个凭证并通知运维
		nextIndex := (credIndex + 1) % len(m.credentials)
		m.current.Store(int64(nextIndex))
		log.Warn().Int("from", credIndex).Int("to", nextIndex).Err(err).Msg("AI凭证轮换")
		if m.notifier != nil {
			m.notifier.NotifyCredentialFailover(ctx, credIndex, nextIndex, err.Error())
		}
	}

	return nil, fmt.Errorf("全部 %d 个AI凭证均失败: %w", len(m.credentials), lastErr)
}

// buildRequestBody 把eino消息转为OpenAI兼容请求体
func (m *RotatingChatModel) buildRequestBody(messages []*schema.Message) ([]byte, error) {
	reqMessages := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		reqMessages = append(reqMessages, chatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	payload := chatCompletionRequest{
		Model:       m.modelName,
		Messages:    reqMessages,
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}
	return data, nil
}

// doRequest 用指定凭证发送一次请求
func (m *RotatingChatModel) doRequest(ctx context.Context, body []byte, credential string) (*schema.Message, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("等待限流令牌失败: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &ProviderError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, fmt.Errorf("反序列化API响应失败: %w。响应体: %s", err, string(respBody))
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("API返回空choices: %s", string(respBody))
	}

	apiMessage := completion.Choices[0].Message
	content := ""
	if apiMessage.Content != nil {
		content = *apiMessage.Content
	}

	result := &schema.Message{
		Role:    schema.RoleType(apiMessage.Role),
		Content: content,
	}
	if result.Role == "" {
		result.Role = schema.Assistant
	}
	return result, nil
}

// Stream 实现 model.BaseChatModel 接口（未针对该提供商实现）
func (m *RotatingChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("RotatingChatModel 的 Stream 方法未实现")
}

// WithTools 实现 model.ToolCallingChatModel 接口
// 结构化抽取只依赖纯文本补全，不绑定工具
func (m *RotatingChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	if len(tools) > 0 {
		return nil, fmt.Errorf("RotatingChatModel 不支持工具调用")
	}
	return m, nil
}
