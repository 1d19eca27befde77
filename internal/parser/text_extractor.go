package parser

import (
	"ats-pipeline-go/internal/types"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

// urlPattern 正文中的URL匹配，含裸www.前缀形式
var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[\w\-]+(?:\.[\w\-]+)+(?:[/?#][^\s"'<>\[\]{}]*)?`)

// pdfURIPattern PDF内嵌链接注释里的URI条目
var pdfURIPattern = regexp.MustCompile(`/URI\s*\(([^)]+)\)`)

// ResumeTextExtractor 简历文本提取器
// 提取永不返回错误：任何内部失败都转化为空文本结果，
// 由编排方统一走人工复核策略，而不是对提取失败做特殊分支
type ResumeTextExtractor struct {
	pdfParser  *pdf.PDFParser
	tikaURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// TextExtractorOption ResumeTextExtractor的配置选项
type TextExtractorOption func(*ResumeTextExtractor)

// WithTikaServer 配置Tika服务地址，启用后doc/docx也可解析
func WithTikaServer(serverURL string) TextExtractorOption {
	return func(e *ResumeTextExtractor) {
		e.tikaURL = strings.TrimRight(serverURL, "/")
	}
}

// WithExtractorTimeout 配置HTTP客户端超时
func WithExtractorTimeout(timeout time.Duration) TextExtractorOption {
	return func(e *ResumeTextExtractor) {
		e.httpClient.Timeout = timeout
	}
}

// NewResumeTextExtractor 创建文本提取器
// PDF本地解析不按页面分割，取整篇连续文本
func NewResumeTextExtractor(ctx context.Context, logger zerolog.Logger, options ...TextExtractorOption) (*ResumeTextExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: false,
	})
	if err != nil {
		return nil, fmt.Errorf("创建PDF解析器失败: %w", err)
	}

	extractor := &ResumeTextExtractor{
		pdfParser:  p,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
	for _, option := range options {
		option(extractor)
	}
	return extractor, nil
}

// Extract 从简历文件字节中提取纯文本和链接
// 永不返回错误，失败时返回空文本结果并记录日志
func (e *ResumeTextExtractor) Extract(ctx context.Context, data []byte, fileName string) *types.ExtractionResult {
	result := &types.ExtractionResult{Text: "", Links: []string{}}
	if len(data) == 0 {
		e.logger.Warn().Str("file", fileName).Msg("简历文件内容为空")
		return result
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	var text string
	var err error

	switch ext {
	case ".txt":
		text = string(data)
	case ".pdf":
		text, err = e.extractPDF(ctx, data, fileName)
	case ".doc", ".docx":
		text, err = e.extractViaTika(ctx, data, fileName, contentTypeForDocExt(ext))
	default:
		err = fmt.Errorf("不支持的文件格式: %s", ext)
	}

	if err != nil {
		e.logger.Warn().Err(err).Str("file", fileName).Msg("文本提取失败，按空结果处理")
		return result
	}

	result.Text = text

	// 链接来源：文档内嵌的链接注释 + 正文URL匹配，合并去重
	links := make([]string, 0, 8)
	if ext == ".pdf" {
		links = append(links, embeddedPDFLinks(data)...)
	}
	links = append(links, textLinks(text)...)
	result.Links = normalizeLinks(links)

	e.logger.Debug().Str("file", fileName).Int("chars", len(text)).Int("links", len(result.Links)).Msg("文本提取完成")
	return result
}

// extractPDF 优先走Tika，未配置时走本地PDF解析器
func (e *ResumeTextExtractor) extractPDF(ctx context.Context, data []byte, fileName string) (string, error) {
	if e.tikaURL != "" {
		return e.extractViaTika(ctx, data, fileName, "application/pdf")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	docs, err := e.pdfParser.Parse(ctx, bytes.NewReader(data), einoParser.WithURI(fileName))
	if err != nil {
		return "", fmt.Errorf("PDF解析失败: %w", err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("PDF解析未返回任何文档")
	}

	var sb strings.Builder
	for i, doc := range docs {
		sb.WriteString(doc.Content)
		if i < len(docs)-1 {
			sb.WriteString("\n\n")
		}
	}
	return sb.String(), nil
}

// extractViaTika 通过Tika服务提取纯文本，链接注释文本随正文一并返回
func (e *ResumeTextExtractor) extractViaTika(ctx context.Context, data []byte, fileName, contentType string) (string, error) {
	if e.tikaURL == "" {
		return "", fmt.Errorf("未配置Tika服务地址，无法解析 %s", fileName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, e.tikaURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("创建Tika请求失败: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/plain")
	if fileName != "" {
		req.Header.Set("X-Tika-Resource-Name", fileName)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求Tika服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tika服务返回状态码 %d", resp.StatusCode)
	}

	textBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取Tika响应失败: %w", err)
	}
	return string(textBytes), nil
}

func contentTypeForDocExt(ext string) string {
	switch ext {
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}

// embeddedPDFLinks 从PDF字节流的链接注释中提取URI
func embeddedPDFLinks(data []byte) []string {
	matches := pdfURIPattern.FindAllSubmatch(data, -1)
	links := make([]string, 0, len(matches))
	for _, m := range matches {
		links = append(links, string(m[1]))
	}
	return links
}

// textLinks 从正文中匹配URL
func textLinks(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// normalizeLinks 统一协议前缀并按首次出现顺序去重
func normalizeLinks(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, link := range links {
		link = strings.TrimRight(strings.TrimSpace(link), ".,;")
		if link == "" {
			continue
		}
		lower := strings.ToLower(link)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			link = "https://" + link
		}
		key := strings.ToLower(link)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, link)
	}
	return out
}
