package parser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTextExtractor(t *testing.T, options ...TextExtractorOption) *ResumeTextExtractor {
	t.Helper()
	extractor, err := NewResumeTextExtractor(context.Background(), zerolog.Nop(), options...)
	require.NoError(t, err)
	return extractor
}

// TestExtractPlainText txt文件直接透传，正文URL被收集
func TestExtractPlainText(t *testing.T) {
	extractor := newTestTextExtractor(t)
	content := "张伟，后端工程师。\n个人主页: https://example.com/zhangwei\nGitHub: www.github.com/zhangwei"

	result := extractor.Extract(context.Background(), []byte(content), "resume.txt")
	assert.Equal(t, content, result.Text)
	assert.Equal(t, []string{"https://example.com/zhangwei", "https://www.github.com/zhangwei"}, result.Links)
}

// TestExtractEmptyData 空文件返回空结果而非错误
func TestExtractEmptyData(t *testing.T) {
	extractor := newTestTextExtractor(t)

	result := extractor.Extract(context.Background(), nil, "resume.pdf")
	require.NotNil(t, result)
	assert.Empty(t, result.Text)
	assert.NotNil(t, result.Links)
	assert.Empty(t, result.Links)
}

// TestExtractUnsupportedFormat 不支持的扩展名按空结果处理
func TestExtractUnsupportedFormat(t *testing.T) {
	extractor := newTestTextExtractor(t)

	result := extractor.Extract(context.Background(), []byte("some bytes"), "resume.xlsx")
	require.NotNil(t, result)
	assert.Empty(t, result.Text)
	assert.Empty(t, result.Links)
}

// TestExtractCorruptPDFNeverErrors 损坏的PDF字节也不会让提取报错
func TestExtractCorruptPDFNeverErrors(t *testing.T) {
	extractor := newTestTextExtractor(t)

	result := extractor.Extract(context.Background(), []byte("这不是一个PDF"), "resume.pdf")
	require.NotNil(t, result)
	assert.Empty(t, result.Text)
}

// TestExtractDocxViaTika docx走Tika服务提取
func TestExtractDocxViaTika(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		assert.Equal(t, "text/plain", r.Header.Get("Accept"))
		assert.Equal(t, "resume.docx", r.Header.Get("X-Tika-Resource-Name"))
		fmt.Fprint(w, "李娜，产品经理\n邮箱主页 https://linkedin.com/in/lina")
	}))
	defer server.Close()

	extractor := newTestTextExtractor(t, WithTikaServer(server.URL))
	result := extractor.Extract(context.Background(), []byte("PK\x03\x04"), "resume.docx")

	assert.Contains(t, result.Text, "李娜")
	assert.Equal(t, []string{"https://linkedin.com/in/lina"}, result.Links)
}

// TestExtractDocWithoutTika 未配置Tika时doc文件按空结果处理
func TestExtractDocWithoutTika(t *testing.T) {
	extractor := newTestTextExtractor(t)

	result := extractor.Extract(context.Background(), []byte("\xd0\xcf\x11\xe0"), "resume.doc")
	require.NotNil(t, result)
	assert.Empty(t, result.Text)
}

// TestExtractTikaServerError Tika返回5xx时降级为空结果
func TestExtractTikaServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	extractor := newTestTextExtractor(t, WithTikaServer(server.URL))
	result := extractor.Extract(context.Background(), []byte("PK\x03\x04"), "resume.docx")
	assert.Empty(t, result.Text)
}

// TestEmbeddedPDFLinks 从PDF链接注释字节中提取URI
func TestEmbeddedPDFLinks(t *testing.T) {
	raw := []byte(`<< /Type /Annot /Subtype /Link /A << /S /URI /URI (https://github.com/janedoe) >> >>` +
		`<< /A << /S /URI /URI (mailto:jane@example.com) >> >>`)

	links := embeddedPDFLinks(raw)
	assert.Equal(t, []string{"https://github.com/janedoe", "mailto:jane@example.com"}, links)
}

// TestTextLinks 正文URL匹配覆盖协议前缀与裸www形式
func TestTextLinks(t *testing.T) {
	text := "主页 https://example.com/a?x=1 博客 www.blog.cn/posts 普通文字 notaurl"
	assert.Equal(t, []string{"https://example.com/a?x=1", "www.blog.cn/posts"}, textLinks(text))
}

// TestNormalizeLinks 去重保序，裸www补协议，尾部标点清理
func TestNormalizeLinks(t *testing.T) {
	input := []string{
		"https://github.com/janedoe.",
		"www.github.com/janedoe",
		"HTTPS://GitHub.com/JaneDoe",
		"https://github.com/janedoe",
		"www.example.com/page,",
		"  ",
	}

	// 大小写不同的重复链接按首次出现的写法保留
	out := normalizeLinks(input)
	assert.Equal(t, []string{
		"https://github.com/janedoe",
		"https://www.github.com/janedoe",
		"https://www.example.com/page",
	}, out)
}
