package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 为抽取提示词提供领域知识片段。
type Provider interface {
	Query(documentType, text string) []Snippet
}

// Snippet 描述一段可拼接进提示词的知识。
// DocumentTypes 为空表示适用于所有类型；Keywords 非空时要求正文命中至少一个关键词。
type Snippet struct {
	Title         string   `json:"title" yaml:"title"`
	Content       string   `json:"content" yaml:"content"`
	Keywords      []string `json:"keywords" yaml:"keywords"`
	DocumentTypes []string `json:"document_types" yaml:"document_types"`
}

// Render 以 "标题: 内容" 的形式输出片段。
func (s Snippet) Render() string {
	if s.Title == "" {
		return s.Content
	}
	return s.Title + ": " + s.Content
}

// StaticProvider 基于内存列表做简单匹配。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载知识条目，按扩展名判断格式。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回适用于该文档类型且关键词命中正文的片段，最多 maxResults 条。
func (p *StaticProvider) Query(documentType, text string) []Snippet {
	if p == nil {
		return nil
	}

	documentType = strings.ToLower(strings.TrimSpace(documentType))
	text = strings.ToLower(text)

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, documentType, text) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

// Contents 是 Query 的便捷形式，返回渲染后的文本。
func Contents(p Provider, documentType, text string) []string {
	if p == nil {
		return nil
	}
	snippets := p.Query(documentType, text)
	out := make([]string, 0, len(snippets))
	for _, s := range snippets {
		out = append(out, s.Render())
	}
	return out
}

func matches(snippet Snippet, documentType, text string) bool {
	if len(snippet.DocumentTypes) > 0 {
		typed := false
		for _, t := range snippet.DocumentTypes {
			if strings.ToLower(strings.TrimSpace(t)) == documentType {
				typed = true
				break
			}
		}
		if !typed {
			return false
		}
	}
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(text, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
