// Package knowledge 提供监督审计使用的处置手册，为标记与偏差报告生成整改文本。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义处置手册检索的通用接口。
type Provider interface {
	Query(topic, detail string) []Snippet
}

// Snippet 是一条处置建议。
type Snippet struct {
	Topic    string   `json:"topic" yaml:"topic"`
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// Playbook 是基于静态条目的处置手册。
type Playbook struct {
	items      []Snippet
	maxResults int
}

// NewPlaybook 创建处置手册；items 为空时使用内置条目。
func NewPlaybook(items []Snippet, maxResults int) *Playbook {
	if maxResults <= 0 {
		maxResults = 3
	}
	if len(items) == 0 {
		items = DefaultSnippets()
	}
	return &Playbook{items: items, maxResults: maxResults}
}

// LoadPlaybook 从 JSON 或 YAML 文件加载条目，路径为空时返回内置手册。
func LoadPlaybook(path string, maxResults int) (*Playbook, error) {
	if strings.TrimSpace(path) == "" {
		return NewPlaybook(nil, maxResults), nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析处置手册路径失败: %w", err)
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取处置手册失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &entries)
	default:
		err = json.Unmarshal(raw, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析处置手册失败: %w", err)
	}
	return NewPlaybook(entries, maxResults), nil
}

// Query 返回主题匹配且关键词命中 detail 的条目；无关键词的条目视为该主题的通用建议。
func (p *Playbook) Query(topic, detail string) []Snippet {
	if p == nil {
		return nil
	}
	topic = strings.ToLower(strings.TrimSpace(topic))
	detail = strings.ToLower(strings.TrimSpace(detail))

	var specific, generic []Snippet
	for _, item := range p.items {
		if strings.ToLower(item.Topic) != topic {
			continue
		}
		if len(item.Keywords) == 0 {
			generic = append(generic, item)
			continue
		}
		if matches(item, detail) {
			specific = append(specific, item)
		}
	}
	results := append(specific, generic...)
	if len(results) > p.maxResults {
		results = results[:p.maxResults]
	}
	return results
}

// Remediation 返回首条匹配建议的正文，无匹配时给出兜底文本。
func (p *Playbook) Remediation(topic, detail string) string {
	if hits := p.Query(topic, detail); len(hits) > 0 {
		return hits[0].Content
	}
	return fmt.Sprintf("人工复核 %s 相关决策并收紧策略阈值", topic)
}

func matches(snippet Snippet, detail string) bool {
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(detail, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*Playbook)(nil)
