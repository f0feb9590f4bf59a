package llm

import (
	"encoding/json"
	"strings"
)

const (
	fallbackTLDRLimit = 400
	fallbackScore     = 50
)

// ArticleSummary 摘要的结构化 schema。
type ArticleSummary struct {
	TLDR      string   `json:"tldr"`
	Thesis    []string `json:"thesis"`
	Catalysts []string `json:"catalysts"`
	Risks     []string `json:"risks"`
	Tickers   []string `json:"tickers"`
	Score     int      `json:"score"`
}

// SummaryResult 模型输出的类型化解析结果：要么是合法 schema，要么是
// 带原始文本的降级值。解析永不报错，入库流程只会因调用本身失败而中断。
type SummaryResult struct {
	Summary ArticleSummary
	Parsed  bool
	Raw     string
}

// ParseSummary 按 schema 严格解析模型输出；解析失败时降级为
// tldr=前 400 字符、score=50 的兜底值。
func ParseSummary(raw string) SummaryResult {
	text := stripFences(strings.TrimSpace(raw))

	var summary ArticleSummary
	if err := json.Unmarshal([]byte(text), &summary); err == nil && summary.TLDR != "" {
		summary.Score = clampScore(summary.Score)
		if summary.Thesis == nil {
			summary.Thesis = []string{}
		}
		if summary.Catalysts == nil {
			summary.Catalysts = []string{}
		}
		if summary.Risks == nil {
			summary.Risks = []string{}
		}
		if summary.Tickers == nil {
			summary.Tickers = []string{}
		}
		return SummaryResult{Summary: summary, Parsed: true, Raw: raw}
	}

	tldr := raw
	if len(tldr) > fallbackTLDRLimit {
		tldr = tldr[:fallbackTLDRLimit]
	}
	return SummaryResult{
		Summary: ArticleSummary{
			TLDR:      tldr,
			Thesis:    []string{},
			Catalysts: []string{},
			Risks:     []string{},
			Tickers:   []string{},
			Score:     fallbackScore,
		},
		Raw: raw,
	}
}

// stripFences 去掉模型偶尔包裹的 markdown 代码栅栏。
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
