package llm

import (
	"fmt"
	"strings"

	"tesse/internal/news"
)

const summarizeContentLimit = 12000

// SummarizeArticlePrompt 构造文章摘要提示词，正文超长时截断。
// 输出契约：仅返回 JSON，字段见 ArticleSummary。
func SummarizeArticlePrompt(title, url, content string) string {
	if len(content) > summarizeContentLimit {
		content = content[:summarizeContentLimit]
	}

	var b strings.Builder
	b.WriteString("Eres un analista de mercados. Resume el articulo de forma ejecutiva y educativa, en espanol.\n\n")
	b.WriteString("DEVUELVE SOLO JSON valido con estas llaves:\n")
	b.WriteString(`{"tldr":"...","thesis":["..."],"catalysts":["..."],"risks":["..."],"tickers":["..."],"score":0-100}`)
	b.WriteString("\n\nContexto:\n")
	fmt.Fprintf(&b, "- Titulo: %s\n- URL: %s\n\n", title, url)
	b.WriteString("Contenido (puede estar truncado):\n")
	b.WriteString(content)
	return b.String()
}

// AnalysisContext 按需分析提示词的输入。
type AnalysisContext struct {
	Query      string
	Ticker     string
	MarketNews []news.NewsItem
	TickerNews []news.NewsItem
	Quote      *news.Quote
	Levels     news.Levels
	History    []Message
}

// OnDemandAnalysisPrompt 构造按需分析的消息序列：市场背景、个股新闻、
// 现价与技术位拼进用户消息，近几轮会话在前保持上下文。
func OnDemandAnalysisPrompt(ac AnalysisContext) []Message {
	system := "Eres TESSE AI, analista de mercados estilo Wall Street. " +
		"Educativo solamente, sin senales de compra/venta. Siempre en espanol. " +
		"Formato: 1) TL;DR 2) Pulso general 3) Drivers del ticker 4) Setup tecnico con escenarios e invalidacion 5) Checklist operativo 1-4h 6) Nota de riesgo."

	var b strings.Builder
	fmt.Fprintf(&b, "Consulta del cliente: %s\nTicker objetivo: %s\n\n", ac.Query, ac.Ticker)

	b.WriteString("Contexto de mercado general:\n")
	b.WriteString(newsLines(ac.MarketNews, "Sin datos de mercado general."))
	b.WriteString("\n\nNoticias del ticker:\n")
	b.WriteString(newsLines(ac.TickerNews, "Sin noticias recientes del ticker."))

	b.WriteString("\n\nPrecio actual:\n")
	if ac.Quote != nil {
		fmt.Fprintf(&b, "%.2f", ac.Quote.Price)
	} else {
		b.WriteString("N/D")
	}

	b.WriteString("\n\nSoportes detectados:\n")
	b.WriteString(levelLine(ac.Levels.Supports))
	b.WriteString("\n\nResistencias detectadas:\n")
	b.WriteString(levelLine(ac.Levels.Resistances))

	messages := make([]Message, 0, len(ac.History)+2)
	messages = append(messages, Message{Role: "system", Content: system})
	messages = append(messages, ac.History...)
	messages = append(messages, Message{Role: "user", Content: b.String()})
	return messages
}

// PulsePrompt 构造定时市场快报的消息序列。
func PulsePrompt(items []news.NewsItem) []Message {
	system := "Eres un asistente de mercados educativo en espanol. Sin asesoria financiera."

	var b strings.Builder
	b.WriteString("Crea un update de mercado conciso en espanol: TL;DR, drivers, regimen (risk-on/risk-off/mixto), escenarios y checklist.\n\nNoticias:\n")
	b.WriteString(newsLines(items, "Sin noticias recientes."))

	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}

func newsLines(items []news.NewsItem, empty string) string {
	if len(items) == 0 {
		return empty
	}
	lines := make([]string, 0, len(items))
	for i, item := range items {
		lines = append(lines, fmt.Sprintf("%d) %s (%s)", i+1, strings.TrimSpace(item.Title), strings.TrimSpace(item.Source)))
	}
	return strings.Join(lines, "\n")
}

func levelLine(levels []float64) string {
	if len(levels) == 0 {
		return "N/D"
	}
	parts := make([]string, 0, len(levels))
	for _, v := range levels {
		parts = append(parts, fmt.Sprintf("%.2f", v))
	}
	return strings.Join(parts, ", ")
}
