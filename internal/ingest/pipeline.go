package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"tesse/internal/crawler"
	"tesse/internal/llm"
	"tesse/internal/model"
)

const workerName = "investing_research"

// Config 内容采集配置。
type Config struct {
	Cron         string `yaml:"cron" json:"cron"`
	Source       string `yaml:"source" json:"source"`
	MinBodyChars int    `yaml:"min_body_chars" json:"min_body_chars"`
}

// Store 采集结果与运行记录的持久化接口。
type Store interface {
	HasResearchURL(ctx context.Context, url string) (bool, error)
	InsertResearchItem(ctx context.Context, item *model.ResearchItem) (bool, error)
	StartWorkerRun(ctx context.Context, name string) (*model.WorkerRun, error)
	FinishWorkerRun(ctx context.Context, id uint, status model.RunStatus, processed, inserted int, errorText string) error
}

// Crawler 文章来源，由 crawler.Investing 实现。
type Crawler interface {
	OpenSession(ctx context.Context) (CrawlSession, error)
}

// CrawlSession 单次采集会话。
type CrawlSession interface {
	EnsureLogin(ctx context.Context) error
	Candidates(ctx context.Context) ([]crawler.Candidate, error)
	Article(ctx context.Context, href string) (crawler.Article, error)
	Close()
}

// InvestingCrawler 把 crawler.Investing 适配成 Crawler 接口。
type InvestingCrawler struct {
	Inner *crawler.Investing
}

// OpenSession 打开一个浏览器会话。
func (c InvestingCrawler) OpenSession(ctx context.Context) (CrawlSession, error) {
	session, err := c.Inner.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Summarizer 文章摘要生成接口。
type Summarizer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Pipeline 把文章列表页变成可审阅的研究条目：
// 抓列表 → URL 归一去重 → 抓正文 → 摘要 → 落库。
// 单篇文章的失败只跳过该篇，整轮的失败记入运行记录。
type Pipeline struct {
	store      Store
	crawler    Crawler
	summarizer Summarizer

	source       string
	minBodyChars int
	logger       *log.Logger
}

// New 创建采集管线，补全配置默认值。
func New(store Store, cr Crawler, summarizer Summarizer, cfg Config) *Pipeline {
	source := cfg.Source
	if source == "" {
		source = "InvestingPro"
	}
	minBody := cfg.MinBodyChars
	if minBody <= 0 {
		minBody = 200
	}
	return &Pipeline{
		store:        store,
		crawler:      cr,
		summarizer:   summarizer,
		source:       source,
		minBodyChars: minBody,
		logger:       log.New(os.Stdout, "[ingest] ", log.LstdFlags),
	}
}

// RunOnce 执行一轮采集并记录 WorkerRun。返回错误时运行记录已置为 failed。
func (p *Pipeline) RunOnce(ctx context.Context) error {
	run, err := p.store.StartWorkerRun(ctx, workerName)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	processed, inserted, runErr := p.crawl(ctx)
	status := model.RunStatusSuccess
	errorText := ""
	if runErr != nil {
		status = model.RunStatusFailed
		errorText = runErr.Error()
		p.logger.Printf("run %d failed: %v", run.ID, runErr)
	}
	if err := p.store.FinishWorkerRun(ctx, run.ID, status, processed, inserted, errorText); err != nil {
		p.logger.Printf("finish run %d: %v", run.ID, err)
	}
	if runErr != nil {
		return runErr
	}

	p.logger.Printf("run %d done: processed=%d inserted=%d", run.ID, processed, inserted)
	return nil
}

func (p *Pipeline) crawl(ctx context.Context) (processed, inserted int, err error) {
	session, err := p.crawler.OpenSession(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	if err := session.EnsureLogin(ctx); err != nil {
		// 登录是尽力而为，匿名也能看到公开文章。
		p.logger.Printf("login degraded: %v", err)
	}

	candidates, err := session.Candidates(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list candidates: %w", err)
	}
	p.logger.Printf("found %d candidates", len(candidates))

	for _, cand := range candidates {
		select {
		case <-ctx.Done():
			return processed, inserted, ctx.Err()
		default:
		}

		url := crawler.NormalizeURL(cand.Href)
		seen, err := p.store.HasResearchURL(ctx, url)
		if err != nil {
			return processed, inserted, fmt.Errorf("dedup check: %w", err)
		}
		if seen {
			continue
		}
		processed++

		ok, err := p.ingestArticle(ctx, session, url)
		if err != nil {
			// 单篇失败不拖垮整轮。
			p.logger.Printf("article %s skipped: %v", url, err)
			continue
		}
		if ok {
			inserted++
		}
	}
	return processed, inserted, nil
}

func (p *Pipeline) ingestArticle(ctx context.Context, session CrawlSession, url string) (bool, error) {
	article, err := session.Article(ctx, url)
	if err != nil {
		return false, fmt.Errorf("fetch article: %w", err)
	}

	body := strings.TrimSpace(article.Body)
	if len(body) < p.minBodyChars {
		p.logger.Printf("article %s body too short (%d chars)", url, len(body))
		return false, nil
	}

	prompt := []llm.Message{{Role: "user", Content: llm.SummarizeArticlePrompt(article.Title, url, body)}}
	raw, err := p.summarizer.Complete(ctx, prompt)
	if err != nil {
		return false, fmt.Errorf("summarize: %w", err)
	}
	result := llm.ParseSummary(raw)
	if !result.Parsed {
		p.logger.Printf("article %s summary fallback used", url)
	}

	item := &model.ResearchItem{
		Source:      p.source,
		Title:       article.Title,
		URL:         url,
		Author:      article.Author,
		PublishedAt: article.PublishedAt,
		Summary:     result.Summary.TLDR,
		Tickers:     result.Summary.Tickers,
		Thesis:      result.Summary.Thesis,
		Catalysts:   result.Summary.Catalysts,
		Risks:       result.Summary.Risks,
		Score:       result.Summary.Score,
	}
	if item.Title == "" {
		item.Title = url
	}

	created, err := p.store.InsertResearchItem(ctx, item)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	return created, nil
}
