package crawler

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
)

const (
	selSignInTrigger = `a[href*='sign-in'], a[href*='login']`
	selEmail         = `input[type='email']`
	selPassword      = `input[type='password']`
	selSubmit        = `button[type='submit']`
	selArticleLinks  = `a[href*='/analysis/'], a[data-test*='article'], a[href*='news/']`
	selArticleTitle  = `h1`
	selArticleBody   = `article, main`
	selAuthor        = `[class*='author'], [data-test*='author']`

	minCandidateText = 20
)

// Config 爬取配置。Email/Password 缺省时降级为匿名浏览。
type Config struct {
	HomeURL     string `yaml:"home_url" json:"home_url"`
	ListingURL  string `yaml:"listing_url" json:"listing_url"`
	Email       string `yaml:"email" json:"email"`
	Password    string `yaml:"password" json:"password"`
	MaxArticles int    `yaml:"max_articles" json:"max_articles"`
	NavTimeout  string `yaml:"nav_timeout" json:"nav_timeout"`
}

// Candidate 列表页上的候选文章链接。
type Candidate struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// Article 抽取后的文章数据。
type Article struct {
	Title       string
	Body        string
	Author      string
	PublishedAt string
}

// Investing 基于无头浏览器抓取 investing.com 的分析文章。
type Investing struct {
	cfg    Config
	logger *log.Logger
}

// New 创建爬取器并补全默认配置。
func New(cfg Config, logger *log.Logger) *Investing {
	if cfg.HomeURL == "" {
		cfg.HomeURL = "https://www.investing.com/"
	}
	if cfg.ListingURL == "" {
		cfg.ListingURL = "https://www.investing.com/analysis/"
	}
	if cfg.MaxArticles <= 0 {
		cfg.MaxArticles = 8
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[crawler] ", log.LstdFlags)
	}
	return &Investing{cfg: cfg, logger: logger}
}

// Session 一次执行期间共享的浏览器会话，登录态在会话内保持。
type Session struct {
	ctx     context.Context
	cancels []context.CancelFunc
	cfg     Config
	logger  *log.Logger
	timeout time.Duration
}

// OpenSession 启动无头浏览器。调用方负责 Close。
func (c *Investing) OpenSession(ctx context.Context) (*Session, error) {
	timeout := 45 * time.Second
	if c.cfg.NavTimeout != "" {
		if d, err := time.ParseDuration(c.cfg.NavTimeout); err == nil && d > 0 {
			timeout = d
		}
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// 先空跑一次确保浏览器真正启动。
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &Session{
		ctx:     browserCtx,
		cancels: []context.CancelFunc{cancelBrowser, cancelAlloc},
		cfg:     c.cfg,
		logger:  c.logger,
		timeout: timeout,
	}, nil
}

// Close 关闭浏览器会话。
func (s *Session) Close() {
	for _, cancel := range s.cancels {
		cancel()
	}
}

// EnsureLogin 尽力登录目标站点：缺少凭据或登录失败只记日志并降级为
// 匿名浏览，永不中断流水线。
func (s *Session) EnsureLogin(ctx context.Context) error {
	if s.cfg.Email == "" || s.cfg.Password == "" {
		s.logger.Printf("no credentials configured, browsing anonymously")
		return nil
	}

	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	var hasTrigger bool
	err := chromedp.Run(runCtx,
		chromedp.Navigate(s.cfg.HomeURL),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, selSignInTrigger), &hasTrigger),
	)
	if err != nil {
		s.logger.Printf("login skipped: %v", err)
		return nil
	}
	if !hasTrigger {
		s.logger.Printf("session already active or login not required")
		return nil
	}

	err = chromedp.Run(runCtx,
		chromedp.Click(selSignInTrigger, chromedp.NodeVisible),
		chromedp.WaitVisible(selEmail),
		chromedp.SendKeys(selEmail, s.cfg.Email),
		chromedp.SendKeys(selPassword, s.cfg.Password),
		chromedp.Click(selSubmit),
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		s.logger.Printf("login not completed: %v", err)
		return nil
	}

	s.logger.Printf("login executed")
	return nil
}

// Candidates 从列表页收集候选文章链接：过滤站外与过短文案，按归一化
// URL 批内去重，最多返回 MaxArticles 条。
func (s *Session) Candidates(ctx context.Context) ([]Candidate, error) {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	var raw []Candidate
	script := fmt.Sprintf(
		`Array.from(document.querySelectorAll(%q)).map(a => ({href: a.href, text: (a.textContent || '').trim()}))`,
		selArticleLinks,
	)
	err := chromedp.Run(runCtx,
		chromedp.Navigate(s.cfg.ListingURL),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(script, &raw),
	)
	if err != nil {
		return nil, fmt.Errorf("collect candidates: %w", err)
	}

	return FilterCandidates(raw, s.cfg.MaxArticles), nil
}

// Article 渲染文章页并抽取标题、正文、作者与发布时间。
func (s *Session) Article(ctx context.Context, href string) (Article, error) {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(href),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return Article{}, fmt.Errorf("render article: %w", err)
	}

	return extractArticle(html)
}

func (s *Session) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx := s.ctx
	if ctx != nil {
		// 外层取消要能穿透到浏览器操作。
		var cancel context.CancelFunc
		runCtx, cancel = mergeCancel(s.ctx, ctx)
		timeoutCtx, timeoutCancel := context.WithTimeout(runCtx, s.timeout)
		return timeoutCtx, func() {
			timeoutCancel()
			cancel()
		}
	}
	return context.WithTimeout(runCtx, s.timeout)
}

func mergeCancel(base, watch context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(base)
	stop := context.AfterFunc(watch, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// FilterCandidates 候选清洗：只保留站内链接与足够长的文案，
// 按归一化 URL 去重并截断到 max。
func FilterCandidates(raw []Candidate, max int) []Candidate {
	seen := make(map[string]struct{}, len(raw))
	out := make([]Candidate, 0, max)
	for _, cand := range raw {
		if cand.Href == "" || len(cand.Text) < minCandidateText {
			continue
		}
		if !IsInvestingURL(cand.Href) {
			continue
		}
		clean := NormalizeURL(cand.Href)
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, Candidate{Href: clean, Text: cand.Text})
		if len(out) >= max {
			break
		}
	}
	return out
}

func extractArticle(html string) (Article, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Article{}, fmt.Errorf("parse article html: %w", err)
	}

	title := strings.TrimSpace(doc.Find(selArticleTitle).First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	body := strings.TrimSpace(doc.Find(selArticleBody).First().Text())
	if body == "" {
		body = strings.TrimSpace(doc.Find("body").Text())
	}

	author := strings.TrimSpace(doc.Find(selAuthor).First().Text())

	published := ""
	if t := doc.Find("time").First(); t.Length() > 0 {
		if attr, ok := t.Attr("datetime"); ok && attr != "" {
			published = strings.TrimSpace(attr)
		} else {
			published = strings.TrimSpace(t.Text())
		}
	}

	return Article{Title: title, Body: body, Author: author, PublishedAt: published}, nil
}
