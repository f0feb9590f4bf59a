package news

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultMarketauxBase = "https://api.marketaux.com/v1"
	defaultFinnhubBase   = "https://finnhub.io/api/v1"
)

// NewsItem 两路新闻源归一化后的统一条目。
type NewsItem struct {
	Source      string `json:"source"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at"`
	Summary     string `json:"summary"`
}

// Quote 即时报价。
type Quote struct {
	Price float64 `json:"price"`
}

// Candle 单根日线。
type Candle struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

// MarketauxClient 访问 MarketAux 新闻接口。
type MarketauxClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewMarketauxClient 创建客户端，baseURL 为空时使用官方地址。
func NewMarketauxClient(baseURL, apiKey string, client *http.Client) *MarketauxClient {
	if baseURL == "" {
		baseURL = defaultMarketauxBase
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &MarketauxClient{baseURL: baseURL, apiKey: apiKey, client: client}
}

type marketauxArticle struct {
	Source      string `json:"source"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at"`
	Description string `json:"description"`
	Snippet     string `json:"snippet"`
}

type marketauxResponse struct {
	Data []marketauxArticle `json:"data"`
}

// LatestNews 拉取最新财经新闻并归一化。未配置 API key 时返回空列表。
func (c *MarketauxClient) LatestNews(ctx context.Context, limit int) ([]NewsItem, error) {
	if c.apiKey == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 6
	}

	params := url.Values{}
	params.Set("api_token", c.apiKey)
	params.Set("language", "en")
	params.Set("limit", strconv.Itoa(limit))

	var body marketauxResponse
	if err := getJSON(ctx, c.client, c.baseURL+"/news/all?"+params.Encode(), &body); err != nil {
		return nil, fmt.Errorf("marketaux news: %w", err)
	}

	return normalizeMarketaux(body.Data), nil
}

func normalizeMarketaux(articles []marketauxArticle) []NewsItem {
	items := make([]NewsItem, 0, len(articles))
	for _, a := range articles {
		source := a.Source
		if source == "" {
			source = "MarketAux"
		}
		summary := a.Description
		if summary == "" {
			summary = a.Snippet
		}
		items = append(items, NewsItem{
			Source:      source,
			Title:       a.Title,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
			Summary:     summary,
		})
	}
	return items
}

// FinnhubClient 访问 Finnhub 的新闻、报价与日线接口。
type FinnhubClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

// NewFinnhubClient 创建客户端，baseURL 为空时使用官方地址。
func NewFinnhubClient(baseURL, apiKey string, client *http.Client) *FinnhubClient {
	if baseURL == "" {
		baseURL = defaultFinnhubBase
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &FinnhubClient{baseURL: baseURL, apiKey: apiKey, client: client, now: time.Now}
}

type finnhubArticle struct {
	Source   string `json:"source"`
	Headline string `json:"headline"`
	URL      string `json:"url"`
	Datetime int64  `json:"datetime"`
	Summary  string `json:"summary"`
}

// LatestNews 拉取综合新闻并归一化。未配置 API key 时返回空列表。
func (c *FinnhubClient) LatestNews(ctx context.Context, limit int) ([]NewsItem, error) {
	if c.apiKey == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 6
	}

	params := url.Values{}
	params.Set("category", "general")
	params.Set("token", c.apiKey)

	var articles []finnhubArticle
	if err := getJSON(ctx, c.client, c.baseURL+"/news?"+params.Encode(), &articles); err != nil {
		return nil, fmt.Errorf("finnhub news: %w", err)
	}
	if len(articles) > limit {
		articles = articles[:limit]
	}

	return normalizeFinnhub(articles), nil
}

// CompanyNews 拉取单个标的近 days 天的新闻，最多 10 条。
func (c *FinnhubClient) CompanyNews(ctx context.Context, symbol string, days int) ([]NewsItem, error) {
	if c.apiKey == "" {
		return nil, nil
	}
	if days <= 0 {
		days = 7
	}

	to := c.now()
	from := to.AddDate(0, 0, -days)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("from", from.Format("2006-01-02"))
	params.Set("to", to.Format("2006-01-02"))
	params.Set("token", c.apiKey)

	var articles []finnhubArticle
	if err := getJSON(ctx, c.client, c.baseURL+"/company-news?"+params.Encode(), &articles); err != nil {
		return nil, fmt.Errorf("finnhub company news: %w", err)
	}
	if len(articles) > 10 {
		articles = articles[:10]
	}

	return normalizeFinnhub(articles), nil
}

type finnhubQuote struct {
	Current float64 `json:"c"`
}

// Quote 拉取即时报价，未配置 API key 时返回 nil。
func (c *FinnhubClient) Quote(ctx context.Context, symbol string) (*Quote, error) {
	if c.apiKey == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("token", c.apiKey)

	var body finnhubQuote
	if err := getJSON(ctx, c.client, c.baseURL+"/quote?"+params.Encode(), &body); err != nil {
		return nil, fmt.Errorf("finnhub quote: %w", err)
	}
	if body.Current == 0 {
		return nil, nil
	}
	return &Quote{Price: body.Current}, nil
}

type finnhubCandles struct {
	Status string    `json:"s"`
	T      []int64   `json:"t"`
	O      []float64 `json:"o"`
	H      []float64 `json:"h"`
	L      []float64 `json:"l"`
	C      []float64 `json:"c"`
	V      []float64 `json:"v"`
}

// DailyCandles 拉取近 days 天的日线，按时间升序返回。
func (c *FinnhubClient) DailyCandles(ctx context.Context, symbol string, days int) ([]Candle, error) {
	if c.apiKey == "" {
		return nil, nil
	}
	if days <= 0 {
		days = 120
	}

	to := c.now().Unix()
	from := to - int64(days)*24*60*60
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("resolution", "D")
	params.Set("from", strconv.FormatInt(from, 10))
	params.Set("to", strconv.FormatInt(to, 10))
	params.Set("token", c.apiKey)

	var body finnhubCandles
	if err := getJSON(ctx, c.client, c.baseURL+"/stock/candle?"+params.Encode(), &body); err != nil {
		return nil, fmt.Errorf("finnhub candles: %w", err)
	}
	if body.Status != "ok" {
		return nil, nil
	}

	candles := make([]Candle, 0, len(body.T))
	for i := range body.T {
		candles = append(candles, Candle{
			T: body.T[i],
			O: body.O[i],
			H: body.H[i],
			L: body.L[i],
			C: body.C[i],
			V: body.V[i],
		})
	}
	return candles, nil
}

func normalizeFinnhub(articles []finnhubArticle) []NewsItem {
	items := make([]NewsItem, 0, len(articles))
	for _, a := range articles {
		source := a.Source
		if source == "" {
			source = "Finnhub"
		}
		publishedAt := ""
		if a.Datetime > 0 {
			publishedAt = time.Unix(a.Datetime, 0).UTC().Format(time.RFC3339)
		}
		items = append(items, NewsItem{
			Source:      source,
			Title:       a.Headline,
			URL:         a.URL,
			PublishedAt: publishedAt,
			Summary:     a.Summary,
		})
	}
	return items
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
