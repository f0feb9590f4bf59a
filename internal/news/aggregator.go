package news

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Config 新闻聚合配置。
type Config struct {
	MarketauxBaseURL string `yaml:"marketaux_base_url" json:"marketaux_base_url"`
	MarketauxAPIKey  string `yaml:"marketaux_api_key" json:"marketaux_api_key"`
	FinnhubBaseURL   string `yaml:"finnhub_base_url" json:"finnhub_base_url"`
	FinnhubAPIKey    string `yaml:"finnhub_api_key" json:"finnhub_api_key"`
	CacheTTL         string `yaml:"cache_ttl" json:"cache_ttl"`
	FetchLimit       int    `yaml:"fetch_limit" json:"fetch_limit"`
}

// Feed 统一的新闻源接口，便于测试替换。
type Feed interface {
	LatestNews(ctx context.Context, limit int) ([]NewsItem, error)
}

// SymbolData 按标的查询报价、日线与个股新闻。
type SymbolData interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
	DailyCandles(ctx context.Context, symbol string, days int) ([]Candle, error)
	CompanyNews(ctx context.Context, symbol string, days int) ([]NewsItem, error)
}

// Aggregator 聚合两路新闻源并维护一个带新鲜度窗口的缓存槽。
// 窗口内的请求直接返回缓存切片，不触发任何上游调用；过期后由
// singleflight 保证同一时刻只有一次并发刷新，刷新完成后整槽替换。
// 按标的的报价/日线/个股新闻不走缓存，每次任务现拉。
type Aggregator struct {
	primary   Feed
	secondary Feed
	symbols   SymbolData
	ttl       time.Duration
	limit     int
	now       func() time.Time
	logger    *log.Logger

	group     singleflight.Group
	mu        sync.Mutex
	items     []NewsItem
	fetchedAt time.Time
}

// NewAggregator 创建聚合器。primary 的条目排在 secondary 之前。
func NewAggregator(primary, secondary Feed, symbols SymbolData, cfg Config) *Aggregator {
	ttl := 5 * time.Minute
	if cfg.CacheTTL != "" {
		if d, err := time.ParseDuration(cfg.CacheTTL); err == nil && d > 0 {
			ttl = d
		}
	}
	limit := cfg.FetchLimit
	if limit <= 0 {
		limit = 6
	}

	return &Aggregator{
		primary:   primary,
		secondary: secondary,
		symbols:   symbols,
		ttl:       ttl,
		limit:     limit,
		now:       time.Now,
		logger:    log.New(os.Stdout, "[news] ", log.LstdFlags),
	}
}

// MergedNews 返回最多 limit 条合并后的新闻，窗口内走缓存。
func (a *Aggregator) MergedNews(ctx context.Context, limit int) ([]NewsItem, error) {
	if limit <= 0 {
		limit = a.limit
	}

	if items, ok := a.cached(); ok {
		return clip(items, limit), nil
	}

	v, err, _ := a.group.Do("merged-news", func() (any, error) {
		// 排队等锁期间可能已有刷新完成，先复查。
		if items, ok := a.cached(); ok {
			return items, nil
		}
		return a.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	return clip(v.([]NewsItem), limit), nil
}

// Quote 即时报价，未知标的或源不可用时返回 nil。
func (a *Aggregator) Quote(ctx context.Context, symbol string) (*Quote, error) {
	return a.symbols.Quote(ctx, symbol)
}

// DailyCandles 近 days 天日线，时间升序。
func (a *Aggregator) DailyCandles(ctx context.Context, symbol string, days int) ([]Candle, error) {
	return a.symbols.DailyCandles(ctx, symbol, days)
}

// CompanyNews 标的近 days 天的新闻。
func (a *Aggregator) CompanyNews(ctx context.Context, symbol string, days int) ([]NewsItem, error) {
	return a.symbols.CompanyNews(ctx, symbol, days)
}

func (a *Aggregator) cached() ([]NewsItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.items) > 0 && a.now().Sub(a.fetchedAt) < a.ttl {
		return a.items, true
	}
	return nil, false
}

// refresh 并行拉取两路新闻源；单路失败只降级为空列表，不影响另一路。
func (a *Aggregator) refresh(ctx context.Context) ([]NewsItem, error) {
	fetchLimit := a.limit

	var primaryItems, secondaryItems []NewsItem
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, err := a.primary.LatestNews(gctx, fetchLimit)
		if err != nil {
			a.logger.Printf("primary feed degraded: %v", err)
			return nil
		}
		primaryItems = items
		return nil
	})
	g.Go(func() error {
		items, err := a.secondary.LatestNews(gctx, fetchLimit)
		if err != nil {
			a.logger.Printf("secondary feed degraded: %v", err)
			return nil
		}
		secondaryItems = items
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeNews(primaryItems, secondaryItems)

	a.mu.Lock()
	a.items = merged
	a.fetchedAt = a.now()
	a.mu.Unlock()

	return merged, nil
}

// mergeNews 合并两路条目并去重：键优先取 URL，无 URL 时退化为标题，
// 保留首次出现的顺序。
func mergeNews(primary, secondary []NewsItem) []NewsItem {
	seen := make(map[string]struct{}, len(primary)+len(secondary))
	merged := make([]NewsItem, 0, len(primary)+len(secondary))

	for _, item := range append(append([]NewsItem{}, primary...), secondary...) {
		key := item.URL
		if key == "" {
			key = item.Title
		}
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, item)
	}

	return merged
}

func clip(items []NewsItem, limit int) []NewsItem {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
