package pulse

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"tesse/internal/llm"
	"tesse/internal/model"
	"tesse/internal/news"
)

// Config 市场脉搏广播配置。
type Config struct {
	Cron      string `yaml:"cron" json:"cron"`
	NewsLimit int    `yaml:"news_limit" json:"news_limit"`
}

// Store 订阅者来源。
type Store interface {
	ListActiveSubscribers(ctx context.Context) ([]model.Subscriber, error)
}

// News 新闻来源。
type News interface {
	MergedNews(ctx context.Context, limit int) ([]news.NewsItem, error)
}

// LLM 文本生成接口。
type LLM interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Sink 消息投递接口。
type Sink interface {
	Send(ctx context.Context, chatID, text string) error
}

// Broadcaster 定时向活跃订阅者推送市场脉搏。订阅表只读：投递失败
// 只记日志，不改变订阅状态。
type Broadcaster struct {
	store Store
	news  News
	llm   LLM
	sink  Sink

	newsLimit int
	now       func() time.Time
	logger    *log.Logger
}

// New 创建广播器。
func New(store Store, source News, generator LLM, sink Sink, cfg Config) *Broadcaster {
	limit := cfg.NewsLimit
	if limit <= 0 {
		limit = 6
	}
	return &Broadcaster{
		store:     store,
		news:      source,
		llm:       generator,
		sink:      sink,
		newsLimit: limit,
		now:       time.Now,
		logger:    log.New(os.Stdout, "[pulse] ", log.LstdFlags),
	}
}

// Run 执行一轮广播。没有订阅者或没有新闻时整轮跳过。
func (b *Broadcaster) Run(ctx context.Context) error {
	subscribers, err := b.store.ListActiveSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	if len(subscribers) == 0 {
		b.logger.Printf("no active subscribers, skipping")
		return nil
	}

	items, err := b.news.MergedNews(ctx, b.newsLimit)
	if err != nil {
		return fmt.Errorf("fetch news: %w", err)
	}
	if len(items) == 0 {
		b.logger.Printf("no news available, skipping")
		return nil
	}

	text, err := b.llm.Complete(ctx, llm.PulsePrompt(items))
	if err != nil {
		return fmt.Errorf("generate pulse: %w", err)
	}
	message := "🌅 *Pulso de mercado*\n\n" + text

	sent := 0
	for _, sub := range subscribers {
		if b.inQuietHours(sub) {
			b.logger.Printf("chat %s in quiet hours, skipping", sub.ChatID)
			continue
		}
		if err := b.sink.Send(ctx, sub.ChatID, message); err != nil {
			b.logger.Printf("send to chat %s: %v", sub.ChatID, err)
			continue
		}
		sent++
	}
	b.logger.Printf("pulse sent to %d/%d subscribers", sent, len(subscribers))
	return nil
}

// inQuietHours 判断订阅者本地时间是否落在静音窗口内。
// 窗口允许跨午夜，例如 23 点到 8 点。
func (b *Broadcaster) inQuietHours(sub model.Subscriber) bool {
	if sub.QuietStart == sub.QuietEnd {
		return false
	}

	loc, err := time.LoadLocation(sub.Timezone)
	if err != nil {
		loc = time.UTC
	}
	hour := b.now().In(loc).Hour()

	if sub.QuietStart < sub.QuietEnd {
		return hour >= sub.QuietStart && hour < sub.QuietEnd
	}
	return hour >= sub.QuietStart || hour < sub.QuietEnd
}
