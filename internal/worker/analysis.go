package worker

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"tesse/internal/history"
	"tesse/internal/llm"
	"tesse/internal/model"
	"tesse/internal/news"
	"tesse/internal/resolver"

	"golang.org/x/sync/errgroup"
)

const tickerNotDetectedHint = "⚠️ No pude detectar el ticker. Intenta: `analiza PYPL` o `que esta pasando con PayPal`."

// Config 分析工作循环配置。
type Config struct {
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`
	PollJitter   string `yaml:"poll_jitter" json:"poll_jitter"`
	StaleAfter   string `yaml:"stale_after" json:"stale_after"`
	NewsLimit    int    `yaml:"news_limit" json:"news_limit"`
	CandleDays   int    `yaml:"candle_days" json:"candle_days"`
	TickerDays   int    `yaml:"ticker_news_days" json:"ticker_news_days"`
}

// Queue 任务队列接口。
type Queue interface {
	ClaimNext(ctx context.Context) (*model.AnalysisJob, error)
	Complete(ctx context.Context, id uint, resultText string) error
	Fail(ctx context.Context, id uint, errorText string) error
}

// MarketData 行情与新闻上下文来源。
type MarketData interface {
	MergedNews(ctx context.Context, limit int) ([]news.NewsItem, error)
	CompanyNews(ctx context.Context, symbol string, days int) ([]news.NewsItem, error)
	Quote(ctx context.Context, symbol string) (*news.Quote, error)
	DailyCandles(ctx context.Context, symbol string, days int) ([]news.Candle, error)
}

// LLM 文本生成接口。
type LLM interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Sink 结果投递接口，失败只记录，不重试。
type Sink interface {
	Send(ctx context.Context, chatID, text string) error
}

// StaleStore 卡死任务回收接口。
type StaleStore interface {
	FailStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Worker 单协程的分析任务循环：认领 → 并行拉上下文 → 生成 → 终态 → 通知。
// 每次空轮询按 poll_interval 加随机抖动休眠，多实例下错开认领时机。
type Worker struct {
	queue   Queue
	market  MarketData
	llm     LLM
	sink    Sink
	history *history.Ring
	stale   StaleStore

	poll       time.Duration
	jitter     time.Duration
	staleAfter time.Duration
	newsLimit  int
	candleDays int
	tickerDays int
	logger     *log.Logger
}

// New 创建 Worker，解析并补全配置。
func New(queue Queue, market MarketData, generator LLM, sink Sink, hist *history.Ring, stale StaleStore, cfg Config) *Worker {
	poll := parseDuration(cfg.PollInterval, 20*time.Second)
	jitter := parseDuration(cfg.PollJitter, 5*time.Second)
	staleAfter := parseDuration(cfg.StaleAfter, 10*time.Minute)

	newsLimit := cfg.NewsLimit
	if newsLimit <= 0 {
		newsLimit = 6
	}
	candleDays := cfg.CandleDays
	if candleDays <= 0 {
		candleDays = 120
	}
	tickerDays := cfg.TickerDays
	if tickerDays <= 0 {
		tickerDays = 7
	}

	return &Worker{
		queue:      queue,
		market:     market,
		llm:        generator,
		sink:       sink,
		history:    hist,
		stale:      stale,
		poll:       poll,
		jitter:     jitter,
		staleAfter: staleAfter,
		newsLimit:  newsLimit,
		candleDays: candleDays,
		tickerDays: tickerDays,
		logger:     log.New(os.Stdout, "[worker] ", log.LstdFlags),
	}
}

// Run 启动工作循环，直到上下文取消。任务级失败不会终止循环。
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimed, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Printf("claim error: %v", err)
		}
		if claimed {
			continue // 连续处理，清空积压后再休眠
		}

		w.sweepStale(ctx)
		if err := sleepCtx(ctx, w.nextPause()); err != nil {
			return err
		}
	}
}

// ProcessOne 认领并处理一个任务，返回是否认领到了任务。
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *model.AnalysisJob) {
	if strings.TrimSpace(job.QueryText) == "" {
		w.failJob(ctx, job, "empty_query")
		w.notify(ctx, job.ChatID, tickerNotDetectedHint)
		return
	}

	ticker := strings.ToUpper(strings.TrimSpace(job.Ticker))
	if ticker == "" {
		if resolved, ok := resolver.Resolve(job.QueryText); ok {
			ticker = resolved
		}
	}
	if ticker == "" {
		w.failJob(ctx, job, "ticker_not_detected")
		w.notify(ctx, job.ChatID, tickerNotDetectedHint)
		return
	}

	w.notify(ctx, job.ChatID, fmt.Sprintf("🛠️ Ejecutando job #%d sobre *%s*.\n📡 Buscando pulso de mercado + noticias + setup tecnico...", job.ID, ticker))

	ac := w.gatherContext(ctx, job, ticker)

	text, err := w.llm.Complete(ctx, llm.OnDemandAnalysisPrompt(ac))
	if err != nil {
		// 生成是任务的全部价值，失败即任务失败。
		w.failJob(ctx, job, err.Error())
		w.notify(ctx, job.ChatID, fmt.Sprintf("⚠️ Fallo el analisis de %s. Error: %v", ticker, err))
		return
	}

	if err := w.queue.Complete(ctx, job.ID, text); err != nil {
		w.logger.Printf("complete job %d: %v", job.ID, err)
		return
	}
	if w.history != nil {
		w.history.Append(job.ChatID, "user", job.QueryText)
		w.history.Append(job.ChatID, "assistant", text)
	}
	w.notify(ctx, job.ChatID, fmt.Sprintf("📊 *Analisis %s*\n\n%s", ticker, text))
}

// gatherContext 并行拉取市场背景、个股新闻、报价与日线；
// 任一来源失败只降级为空值，不中断任务。
func (w *Worker) gatherContext(ctx context.Context, job *model.AnalysisJob, ticker string) llm.AnalysisContext {
	var (
		marketNews []news.NewsItem
		tickerNews []news.NewsItem
		quote      *news.Quote
		candles    []news.Candle
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, err := w.market.MergedNews(gctx, w.newsLimit)
		if err != nil {
			w.logger.Printf("job %d merged news degraded: %v", job.ID, err)
			return nil
		}
		marketNews = items
		return nil
	})
	g.Go(func() error {
		items, err := w.market.CompanyNews(gctx, ticker, w.tickerDays)
		if err != nil {
			w.logger.Printf("job %d company news degraded: %v", job.ID, err)
			return nil
		}
		tickerNews = items
		return nil
	})
	g.Go(func() error {
		q, err := w.market.Quote(gctx, ticker)
		if err != nil {
			w.logger.Printf("job %d quote degraded: %v", job.ID, err)
			return nil
		}
		quote = q
		return nil
	})
	g.Go(func() error {
		c, err := w.market.DailyCandles(gctx, ticker, w.candleDays)
		if err != nil {
			w.logger.Printf("job %d candles degraded: %v", job.ID, err)
			return nil
		}
		candles = c
		return nil
	})
	_ = g.Wait()

	price := 0.0
	if quote != nil {
		price = quote.Price
	}

	var recent []llm.Message
	if w.history != nil {
		recent = w.history.Recent(job.ChatID)
	}

	return llm.AnalysisContext{
		Query:      job.QueryText,
		Ticker:     ticker,
		MarketNews: marketNews,
		TickerNews: tickerNews,
		Quote:      quote,
		Levels:     news.ComputeLevels(candles, price),
		History:    recent,
	}
}

func (w *Worker) failJob(ctx context.Context, job *model.AnalysisJob, reason string) {
	if err := w.queue.Fail(ctx, job.ID, reason); err != nil {
		w.logger.Printf("fail job %d: %v", job.ID, err)
	}
}

// notify 投递失败只记录，永不阻塞任务终态。
func (w *Worker) notify(ctx context.Context, chatID, text string) {
	if w.sink == nil {
		return
	}
	if err := w.sink.Send(ctx, chatID, text); err != nil {
		w.logger.Printf("notify chat %s: %v", chatID, err)
	}
}

func (w *Worker) sweepStale(ctx context.Context) {
	if w.stale == nil {
		return
	}
	n, err := w.stale.FailStaleJobs(ctx, w.staleAfter)
	if err != nil {
		w.logger.Printf("stale sweep: %v", err)
		return
	}
	if n > 0 {
		w.logger.Printf("stale sweep: failed %d stuck jobs", n)
	}
}

func (w *Worker) nextPause() time.Duration {
	pause := w.poll
	if w.jitter > 0 {
		pause += time.Duration(rand.Int63n(int64(w.jitter)))
	}
	return pause
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
