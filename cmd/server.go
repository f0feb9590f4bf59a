package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"tesse/internal/api"
	"tesse/internal/crawler"
	"tesse/internal/history"
	"tesse/internal/ingest"
	"tesse/internal/llm"
	"tesse/internal/news"
	"tesse/internal/notifier"
	"tesse/internal/pulse"
	"tesse/internal/queue"
	"tesse/internal/storage"
	"tesse/internal/worker"
)

// AppConfig 应用配置。
type AppConfig struct {
	Server   api.Config              `yaml:"server"`
	Database storage.Config          `yaml:"database"`
	News     news.Config             `yaml:"news"`
	LLM      llm.Config              `yaml:"llm"`
	Crawler  crawler.Config          `yaml:"crawler"`
	Ingest   ingest.Config           `yaml:"ingest"`
	Worker   worker.Config           `yaml:"worker"`
	Pulse    pulse.Config            `yaml:"pulse"`
	Telegram notifier.TelegramConfig `yaml:"telegram"`
	Timezone string                  `yaml:"timezone"`
}

func main() {
	once := flag.Bool("once", false, "run one ingest cycle and exit")
	doctor := flag.Bool("doctor", false, "check configuration and storage, then exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		log.Printf("load config error: %v", err)
		return
	}

	if *doctor {
		runDoctor(cfg)
		return
	}

	if cfg.LLM.APIKey == "" {
		log.Printf("llm api key missing, refusing to start")
		return
	}

	store, err := storage.NewStore(cfg.Database)
	if err != nil {
		log.Printf("init store error: %v", err)
		return
	}
	defer store.Close()

	client := &http.Client{Timeout: 15 * time.Second}
	marketaux := news.NewMarketauxClient(cfg.News.MarketauxBaseURL, cfg.News.MarketauxAPIKey, client)
	finnhub := news.NewFinnhubClient(cfg.News.FinnhubBaseURL, cfg.News.FinnhubAPIKey, client)
	aggregator := news.NewAggregator(marketaux, finnhub, finnhub, cfg.News)

	generator := llm.NewClient(cfg.LLM, nil)
	sink := buildSink(cfg.Telegram)

	investing := crawler.New(cfg.Crawler, nil)
	pipeline := ingest.New(store, ingest.InvestingCrawler{Inner: investing}, generator, cfg.Ingest)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		if err := pipeline.RunOnce(ctx); err != nil {
			log.Printf("ingest run error: %v", err)
		}
		return
	}

	jobs := queue.New(store)
	hist := history.NewRing(0)
	analyst := worker.New(jobs, aggregator, generator, sink, hist, store, cfg.Worker)
	broadcaster := pulse.New(store, aggregator, generator, sink, cfg.Pulse)

	go func() {
		if err := analyst.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("worker stopped: %v", err)
		}
	}()

	sched := cron.New(cron.WithLocation(loadLocation(cfg.Timezone)))
	addCron(sched, cronOrDefault(cfg.Ingest.Cron, "0 */4 * * *"), "ingest", func() {
		if err := pipeline.RunOnce(ctx); err != nil {
			log.Printf("scheduled ingest: %v", err)
		}
	})
	addCron(sched, cronOrDefault(cfg.Pulse.Cron, "0 7 * * *"), "pulse", func() {
		if err := broadcaster.Run(ctx); err != nil {
			log.Printf("scheduled pulse: %v", err)
		}
	})
	sched.Start()
	defer sched.Stop()

	handler := api.NewHandler(cfg.Server, jobs, store, pipeline)
	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		log.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// loadConfig 读取 CONFIG_FILE 指向的 yaml，文件内容先做环境变量展开，
// 这样密钥可以写成 ${FINNHUB_API_KEY} 而不落盘。
func loadConfig() (AppConfig, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// runDoctor 检查配置完整性与存储可用性，只打印结论。
func runDoctor(cfg AppConfig) {
	check := func(name string, ok bool) {
		state := "ok"
		if !ok {
			state = "MISSING"
		}
		fmt.Printf("%-24s %s\n", name, state)
	}
	check("llm.api_key", cfg.LLM.APIKey != "")
	check("telegram.bot_token", cfg.Telegram.BotToken != "")
	check("news.marketaux_api_key", cfg.News.MarketauxAPIKey != "")
	check("news.finnhub_api_key", cfg.News.FinnhubAPIKey != "")
	check("crawler.email", cfg.Crawler.Email != "")

	store, err := storage.NewStore(cfg.Database)
	if err != nil {
		fmt.Printf("%-24s FAILED: %v\n", "database", err)
		return
	}
	defer store.Close()
	fmt.Printf("%-24s ok\n", "database")
}

// buildSink 优先使用 Telegram，缺少 token 时降级为日志输出。
func buildSink(cfg notifier.TelegramConfig) worker.Sink {
	if cfg.BotToken == "" {
		log.Printf("telegram bot token missing, using log notifier")
		return notifier.NewLogNotifier(nil)
	}
	return notifier.NewTelegramNotifier(cfg, nil)
}

func addCron(sched *cron.Cron, spec, name string, fn func()) {
	if _, err := sched.AddFunc(spec, fn); err != nil {
		log.Printf("invalid %s cron %q: %v", name, spec, err)
	}
}

func cronOrDefault(spec, fallback string) string {
	if spec == "" {
		return fallback
	}
	return spec
}

func loadLocation(name string) *time.Location {
	if name == "" {
		name = "America/Mexico_City"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("invalid timezone %q, using UTC", name)
		return time.UTC
	}
	return loc
}
