package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TelegramConfig Telegram Bot API 配置。
type TelegramConfig struct {
	APIBase  string `yaml:"api_base" json:"api_base"`
	BotToken string `yaml:"bot_token" json:"bot_token"`
}

// TelegramNotifier 通过 Bot API 把文本发回发起会话。
type TelegramNotifier struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramNotifier 创建通知器，APIBase 为空时使用官方地址。
func NewTelegramNotifier(cfg TelegramConfig, client *http.Client) *TelegramNotifier {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TelegramNotifier{cfg: cfg, client: client}
}

// Send 发送 Markdown 文本到指定会话。
func (n *TelegramNotifier) Send(ctx context.Context, chatID, text string) error {
	if n.cfg.BotToken == "" {
		return fmt.Errorf("telegram bot token missing")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(n.cfg.APIBase, "/"), n.cfg.BotToken)
	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", text)
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram http %d", resp.StatusCode)
	}
	return nil
}
