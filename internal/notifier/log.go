package notifier

import (
	"context"
	"log"
	"os"
)

// LogNotifier 只打印消息，适合开发阶段或未配置 bot token 时使用。
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier 创建日志通知器，未提供 logger 时默认输出到标准输出。
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}
	return &LogNotifier{logger: logger}
}

// Send 将消息打印到日志。
func (n *LogNotifier) Send(ctx context.Context, chatID, text string) error {
	n.logger.Printf("chat=%s message=%q", chatID, text)
	return nil
}
