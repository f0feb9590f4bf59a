package queue

import (
	"context"
	"fmt"
	"strings"

	"tesse/internal/model"
	"tesse/internal/resolver"
)

// Store 队列持久化接口，由 storage.Store 实现。
type Store interface {
	CreateAnalysisJob(ctx context.Context, job *model.AnalysisJob) error
	ClaimNextAnalysisJob(ctx context.Context) (*model.AnalysisJob, error)
	CompleteAnalysisJob(ctx context.Context, id uint, resultText string) error
	FailAnalysisJob(ctx context.Context, id uint, errorText string) error
}

// Queue 是分析任务队列的门面：入队时即时解析标的，认领与终态转换的
// 互斥完全交给存储层的行锁。failed 为终态，队列不做任何重试。
type Queue struct {
	store Store
}

// New 创建队列。
func New(store Store) *Queue {
	return &Queue{store: store}
}

// Enqueue 创建 pending 任务。标的解析失败不阻塞入队，处理时会再解析一次。
func (q *Queue) Enqueue(ctx context.Context, chatID, queryText string) (*model.AnalysisJob, error) {
	job := &model.AnalysisJob{
		ChatID:    strings.TrimSpace(chatID),
		QueryText: strings.TrimSpace(queryText),
	}
	if job.ChatID == "" {
		return nil, fmt.Errorf("enqueue: chat id required")
	}
	if ticker, ok := resolver.Resolve(job.QueryText); ok {
		job.Ticker = ticker
	}
	if err := q.store.CreateAnalysisJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNext 认领最老的 pending 任务，没有则返回 (nil, nil)。
func (q *Queue) ClaimNext(ctx context.Context) (*model.AnalysisJob, error) {
	return q.store.ClaimNextAnalysisJob(ctx)
}

// Complete 将 running 任务置为 completed。
func (q *Queue) Complete(ctx context.Context, id uint, resultText string) error {
	return q.store.CompleteAnalysisJob(ctx, id, resultText)
}

// Fail 将 running 任务置为 failed（终态）。
func (q *Queue) Fail(ctx context.Context, id uint, errorText string) error {
	return q.store.FailAnalysisJob(ctx, id, errorText)
}
