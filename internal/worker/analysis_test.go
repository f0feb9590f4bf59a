package worker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"tesse/internal/history"
	"tesse/internal/llm"
	"tesse/internal/model"
	"tesse/internal/news"
)

type stubQueue struct {
	job       *model.AnalysisJob
	completed map[uint]string
	failed    map[uint]string
}

func newStubQueue(job *model.AnalysisJob) *stubQueue {
	return &stubQueue{job: job, completed: map[uint]string{}, failed: map[uint]string{}}
}

func (q *stubQueue) ClaimNext(ctx context.Context) (*model.AnalysisJob, error) {
	job := q.job
	q.job = nil
	if job != nil {
		job.Status = model.JobStatusRunning
		job.Attempts++
	}
	return job, nil
}

func (q *stubQueue) Complete(ctx context.Context, id uint, resultText string) error {
	q.completed[id] = resultText
	return nil
}

func (q *stubQueue) Fail(ctx context.Context, id uint, errorText string) error {
	q.failed[id] = errorText
	return nil
}

type stubMarket struct {
	quoteErr error
}

func (m *stubMarket) MergedNews(ctx context.Context, limit int) ([]news.NewsItem, error) {
	return []news.NewsItem{{Title: "Fed holds", Source: "Reuters", URL: "https://r/1"}}, nil
}

func (m *stubMarket) CompanyNews(ctx context.Context, symbol string, days int) ([]news.NewsItem, error) {
	return []news.NewsItem{{Title: symbol + " beats", Source: "Finnhub", URL: "https://f/1"}}, nil
}

func (m *stubMarket) Quote(ctx context.Context, symbol string) (*news.Quote, error) {
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	return &news.Quote{Price: 100}, nil
}

func (m *stubMarket) DailyCandles(ctx context.Context, symbol string, days int) ([]news.Candle, error) {
	return []news.Candle{{H: 105, L: 95}, {H: 110, L: 90}}, nil
}

type stubLLM struct {
	response string
	err      error
	prompts  [][]llm.Message
}

func (l *stubLLM) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	l.prompts = append(l.prompts, messages)
	if l.err != nil {
		return "", l.err
	}
	return l.response, nil
}

type stubSink struct {
	sent []string
	err  error
}

func (s *stubSink) Send(ctx context.Context, chatID, text string) error {
	s.sent = append(s.sent, text)
	return s.err
}

func TestProcessOneCompletesJob(t *testing.T) {
	t.Parallel()

	job := &model.AnalysisJob{ID: 1, ChatID: "chat-1", QueryText: "analiza PYPL", Ticker: "PYPL"}
	q := newStubQueue(job)
	generator := &stubLLM{response: "analisis completo"}
	sink := &stubSink{}
	hist := history.NewRing(0)

	w := New(q, &stubMarket{}, generator, sink, hist, nil, Config{})
	claimed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne error: %v", err)
	}
	if !claimed {
		t.Fatal("expected a claimed job")
	}

	if q.completed[1] != "analisis completo" {
		t.Fatalf("completed jobs = %v", q.completed)
	}
	if len(q.failed) != 0 {
		t.Fatalf("unexpected failures %v", q.failed)
	}

	// Progress notice plus final result.
	if len(sink.sent) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(sink.sent))
	}
	if !strings.Contains(sink.sent[1], "analisis completo") {
		t.Fatalf("final notification = %q", sink.sent[1])
	}

	// The exchange lands in chat history for the next turn.
	recent := hist.Recent("chat-1")
	if len(recent) != 2 || recent[0].Role != "user" || recent[1].Role != "assistant" {
		t.Fatalf("unexpected history %+v", recent)
	}

	// The prompt carried the market context gathered in parallel.
	prompt := generator.prompts[0][len(generator.prompts[0])-1].Content
	for _, want := range []string{"PYPL", "Fed holds", "100.00", "105.00", "95.00"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestProcessOneUnresolvedTickerFails(t *testing.T) {
	t.Parallel()

	job := &model.AnalysisJob{ID: 2, ChatID: "chat-1", QueryText: "QUE PASA"}
	q := newStubQueue(job)
	sink := &stubSink{}

	w := New(q, &stubMarket{}, &stubLLM{response: "x"}, sink, nil, nil, Config{})
	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne error: %v", err)
	}

	if q.failed[2] != "ticker_not_detected" {
		t.Fatalf("failed jobs = %v", q.failed)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if len(sink.sent) != 1 || !strings.Contains(sink.sent[0], "No pude detectar") {
		t.Fatalf("expected guidance message, got %v", sink.sent)
	}
}

func TestProcessOneEmptyQueryFails(t *testing.T) {
	t.Parallel()

	job := &model.AnalysisJob{ID: 3, ChatID: "chat-1", QueryText: "   "}
	q := newStubQueue(job)

	w := New(q, &stubMarket{}, &stubLLM{response: "x"}, &stubSink{}, nil, nil, Config{})
	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne error: %v", err)
	}

	if q.failed[3] != "empty_query" {
		t.Fatalf("failed jobs = %v", q.failed)
	}
}

func TestProcessOneResolvesTickerFromQuery(t *testing.T) {
	t.Parallel()

	// Ticker was not resolved at enqueue time, the worker retries from the text.
	job := &model.AnalysisJob{ID: 4, ChatID: "chat-1", QueryText: "que esta pasando con $tsla"}
	q := newStubQueue(job)
	generator := &stubLLM{response: "listo"}

	w := New(q, &stubMarket{}, generator, &stubSink{}, nil, nil, Config{})
	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne error: %v", err)
	}

	if _, ok := q.completed[4]; !ok {
		t.Fatalf("job should complete, failures %v", q.failed)
	}
	prompt := generator.prompts[0][len(generator.prompts[0])-1].Content
	if !strings.Contains(prompt, "TSLA") {
		t.Fatal("resolved ticker missing from prompt")
	}
}

func TestProcessOneLLMFailureFailsJob(t *testing.T) {
	t.Parallel()

	job := &model.AnalysisJob{ID: 5, ChatID: "chat-1", QueryText: "analiza NVDA", Ticker: "NVDA"}
	q := newStubQueue(job)
	sink := &stubSink{}

	w := New(q, &stubMarket{}, &stubLLM{err: errors.New("llm down")}, sink, nil, nil, Config{})
	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne error: %v", err)
	}

	if q.failed[5] != "llm down" {
		t.Fatalf("failed jobs = %v", q.failed)
	}
	last := sink.sent[len(sink.sent)-1]
	if !strings.Contains(last, "Fallo el analisis") {
		t.Fatalf("expected failure notice, got %q", last)
	}
}

func TestProcessOneSinkFailureDoesNotBlockCompletion(t *testing.T) {
	t.Parallel()

	job := &model.AnalysisJob{ID: 6, ChatID: "chat-1", QueryText: "analiza PYPL", Ticker: "PYPL"}
	q := newStubQueue(job)
	sink := &stubSink{err: errors.New("telegram down")}

	w := New(q, &stubMarket{}, &stubLLM{response: "done"}, sink, nil, nil, Config{})
	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne error: %v", err)
	}

	if q.completed[6] != "done" {
		t.Fatalf("completion must not depend on the sink, got %v / %v", q.completed, q.failed)
	}
}

func TestProcessOneDegradesOnMarketDataError(t *testing.T) {
	t.Parallel()

	job := &model.AnalysisJob{ID: 7, ChatID: "chat-1", QueryText: "analiza PYPL", Ticker: "PYPL"}
	q := newStubQueue(job)
	generator := &stubLLM{response: "ok"}

	w := New(q, &stubMarket{quoteErr: errors.New("quote api down")}, generator, &stubSink{}, nil, nil, Config{})
	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne error: %v", err)
	}

	if _, ok := q.completed[7]; !ok {
		t.Fatalf("job should complete despite quote failure, failures %v", q.failed)
	}
	prompt := generator.prompts[0][len(generator.prompts[0])-1].Content
	if !strings.Contains(prompt, "N/D") {
		t.Fatal("missing quote must degrade to N/D in the prompt")
	}
}

func TestProcessOneEmptyQueue(t *testing.T) {
	t.Parallel()

	w := New(newStubQueue(nil), &stubMarket{}, &stubLLM{}, &stubSink{}, nil, nil, Config{})
	claimed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne error: %v", err)
	}
	if claimed {
		t.Fatal("expected no claim on empty queue")
	}
}
