package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"tesse/internal/crawler"
	"tesse/internal/llm"
	"tesse/internal/model"
)

type stubStore struct {
	seen     map[string]bool
	items    []*model.ResearchItem
	run      *model.WorkerRun
	finished bool
	status   model.RunStatus
	procs    int
	inserts  int
	errText  string
}

func newStubStore() *stubStore {
	return &stubStore{seen: map[string]bool{}}
}

func (s *stubStore) HasResearchURL(ctx context.Context, url string) (bool, error) {
	return s.seen[url], nil
}

func (s *stubStore) InsertResearchItem(ctx context.Context, item *model.ResearchItem) (bool, error) {
	if s.seen[item.URL] {
		return false, nil
	}
	s.seen[item.URL] = true
	s.items = append(s.items, item)
	return true, nil
}

func (s *stubStore) StartWorkerRun(ctx context.Context, name string) (*model.WorkerRun, error) {
	s.run = &model.WorkerRun{ID: 7, WorkerName: name, Status: model.RunStatusRunning}
	return s.run, nil
}

func (s *stubStore) FinishWorkerRun(ctx context.Context, id uint, status model.RunStatus, processed, inserted int, errorText string) error {
	s.finished = true
	s.status = status
	s.procs = processed
	s.inserts = inserted
	s.errText = errorText
	return nil
}

type stubSession struct {
	candidates []crawler.Candidate
	candErr    error
	articles   map[string]crawler.Article
	artErr     map[string]error
	closed     bool
}

func (s *stubSession) EnsureLogin(ctx context.Context) error { return nil }

func (s *stubSession) Candidates(ctx context.Context) ([]crawler.Candidate, error) {
	return s.candidates, s.candErr
}

func (s *stubSession) Article(ctx context.Context, href string) (crawler.Article, error) {
	if err := s.artErr[href]; err != nil {
		return crawler.Article{}, err
	}
	return s.articles[href], nil
}

func (s *stubSession) Close() { s.closed = true }

type stubCrawler struct {
	session *stubSession
	err     error
}

func (c *stubCrawler) OpenSession(ctx context.Context) (CrawlSession, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

type stubSummarizer struct {
	response string
	errFor   map[string]error
	calls    int
}

func (s *stubSummarizer) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	s.calls++
	for needle, err := range s.errFor {
		if strings.Contains(messages[len(messages)-1].Content, needle) {
			return "", err
		}
	}
	return s.response, nil
}

func longBody(seed string) string {
	return seed + " " + strings.Repeat("market context and detail. ", 20)
}

func TestRunOnceInsertsNewArticles(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.seen["https://www.investing.com/analysis/old"] = true

	session := &stubSession{
		candidates: []crawler.Candidate{
			{Href: "https://www.investing.com/analysis/old?utm_source=feed", Text: "already ingested article"},
			{Href: "https://www.investing.com/analysis/new", Text: "fresh analysis article"},
		},
		articles: map[string]crawler.Article{
			"https://www.investing.com/analysis/new": {
				Title: "Fresh thesis", Body: longBody("new"), Author: "Ana",
			},
		},
	}
	summarizer := &stubSummarizer{response: `{"tldr":"resumen","thesis":["t"],"tickers":["NVDA"],"score":80}`}

	p := New(store, &stubCrawler{session: session}, summarizer, Config{})
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if !store.finished || store.status != model.RunStatusSuccess {
		t.Fatalf("run not closed as success: %+v", store)
	}
	if store.procs != 1 || store.inserts != 1 {
		t.Fatalf("processed=%d inserted=%d, want 1/1", store.procs, store.inserts)
	}
	if len(store.items) != 1 {
		t.Fatalf("expected 1 stored item, got %d", len(store.items))
	}
	item := store.items[0]
	if item.URL != "https://www.investing.com/analysis/new" {
		t.Fatalf("stored URL = %q", item.URL)
	}
	if item.Score != 80 || len(item.Tickers) != 1 {
		t.Fatalf("summary fields not persisted: %+v", item)
	}
	if !session.closed {
		t.Fatal("session must be closed")
	}
}

func TestRunOnceSkipsShortBodies(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	session := &stubSession{
		candidates: []crawler.Candidate{
			{Href: "https://www.investing.com/analysis/thin", Text: "thin promo article"},
		},
		articles: map[string]crawler.Article{
			"https://www.investing.com/analysis/thin": {Title: "Teaser", Body: "too short"},
		},
	}
	summarizer := &stubSummarizer{response: `{"tldr":"x"}`}

	p := New(store, &stubCrawler{session: session}, summarizer, Config{})
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if summarizer.calls != 0 {
		t.Fatal("short bodies must not reach the summarizer")
	}
	if store.procs != 1 || store.inserts != 0 {
		t.Fatalf("processed=%d inserted=%d, want 1/0", store.procs, store.inserts)
	}
}

func TestRunOnceSummarizerFailureSkipsArticleOnly(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	session := &stubSession{
		candidates: []crawler.Candidate{
			{Href: "https://www.investing.com/analysis/bad", Text: "article that breaks the llm"},
			{Href: "https://www.investing.com/analysis/good", Text: "article that works fine"},
		},
		articles: map[string]crawler.Article{
			"https://www.investing.com/analysis/bad":  {Title: "Bad", Body: longBody("bad-marker")},
			"https://www.investing.com/analysis/good": {Title: "Good", Body: longBody("good-marker")},
		},
	}
	summarizer := &stubSummarizer{
		response: `{"tldr":"resumen","score":60}`,
		errFor:   map[string]error{"bad-marker": errors.New("llm timeout")},
	}

	p := New(store, &stubCrawler{session: session}, summarizer, Config{})
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if store.status != model.RunStatusSuccess {
		t.Fatalf("run status = %s, want success", store.status)
	}
	if store.procs != 2 || store.inserts != 1 {
		t.Fatalf("processed=%d inserted=%d, want 2/1", store.procs, store.inserts)
	}
	if len(store.items) != 1 || store.items[0].Title != "Good" {
		t.Fatalf("unexpected stored items %+v", store.items)
	}
}

func TestRunOnceUsesSummaryFallback(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	session := &stubSession{
		candidates: []crawler.Candidate{
			{Href: "https://www.investing.com/analysis/raw", Text: "article with messy summary"},
		},
		articles: map[string]crawler.Article{
			"https://www.investing.com/analysis/raw": {Title: "Messy", Body: longBody("raw")},
		},
	}
	summarizer := &stubSummarizer{response: "not json at all"}

	p := New(store, &stubCrawler{session: session}, summarizer, Config{})
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if len(store.items) != 1 {
		t.Fatalf("expected fallback item, got %d", len(store.items))
	}
	item := store.items[0]
	if item.Score != 50 {
		t.Fatalf("fallback score = %d, want 50", item.Score)
	}
	if item.Summary != "not json at all" {
		t.Fatalf("fallback summary = %q", item.Summary)
	}
	if len(item.Thesis) != 0 {
		t.Fatalf("fallback thesis should stay empty, got %v", item.Thesis)
	}
}

func TestRunOnceClosesRunAsFailed(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	session := &stubSession{candErr: errors.New("listing page down")}

	p := New(store, &stubCrawler{session: session}, &stubSummarizer{}, Config{})
	if err := p.RunOnce(context.Background()); err == nil {
		t.Fatal("expected RunOnce error")
	}

	if !store.finished || store.status != model.RunStatusFailed {
		t.Fatalf("run not closed as failed: %+v", store)
	}
	if store.errText == "" {
		t.Fatal("failed run must record the error")
	}
	if !session.closed {
		t.Fatal("session must be closed even on failure")
	}
}
