package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"tesse/internal/model"
	"tesse/internal/resolver"
	"tesse/internal/storage"
)

// Config HTTP 服务配置。AuthToken 为空时接口不鉴权。
type Config struct {
	Addr      string `yaml:"addr" json:"addr"`
	AuthToken string `yaml:"auth_token" json:"auth_token"`
}

// Queue 抽象任务入队接口。
type Queue interface {
	Enqueue(ctx context.Context, chatID, queryText string) (*model.AnalysisJob, error)
}

// Store 抽象存储接口。
type Store interface {
	ListAnalysisJobs(ctx context.Context, q storage.JobQuery) ([]model.AnalysisJob, error)
	GetAnalysisJob(ctx context.Context, id uint) (*model.AnalysisJob, error)
	ListResearchItems(ctx context.Context, q storage.ResearchQuery) ([]model.ResearchItem, error)
	GetResearchItem(ctx context.Context, id uint) (*model.ResearchItem, error)
	SetResearchStatus(ctx context.Context, id uint, status model.ResearchStatus) error
}

// Ingestor 抽象采集触发接口。
type Ingestor interface {
	RunOnce(ctx context.Context) error
}

// AnalyzeRequest 表示分析请求。
type AnalyzeRequest struct {
	ChatID string `json:"chat_id"`
	Query  string `json:"query"`
}

// NewHandler 构造 HTTP 多路复用器。
func NewHandler(cfg Config, queue Queue, store Store, ingestor Ingestor) http.Handler {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /api/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req AnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		if strings.TrimSpace(req.ChatID) == "" || strings.TrimSpace(req.Query) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id and query required"})
			return
		}
		if !resolver.IsAnalyzable(req.Query) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "query is not an analysis request"})
			return
		}
		job, err := queue.Enqueue(r.Context(), req.ChatID, req.Query)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	})

	mux.HandleFunc("GET /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		q := storage.JobQuery{
			Status: model.JobStatus(r.URL.Query().Get("status")),
			Limit:  parseLimit(r.URL.Query().Get("limit"), 50),
		}
		jobs, err := store.ListAnalysisJobs(r.Context(), q)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	})

	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
			return
		}
		job, err := store.GetAnalysisJob(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	mux.HandleFunc("GET /api/items", func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status == "" {
			status = string(model.ResearchStatusNew)
		}
		q := storage.ResearchQuery{
			Status: model.ResearchStatus(status),
			Limit:  parseLimit(r.URL.Query().Get("limit"), 200),
		}
		items, err := store.ListResearchItems(r.Context(), q)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, items)
	})

	mux.HandleFunc("GET /api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
			return
		}
		item, err := store.GetResearchItem(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
			return
		}
		writeJSON(w, http.StatusOK, item)
	})

	review := func(status model.ResearchStatus) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(r.PathValue("id"))
			if !ok {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
				return
			}
			if err := store.SetResearchStatus(r.Context(), id, status); err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
		}
	}
	mux.HandleFunc("POST /api/items/{id}/approve", review(model.ResearchStatusApproved))
	mux.HandleFunc("POST /api/items/{id}/ignore", review(model.ResearchStatusIgnored))

	mux.HandleFunc("POST /api/ingest/run", func(w http.ResponseWriter, r *http.Request) {
		if ingestor == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ingest disabled"})
			return
		}
		// 采集要开浏览器，耗时分钟级，异步执行。
		go func() {
			if err := ingestor.RunOnce(context.Background()); err != nil {
				logger.Printf("manual ingest run: %v", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	})

	return withAuth(cfg.AuthToken, mux)
}

// withAuth 校验 Bearer 令牌。令牌为空时直接放行，健康检查永远放行。
func withAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	if v > 500 {
		v = 500
	}
	return v
}

func parseID(raw string) (uint, bool) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
