package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tesse/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config 数据库配置。Driver 支持 postgres 与 sqlite，默认 sqlite。
type Config struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
	Path   string `yaml:"path" json:"path"`
}

// Store 封装数据库访问，负责任务队列、研究条目、执行审计与订阅者的读写。
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// JobQuery 任务列表过滤条件。
type JobQuery struct {
	Status model.JobStatus
	Limit  int
}

// ResearchQuery 研究条目过滤条件。
type ResearchQuery struct {
	Status model.ResearchStatus
	Limit  int
}

// NewStore 按配置打开数据库并迁移数据表。
func NewStore(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "tesse.db"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		if !strings.Contains(path, "?") {
			// 多个工作协程会并发认领任务，写锁等待避免 busy 错误。
			path += "?_busy_timeout=5000&_journal_mode=WAL"
		}
		dialector = sqlite.Open(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires dsn")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&model.AnalysisJob{}, &model.ResearchItem{}, &model.WorkerRun{}, &model.Subscriber{}); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// CreateAnalysisJob 新建分析任务，总是以 pending 入队。
func (s *Store) CreateAnalysisJob(ctx context.Context, job *model.AnalysisJob) error {
	job.Status = model.JobStatusPending
	if job.Priority == 0 {
		job.Priority = 100
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create analysis job: %w", err)
	}
	return nil
}

// ClaimNextAnalysisJob 原子认领最老的 pending 任务：置为 running、写入
// StartedAt、Attempts 加一，并在同一条语句内返回该行。没有可认领任务时
// 返回 (nil, nil)。互斥完全交给数据库的行锁：postgres 用
// FOR UPDATE SKIP LOCKED 跳过他人持有的行，sqlite 依赖单写者串行化。
func (s *Store) ClaimNextAnalysisJob(ctx context.Context) (*model.AnalysisJob, error) {
	var job model.AnalysisJob
	var err error

	if s.db.Dialector.Name() == "postgres" {
		err = s.db.WithContext(ctx).Raw(`
WITH next_job AS (
  SELECT id
  FROM analysis_jobs
  WHERE status = 'pending'
  ORDER BY priority ASC, created_at ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
UPDATE analysis_jobs j
SET status = 'running',
    started_at = ?,
    attempts = attempts + 1
FROM next_job
WHERE j.id = next_job.id
RETURNING j.*`, s.now()).Scan(&job).Error
	} else {
		err = s.db.WithContext(ctx).Raw(`
UPDATE analysis_jobs
SET status = 'running',
    started_at = ?,
    attempts = attempts + 1
WHERE id = (
  SELECT id
  FROM analysis_jobs
  WHERE status = 'pending'
  ORDER BY priority ASC, created_at ASC
  LIMIT 1
) AND status = 'pending'
RETURNING *`, s.now()).Scan(&job).Error
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

// CompleteAnalysisJob 将 running 任务置为 completed 并记录结果。
func (s *Store) CompleteAnalysisJob(ctx context.Context, id uint, resultText string) error {
	return s.finalizeJob(ctx, id, model.JobStatusCompleted, map[string]any{
		"status":      model.JobStatusCompleted,
		"finished_at": s.now(),
		"result_text": resultText,
	})
}

// FailAnalysisJob 将 running 任务置为 failed 并记录错误。failed 为终态，不会重入队列。
func (s *Store) FailAnalysisJob(ctx context.Context, id uint, errorText string) error {
	if errorText == "" {
		errorText = "unknown error"
	}
	return s.finalizeJob(ctx, id, model.JobStatusFailed, map[string]any{
		"status":      model.JobStatusFailed,
		"finished_at": s.now(),
		"error":       errorText,
	})
}

func (s *Store) finalizeJob(ctx context.Context, id uint, to model.JobStatus, values map[string]any) error {
	tx := s.db.WithContext(ctx).Model(&model.AnalysisJob{}).
		Where("id = ? AND status = ?", id, model.JobStatusRunning).
		Updates(values)
	if tx.Error != nil {
		return fmt.Errorf("finalize job %d as %s: %w", id, to, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("finalize job %d as %s: job not running", id, to)
	}
	return nil
}

// FailStaleJobs 回收卡死任务：running 超过 olderThan 的任务直接置为 failed。
// 不做重入队，保持 failed 终态语义。返回回收条数。
func (s *Store) FailStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	tx := s.db.WithContext(ctx).Model(&model.AnalysisJob{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, cutoff).
		Updates(map[string]any{
			"status":      model.JobStatusFailed,
			"finished_at": s.now(),
			"error":       "stale_running",
		})
	if tx.Error != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

// GetAnalysisJob 按 ID 获取任务。
func (s *Store) GetAnalysisJob(ctx context.Context, id uint) (*model.AnalysisJob, error) {
	var job model.AnalysisJob
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, fmt.Errorf("get analysis job %d: %w", id, err)
	}
	return &job, nil
}

// ListAnalysisJobs 返回任务列表，按创建时间倒序。
func (s *Store) ListAnalysisJobs(ctx context.Context, query JobQuery) ([]model.AnalysisJob, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&model.AnalysisJob{}).Order("created_at DESC").Limit(limit)
	if query.Status != "" {
		q = q.Where("status = ?", query.Status)
	}
	var jobs []model.AnalysisJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list analysis jobs: %w", err)
	}
	return jobs, nil
}

// HasResearchURL 判断归一化 URL 是否已入库。
func (s *Store) HasResearchURL(ctx context.Context, url string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.ResearchItem{}).Where("url = ?", url).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count research url: %w", err)
	}
	return count > 0, nil
}

// InsertResearchItem 写入研究条目。URL 唯一键冲突视为无操作而非错误，
// 返回值指示本次是否真正插入。
func (s *Store) InsertResearchItem(ctx context.Context, item *model.ResearchItem) (bool, error) {
	if item.Status == "" {
		item.Status = model.ResearchStatusNew
	}
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoNothing: true,
	}).Create(item)
	if tx.Error != nil {
		return false, fmt.Errorf("insert research item: %w", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

// GetResearchItem 按 ID 获取研究条目。
func (s *Store) GetResearchItem(ctx context.Context, id uint) (*model.ResearchItem, error) {
	var item model.ResearchItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, fmt.Errorf("get research item %d: %w", id, err)
	}
	return &item, nil
}

// ListResearchItems 返回研究条目，按创建时间倒序。
func (s *Store) ListResearchItems(ctx context.Context, query ResearchQuery) ([]model.ResearchItem, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 200
	}
	q := s.db.WithContext(ctx).Model(&model.ResearchItem{}).Order("created_at DESC").Limit(limit)
	if query.Status != "" {
		q = q.Where("status = ?", query.Status)
	}
	var items []model.ResearchItem
	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list research items: %w", err)
	}
	return items, nil
}

// SetResearchStatus 更新审核状态（approve/ignore 由外部审核动作触发）。
func (s *Store) SetResearchStatus(ctx context.Context, id uint, status model.ResearchStatus) error {
	tx := s.db.WithContext(ctx).Model(&model.ResearchItem{}).Where("id = ?", id).Update("status", status)
	if tx.Error != nil {
		return fmt.Errorf("set research status: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("set research status: id %d not found", id)
	}
	return nil
}

// StartWorkerRun 开启一条执行审计记录。
func (s *Store) StartWorkerRun(ctx context.Context, workerName string) (*model.WorkerRun, error) {
	run := model.WorkerRun{
		WorkerName: workerName,
		Status:     model.RunStatusRunning,
		StartedAt:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("start worker run: %w", err)
	}
	return &run, nil
}

// FinishWorkerRun 关闭审计记录并写入最终计数，只允许关闭一次。
func (s *Store) FinishWorkerRun(ctx context.Context, id uint, status model.RunStatus, processed, inserted int, errorText string) error {
	tx := s.db.WithContext(ctx).Model(&model.WorkerRun{}).
		Where("id = ? AND status = ?", id, model.RunStatusRunning).
		Updates(map[string]any{
			"status":          status,
			"finished_at":     s.now(),
			"processed_count": processed,
			"inserted_count":  inserted,
			"error":           errorText,
		})
	if tx.Error != nil {
		return fmt.Errorf("finish worker run %d: %w", id, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("finish worker run %d: run not open", id)
	}
	return nil
}

// ListActiveSubscribers 返回推送目标列表。核心只读订阅者，不做任何修改。
func (s *Store) ListActiveSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	var subs []model.Subscriber
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at ASC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list active subscribers: %w", err)
	}
	return subs, nil
}
