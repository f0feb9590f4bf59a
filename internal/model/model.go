package model

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus 表示分析任务的生命周期状态。
// 状态只能单向流转：pending → running → completed/failed。
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// AnalysisJob 表示一次用户发起的行情分析请求。
// - ChatID: 发起会话的标识，结果回发到该会话
// - Ticker: 入队时尽力解析的标的代码，可能为空，处理时会再解析一次
// - Priority: 数值越小越先被认领
// - Attempts: 每次成功认领加一
// - StartedAt/FinishedAt: 由认领与终态写入，任务记录只追加不删除
type AnalysisJob struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ChatID     string    `gorm:"index" json:"chat_id"`
	QueryText  string    `json:"query_text"`
	Ticker     string    `json:"ticker"`
	Status     JobStatus `gorm:"index:idx_jobs_claim,priority:1;default:pending" json:"status"`
	Priority   int       `gorm:"index:idx_jobs_claim,priority:2;default:100" json:"priority"`
	Attempts   int       `gorm:"default:0" json:"attempts"`
	CreatedAt  time.Time `gorm:"index:idx_jobs_claim,priority:3" json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	ResultText string     `json:"result_text"`
	Error      string     `json:"error"`
}

// ResearchStatus 表示研究条目的审核状态。
type ResearchStatus string

const (
	ResearchStatusNew      ResearchStatus = "new"
	ResearchStatusApproved ResearchStatus = "approved"
	ResearchStatusIgnored  ResearchStatus = "ignored"
)

// ResearchItem 表示一篇已入库的研究文章。
// URL 为归一化后的去重键，全局唯一；重复写入视为无操作。
type ResearchItem struct {
	ID          uint                         `gorm:"primaryKey" json:"id"`
	Source      string                       `json:"source"`
	Title       string                       `json:"title"`
	URL         string                       `gorm:"uniqueIndex" json:"url"`
	Author      string                       `json:"author"`
	PublishedAt string                       `json:"published_at"`
	Tickers     datatypes.JSONSlice[string]  `json:"tickers"`
	Summary     string                       `json:"summary"`
	Thesis      datatypes.JSONSlice[string]  `json:"thesis"`
	Catalysts   datatypes.JSONSlice[string]  `json:"catalysts"`
	Risks       datatypes.JSONSlice[string]  `json:"risks"`
	Score       int                          `gorm:"default:0" json:"score"`
	Status      ResearchStatus               `gorm:"index;default:new" json:"status"`
	CreatedAt   time.Time                    `gorm:"index" json:"created_at"`
}

// RunStatus 表示一次流水线执行的状态。
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// WorkerRun 是一次流水线执行的审计记录：开始时创建，结束时关闭一次，之后不再修改。
type WorkerRun struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	WorkerName     string     `gorm:"index:idx_runs_worker,priority:1" json:"worker_name"`
	Status         RunStatus  `gorm:"default:running" json:"status"`
	StartedAt      time.Time  `gorm:"index:idx_runs_worker,priority:2" json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	ProcessedCount int        `gorm:"default:0" json:"processed_count"`
	InsertedCount  int        `gorm:"default:0" json:"inserted_count"`
	Error          string     `json:"error"`
}

// Subscriber 表示定时推送的订阅者，由外部前端维护，核心只读取。
// QuietStart/QuietEnd 为订阅者时区内的免打扰小时段（可跨零点）。
type Subscriber struct {
	ChatID     string                      `gorm:"primaryKey" json:"chat_id"`
	IsActive   bool                        `gorm:"default:true" json:"is_active"`
	Timezone   string                      `gorm:"default:America/Mexico_City" json:"timezone"`
	QuietStart int                         `gorm:"default:23" json:"quiet_start"`
	QuietEnd   int                         `gorm:"default:8" json:"quiet_end"`
	Markets    datatypes.JSONSlice[string] `json:"markets"`
	CreatedAt  time.Time                   `json:"created_at"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}
