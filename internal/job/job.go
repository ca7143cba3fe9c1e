package job

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status 任务状态；持久化为文本，便于 SQL 条件更新与人工排查
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal 终态不可再变更
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidTransition 状态机合法迁移：
// CREATED→QUEUED→RUNNING→COMPLETED/FAILED；QUEUED→CANCELLED
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusQueued
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// 能力标签：Job 与 Worker 共用；Job 只能派发给能力集包含其 capability 的 Worker
const (
	CapabilityImage = "image"
	CapabilityText  = "text"
	CapabilityAudio = "audio"
	CapabilityVideo = "video"
)

// KnownCapability 校验准入请求里的 capability
func KnownCapability(c string) bool {
	switch c {
	case CapabilityImage, CapabilityText, CapabilityAudio, CapabilityVideo:
		return true
	}
	return false
}

// 错误码；写入 jobs.error 并原样返回给 Status API
const (
	CodeDispatchError         = "DISPATCH_ERROR"
	CodeWorkerReportedFailure = "WORKER_REPORTED_FAILURE"
	CodeOrphaned              = "ORPHANED"
)

// ErrorInfo 终态 FAILED 时的错误描述
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job 生成任务实体；params/reply_context/metadata 为不透明 JSON，调度器不读其内容
type Job struct {
	ID           string
	UserID       int64
	Frontend     string
	BotID        string
	Capability   string
	Status       Status
	Priority     int
	Params       json.RawMessage
	CostTokens   decimal.Decimal
	ReplyContext json.RawMessage
	WorkerID     string
	CreatedAt    time.Time
	QueuedAt     *time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	// ExecutionTimeSeconds Worker 上报的真实执行秒数，完成时回填
	ExecutionTimeSeconds *float64
	Error                *ErrorInfo
	Metadata             json.RawMessage
}
