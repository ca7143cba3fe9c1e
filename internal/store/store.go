// Copyright 2026 ShadowPlague21
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ShadowPlague21/Tessera/internal/job"
)

// Plan 订阅计划；运行期只读，由 EnsureSchema 种子写入
type Plan struct {
	ID              int64
	DailyTokenLimit int64
	Priority        int
}

// DefaultPlanID 免费计划，首次见到的用户落在此计划上
const DefaultPlanID = 1

// User 平台用户；(platform, platform_user_id) 唯一，首次准入时惰性创建
type User struct {
	ID             int64
	Platform       string
	PlatformUserID string
	PlanID         int64
	IPAddress      string
	CreatedAt      time.Time
	// Plan 随用户一并取出，准入路径免二次查询
	Plan Plan
}

// Usage 单用户单日用量；日内只增不减
type Usage struct {
	UserID        int64
	Date          string // "2006-01-02"（UTC）
	TokensUsed    decimal.Decimal
	JobsCompleted int64
}

// Artifact 产物记录；仅在 Job 进入 COMPLETED 时创建
type Artifact struct {
	ID        string
	JobID     string
	Type      string
	LocalPath string
	PublicURL string
	Format    string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// TransitionUpdate 状态迁移时一并写入的字段；nil 字段不更新
type TransitionUpdate struct {
	QueuedAt             *time.Time
	EndedAt              *time.Time
	ExecutionTimeSeconds *float64
	Error                *job.ErrorInfo
	Metadata             json.RawMessage
}

// Store 持久层契约。所有操作对 Job 状态机与用量计数原子；
// 瞬时错误原样上抛，由准入（503）与调度循环（退避）分别处置。
type Store interface {
	// GetOrCreateUser 按 (platform, platformUID) 幂等取用户，不存在则以默认计划创建
	GetOrCreateUser(ctx context.Context, platform, platformUID, ipAddress string) (*User, error)
	// CreateJob 插入 Job（调用方给定状态，准入路径为 CREATED）；返回 job id
	CreateJob(ctx context.Context, j *job.Job) (string, error)
	// TransitionJob 对 status 做 compare-and-set；当前状态 ≠ from 时返回 false 且不写任何字段。
	// to 为终态时必须落 ended_at（upd 未带则由实现补 now）。
	TransitionJob(ctx context.Context, jobID string, from, to job.Status, upd TransitionUpdate) (bool, error)
	// ClaimNextQueued 原子选取并认领：QUEUED 且 capability ∈ capabilities 中
	// priority 最高者，平级按 created_at 最早；置 RUNNING、落 started_at 与 workerID。
	// 必须串行化，同一行绝不发给两个调用方；无可认领时返回 nil, nil
	ClaimNextQueued(ctx context.Context, workerID string, capabilities []string) (*job.Job, error)
	// CountQueuedAhead 统计排在目标 Job 之前的 QUEUED 数（priority 更高，或平级且 created_at 更早）
	CountQueuedAhead(ctx context.Context, jobID string) (int, error)
	// CountQueued 当前 QUEUED 总数，供指标采样
	CountQueued(ctx context.Context) (int, error)
	// CreateArtifact 插入产物记录，返回 artifact id
	CreateArtifact(ctx context.Context, a *Artifact) (string, error)
	// ListArtifacts 按 job id 列出产物，created_at 升序
	ListArtifacts(ctx context.Context, jobID string) ([]*Artifact, error)
	// IncrementUsage 按 (userID, date) upsert，冲突时做加法合并
	IncrementUsage(ctx context.Context, userID int64, date string, tokens decimal.Decimal, jobs int64) error
	// GetUsage 取单日用量；无记录时返回零值 Usage 而非错误
	GetUsage(ctx context.Context, userID int64, date string) (*Usage, error)
	// GetJob 按 id 取 Job；不存在返回 nil, nil
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	// FailOrphanedRunning 启动清扫：将 RUNNING 残留置为 FAILED（code=ORPHANED），返回清扫数
	FailOrphanedRunning(ctx context.Context) (int, error)
	Close()
}

// DayUTC 统一的用量日期键（UTC 日）
func DayUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// TodayUTC 今日（UTC）日期键
func TodayUTC() string {
	return DayUTC(time.Now())
}
