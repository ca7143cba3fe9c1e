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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ShadowPlague21/Tessera/internal/job"
)

// Postgres 实现：plans/users/jobs/artifacts/usage_daily 五表，调度器唯一的持久层。
// ClaimNextQueued 用 FOR UPDATE SKIP LOCKED 串行化认领，同一行不会发给两个调用方。
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 创建基于 PostgreSQL 的 Store；dsn 为连接串
func NewPostgres(ctx context.Context, dsn string, poolSize int) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if poolSize > 0 {
		config.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// EnsureSchema 建表、建索引并种子默认计划；幂等，启动时调用
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, seedPlans); err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}
	return nil
}

// Close 关闭连接池
func (s *Postgres) Close() {
	s.pool.Close()
}

func nullStr(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullJSON(v json.RawMessage) interface{} {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}

const jobColumns = `id, user_id, frontend, COALESCE(bot_id, ''), capability, status, priority,
	params, cost_tokens::text, reply_context, COALESCE(worker_id, ''),
	created_at, queued_at, started_at, ended_at, execution_time_seconds, error, metadata`

// scanJob 从一行扫出 Job；cost_tokens 走 text 避免二进制 numeric 精度歧义
func scanJob(row pgx.Row) (*job.Job, error) {
	var j job.Job
	var status string
	var costText string
	var params, replyContext, errorJSON, metadata []byte
	err := row.Scan(&j.ID, &j.UserID, &j.Frontend, &j.BotID, &j.Capability, &status, &j.Priority,
		&params, &costText, &replyContext, &j.WorkerID,
		&j.CreatedAt, &j.QueuedAt, &j.StartedAt, &j.EndedAt, &j.ExecutionTimeSeconds, &errorJSON, &metadata)
	if err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	j.Params = params
	j.ReplyContext = replyContext
	j.Metadata = metadata
	j.CostTokens, err = decimal.NewFromString(costText)
	if err != nil {
		return nil, fmt.Errorf("parse cost_tokens %q: %w", costText, err)
	}
	if len(errorJSON) > 0 {
		var e job.ErrorInfo
		if err := json.Unmarshal(errorJSON, &e); err == nil {
			j.Error = &e
		}
	}
	return &j, nil
}

func (s *Postgres) GetOrCreateUser(ctx context.Context, platform, platformUID, ipAddress string) (*User, error) {
	// 并发安全的惰性创建：先插（冲突即放弃），再查；unique(platform, platform_user_id) 保证单行
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (platform, platform_user_id, plan_id, ip_address)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (platform, platform_user_id) DO NOTHING`,
		platform, platformUID, DefaultPlanID, nullStr(ipAddress))
	if err != nil {
		return nil, err
	}
	var u User
	err = s.pool.QueryRow(ctx,
		`SELECT u.id, u.platform, u.platform_user_id, u.plan_id, COALESCE(u.ip_address, ''), u.created_at,
		        p.id, p.daily_token_limit, p.priority
		 FROM users u JOIN plans p ON u.plan_id = p.id
		 WHERE u.platform = $1 AND u.platform_user_id = $2`,
		platform, platformUID).Scan(
		&u.ID, &u.Platform, &u.PlatformUserID, &u.PlanID, &u.IPAddress, &u.CreatedAt,
		&u.Plan.ID, &u.Plan.DailyTokenLimit, &u.Plan.Priority)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Postgres) CreateJob(ctx context.Context, j *job.Job) (string, error) {
	if j == nil {
		return "", errors.New("job is nil")
	}
	id := j.ID
	if id == "" {
		id = "job-" + uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	params := j.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	metadata := j.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, frontend, bot_id, capability, status, priority,
		                   params, cost_tokens, reply_context, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, j.UserID, j.Frontend, nullStr(j.BotID), j.Capability, string(j.Status), j.Priority,
		[]byte(params), j.CostTokens.StringFixed(2), nullJSON(j.ReplyContext), j.CreatedAt, []byte(metadata))
	if err != nil {
		return "", err
	}
	j.ID = id
	return id, nil
}

func (s *Postgres) TransitionJob(ctx context.Context, jobID string, from, to job.Status, upd TransitionUpdate) (bool, error) {
	set := "status = $1"
	args := []interface{}{string(to), jobID, string(from)}
	n := 3
	addArg := func(clause string, v interface{}) {
		n++
		set += fmt.Sprintf(", %s = $%d", clause, n)
		args = append(args, v)
	}
	if upd.QueuedAt != nil {
		addArg("queued_at", *upd.QueuedAt)
	}
	if upd.EndedAt != nil {
		addArg("ended_at", *upd.EndedAt)
	} else if to.Terminal() {
		set += ", ended_at = now()"
	}
	if upd.ExecutionTimeSeconds != nil {
		addArg("execution_time_seconds", *upd.ExecutionTimeSeconds)
	}
	if upd.Error != nil {
		b, err := json.Marshal(upd.Error)
		if err != nil {
			return false, err
		}
		addArg("error", b)
	}
	if upd.Metadata != nil {
		addArg("metadata", []byte(upd.Metadata))
	}
	cmd, err := s.pool.Exec(ctx,
		`UPDATE jobs SET `+set+` WHERE id = $2 AND status = $3`, args...)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *Postgres) ClaimNextQueued(ctx context.Context, workerID string, capabilities []string) (*job.Job, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $1, started_at = now(), worker_id = $2
		 WHERE id = (SELECT id FROM jobs
		             WHERE status = $3 AND capability = ANY($4)
		             ORDER BY priority DESC, created_at ASC
		             LIMIT 1 FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobColumns,
		string(job.StatusRunning), workerID, string(job.StatusQueued), capabilities)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (s *Postgres) CountQueuedAhead(ctx context.Context, jobID string) (int, error) {
	var cnt int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs j, jobs t
		 WHERE t.id = $1 AND j.status = $2 AND j.id <> t.id
		   AND (j.priority > t.priority
		        OR (j.priority = t.priority AND j.created_at < t.created_at))`,
		jobID, string(job.StatusQueued)).Scan(&cnt)
	if err != nil {
		return 0, err
	}
	return cnt, nil
}

func (s *Postgres) CountQueued(ctx context.Context) (int, error) {
	var cnt int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE status = $1`, string(job.StatusQueued)).Scan(&cnt)
	return cnt, err
}

func (s *Postgres) CreateArtifact(ctx context.Context, a *Artifact) (string, error) {
	if a == nil {
		return "", errors.New("artifact is nil")
	}
	id := a.ID
	if id == "" {
		id = "art-" + uuid.New().String()
	}
	metadata := a.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, job_id, type, local_path, public_url, format, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, a.JobID, a.Type, nullStr(a.LocalPath), nullStr(a.PublicURL), nullStr(a.Format), []byte(metadata))
	if err != nil {
		return "", err
	}
	a.ID = id
	return id, nil
}

func (s *Postgres) ListArtifacts(ctx context.Context, jobID string) ([]*Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, type, COALESCE(local_path, ''), COALESCE(public_url, ''),
		        COALESCE(format, ''), metadata, created_at
		 FROM artifacts WHERE job_id = $1 ORDER BY created_at ASC`,
		jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Artifact
	for rows.Next() {
		var a Artifact
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.JobID, &a.Type, &a.LocalPath, &a.PublicURL,
			&a.Format, &metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Metadata = metadata
		list = append(list, &a)
	}
	return list, rows.Err()
}

func (s *Postgres) IncrementUsage(ctx context.Context, userID int64, date string, tokens decimal.Decimal, jobs int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_daily (user_id, date, tokens_used, jobs_completed)
		 VALUES ($1, $2::date, $3::numeric, $4)
		 ON CONFLICT (user_id, date) DO UPDATE SET
		     tokens_used    = usage_daily.tokens_used + EXCLUDED.tokens_used,
		     jobs_completed = usage_daily.jobs_completed + EXCLUDED.jobs_completed`,
		userID, date, tokens.StringFixed(2), jobs)
	return err
}

func (s *Postgres) GetUsage(ctx context.Context, userID int64, date string) (*Usage, error) {
	u := &Usage{UserID: userID, Date: date, TokensUsed: decimal.Zero}
	var tokensText string
	err := s.pool.QueryRow(ctx,
		`SELECT tokens_used::text, jobs_completed FROM usage_daily
		 WHERE user_id = $1 AND date = $2::date`,
		userID, date).Scan(&tokensText, &u.JobsCompleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return u, nil
		}
		return nil, err
	}
	u.TokensUsed, err = decimal.NewFromString(tokensText)
	if err != nil {
		return nil, fmt.Errorf("parse tokens_used %q: %w", tokensText, err)
	}
	return u, nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

// FailOrphanedRunning 启动清扫：重启后残留的 RUNNING 无人收尾，统一置 FAILED（code=ORPHANED）
func (s *Postgres) FailOrphanedRunning(ctx context.Context) (int, error) {
	errPayload, _ := json.Marshal(job.ErrorInfo{
		Code:    job.CodeOrphaned,
		Message: "scheduler restarted while job was running",
	})
	cmd, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, ended_at = now(), error = $2
		 WHERE status = $3`,
		string(job.StatusFailed), errPayload, string(job.StatusRunning))
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

var _ Store = (*Postgres)(nil)
