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

package admission

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ShadowPlague21/Tessera/internal/job"
	"github.com/ShadowPlague21/Tessera/internal/store"
	"github.com/ShadowPlague21/Tessera/pkg/errors"
	"github.com/ShadowPlague21/Tessera/pkg/log"
	"github.com/ShadowPlague21/Tessera/pkg/metrics"
)

// Request 准入请求；params/reply_context 不透明，仅校验 JSON 合法性
type Request struct {
	Frontend     string          `json:"frontend"`
	BotID        string          `json:"bot_id,omitempty"`
	Capability   string          `json:"capability"`
	UserRef      string          `json:"user_ref"`
	Params       json.RawMessage `json:"params"`
	ReplyContext json.RawMessage `json:"reply_context,omitempty"`
	ClientIP     string          `json:"-"`
}

// Ack 准入应答；estimated_time_seconds 为粗略排队估计
type Ack struct {
	JobID                string          `json:"job_id"`
	Status               string          `json:"status"`
	QueuePosition        int             `json:"queue_position"`
	EstimatedTimeSeconds int             `json:"estimated_time_seconds"`
	CostTokens           decimal.Decimal `json:"cost_tokens"`
}

// Service 同步准入：解析用户、算成本、查配额、落 Job 行并入队。
// 配额检查为咨询式预检，权威扣减发生在任务完成时
type Service struct {
	store          store.Store
	perJobEstimate time.Duration
	logger         *log.Logger
}

// NewService 创建准入服务；perJobEstimate 为单任务耗时估计（排队时间 = (位置+1)×估计）
func NewService(st store.Store, perJobEstimate time.Duration, logger *log.Logger) *Service {
	if perJobEstimate <= 0 {
		perJobEstimate = 20 * time.Second
	}
	return &Service{
		store:          st,
		perJobEstimate: perJobEstimate,
		logger:         logger.Named("admission"),
	}
}

// parseUserRef 取 "<platform>:<uid>" 里最后一个冒号之后的部分作为 uid
func parseUserRef(ref string) (string, bool) {
	i := strings.LastIndexByte(ref, ':')
	if i < 0 || i == len(ref)-1 {
		return "", false
	}
	return ref[i+1:], true
}

// Submit 执行完整准入流程；错误用哨兵包装，HTTP 层据此映射 400/402/503
func (s *Service) Submit(ctx context.Context, req *Request) (*Ack, error) {
	if req.Frontend == "" {
		metrics.AdmissionTotal.WithLabelValues("invalid").Inc()
		return nil, errors.Wrap(errors.ErrInvalidArg, "frontend is required")
	}
	if !job.KnownCapability(req.Capability) {
		metrics.AdmissionTotal.WithLabelValues("invalid").Inc()
		return nil, errors.Wrapf(errors.ErrInvalidArg, "unknown capability %q", req.Capability)
	}
	uid, ok := parseUserRef(req.UserRef)
	if !ok {
		metrics.AdmissionTotal.WithLabelValues("invalid").Inc()
		return nil, errors.Wrapf(errors.ErrInvalidArg, "malformed user_ref %q", req.UserRef)
	}

	user, err := s.store.GetOrCreateUser(ctx, req.Frontend, uid, req.ClientIP)
	if err != nil {
		metrics.AdmissionTotal.WithLabelValues("store_error").Inc()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}

	today := store.TodayUTC()
	usage, err := s.store.GetUsage(ctx, user.ID, today)
	if err != nil {
		metrics.AdmissionTotal.WithLabelValues("store_error").Inc()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}

	cost := CostOf(req.Capability, req.Params)
	limit := decimal.NewFromInt(user.Plan.DailyTokenLimit)
	if usage.TokensUsed.Add(cost).GreaterThan(limit) {
		s.logger.Info("quota exceeded",
			"user_id", user.ID,
			"tokens_used", usage.TokensUsed.StringFixed(2),
			"cost", cost.StringFixed(2),
			"limit", user.Plan.DailyTokenLimit)
		metrics.AdmissionTotal.WithLabelValues("quota_exceeded").Inc()
		return nil, errors.Wrapf(errors.ErrQuotaExceeded,
			"daily limit %d reached (used %s, cost %s)",
			user.Plan.DailyTokenLimit, usage.TokensUsed.StringFixed(2), cost.StringFixed(2))
	}

	now := time.Now().UTC()
	j := &job.Job{
		UserID:       user.ID,
		Frontend:     req.Frontend,
		BotID:        req.BotID,
		Capability:   req.Capability,
		Status:       job.StatusCreated,
		Priority:     user.Plan.Priority,
		Params:       req.Params,
		CostTokens:   cost,
		ReplyContext: req.ReplyContext,
		CreatedAt:    now,
	}
	jobID, err := s.store.CreateJob(ctx, j)
	if err != nil {
		metrics.AdmissionTotal.WithLabelValues("store_error").Inc()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}

	queuedAt := time.Now().UTC()
	ok, err = s.store.TransitionJob(ctx, jobID, job.StatusCreated, job.StatusQueued,
		store.TransitionUpdate{QueuedAt: &queuedAt})
	if err != nil {
		metrics.AdmissionTotal.WithLabelValues("store_error").Inc()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}
	if !ok {
		// 刚插入的行状态必为 CREATED，走到这里说明存储层异常
		metrics.AdmissionTotal.WithLabelValues("store_error").Inc()
		return nil, errors.Wrapf(errors.ErrStoreUnavailable, "job %s: enqueue CAS failed", jobID)
	}

	pos, err := s.store.CountQueuedAhead(ctx, jobID)
	if err != nil {
		// 任务已经入队，排队位置取不到就按 0 返回
		s.logger.Warn("count queued ahead failed", "job_id", jobID, "err", err)
		pos = 0
	}

	s.logger.Info("job admitted",
		"job_id", jobID,
		"user_id", user.ID,
		"capability", req.Capability,
		"priority", j.Priority,
		"queue_position", pos,
		"cost", cost.StringFixed(2))
	metrics.AdmissionTotal.WithLabelValues("admitted").Inc()
	metrics.JobTotal.WithLabelValues(string(job.StatusQueued), req.Capability).Inc()

	return &Ack{
		JobID:                jobID,
		Status:               string(job.StatusQueued),
		QueuePosition:        pos,
		EstimatedTimeSeconds: (pos + 1) * int(s.perJobEstimate/time.Second),
		CostTokens:           cost,
	}, nil
}
