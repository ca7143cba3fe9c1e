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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/ShadowPlague21/Tessera/internal/admission"
	"github.com/ShadowPlague21/Tessera/internal/job"
	"github.com/ShadowPlague21/Tessera/internal/registry"
	"github.com/ShadowPlague21/Tessera/internal/store"
	apperrors "github.com/ShadowPlague21/Tessera/pkg/errors"
	"github.com/ShadowPlague21/Tessera/pkg/metrics"
)

// Handler HTTP 处理器；依赖在进程启动时装配注入，无全局状态
type Handler struct {
	admission *admission.Service
	store     store.Store
	registry  *registry.Registry
}

// NewHandler 创建 HTTP 处理器
func NewHandler(adm *admission.Service, st store.Store, reg *registry.Registry) *Handler {
	return &Handler{admission: adm, store: st, registry: reg}
}

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// SubmitJob 准入入口
// POST /api/v1/jobs
func (h *Handler) SubmitJob(c context.Context, ctx *app.RequestContext) {
	var req admission.Request
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "malformed request body: " + err.Error(),
		})
		return
	}
	req.ClientIP = ctx.ClientIP()

	ack, err := h.admission.Submit(c, &req)
	if err != nil {
		switch {
		case apperrors.Is(err, apperrors.ErrInvalidArg):
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		case apperrors.Is(err, apperrors.ErrQuotaExceeded):
			ctx.JSON(consts.StatusPaymentRequired, map[string]string{"error": err.Error()})
		case apperrors.Is(err, apperrors.ErrStoreUnavailable):
			hlog.CtxErrorf(c, "admission store failure: %v", err)
			ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		default:
			hlog.CtxErrorf(c, "admission failed: %v", err)
			ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}
	ctx.JSON(consts.StatusOK, ack)
}

// artifactView 产物投影
type artifactView struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	LocalPath string          `json:"local_path,omitempty"`
	PublicURL string          `json:"public_url,omitempty"`
	Format    string          `json:"format,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// jobView Job 投影；排队中带位置，完成带产物，失败带错误
type jobView struct {
	JobID                string          `json:"job_id"`
	Status               string          `json:"status"`
	Capability           string          `json:"capability"`
	Frontend             string          `json:"frontend"`
	BotID                string          `json:"bot_id,omitempty"`
	Priority             int             `json:"priority"`
	CostTokens           string          `json:"cost_tokens"`
	WorkerID             string          `json:"worker_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	QueuedAt             *time.Time      `json:"queued_at,omitempty"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	EndedAt              *time.Time      `json:"ended_at,omitempty"`
	ExecutionTimeSeconds *float64        `json:"execution_time_seconds,omitempty"`
	QueuePosition        *int            `json:"queue_position,omitempty"`
	Error                *job.ErrorInfo  `json:"error,omitempty"`
	Artifacts            []*artifactView `json:"artifacts,omitempty"`
}

// GetJob 任务查询
// GET /api/v1/jobs/:id
func (h *Handler) GetJob(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("id")
	j, err := h.store.GetJob(c, jobID)
	if err != nil {
		hlog.CtxErrorf(c, "get job %s failed: %v", jobID, err)
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		return
	}
	if j == nil {
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	view := &jobView{
		JobID:                j.ID,
		Status:               string(j.Status),
		Capability:           j.Capability,
		Frontend:             j.Frontend,
		BotID:                j.BotID,
		Priority:             j.Priority,
		CostTokens:           j.CostTokens.StringFixed(2),
		WorkerID:             j.WorkerID,
		CreatedAt:            j.CreatedAt,
		QueuedAt:             j.QueuedAt,
		StartedAt:            j.StartedAt,
		EndedAt:              j.EndedAt,
		ExecutionTimeSeconds: j.ExecutionTimeSeconds,
		Error:                j.Error,
	}
	if j.Status == job.StatusQueued {
		if pos, err := h.store.CountQueuedAhead(c, j.ID); err == nil {
			view.QueuePosition = &pos
		}
	}
	if j.Status == job.StatusCompleted {
		arts, err := h.store.ListArtifacts(c, j.ID)
		if err != nil {
			hlog.CtxErrorf(c, "list artifacts for %s failed: %v", j.ID, err)
		}
		for _, a := range arts {
			view.Artifacts = append(view.Artifacts, &artifactView{
				ID:        a.ID,
				Type:      a.Type,
				LocalPath: a.LocalPath,
				PublicURL: a.PublicURL,
				Format:    a.Format,
				Metadata:  a.Metadata,
				CreatedAt: a.CreatedAt,
			})
		}
	}
	ctx.JSON(consts.StatusOK, view)
}

// heartbeatRequest Worker 心跳载荷
type heartbeatRequest struct {
	WorkerID     string   `json:"worker_id"`
	URL          string   `json:"url"`
	Capabilities []string `json:"capabilities"`
}

// Heartbeat Worker 心跳
// POST /api/internal/heartbeat
func (h *Handler) Heartbeat(c context.Context, ctx *app.RequestContext) {
	var req heartbeatRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "malformed request body: " + err.Error(),
		})
		return
	}
	if req.WorkerID == "" || req.URL == "" || len(req.Capabilities) == 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "worker_id, url and capabilities are required",
		})
		return
	}
	h.registry.Register(req.WorkerID, req.URL, req.Capabilities)
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// ListWorkers 注册表快照（运维观察用）
// GET /api/system/workers
func (h *Handler) ListWorkers(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"workers": h.registry.Snapshot(),
	})
}

// SystemMetrics Prometheus 指标导出
// GET /api/system/metrics
func (h *Handler) SystemMetrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
