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
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShadowPlague21/Tessera/internal/admission"
	"github.com/ShadowPlague21/Tessera/internal/api/http/middleware"
	"github.com/ShadowPlague21/Tessera/internal/job"
	"github.com/ShadowPlague21/Tessera/internal/registry"
	"github.com/ShadowPlague21/Tessera/internal/store"
	"github.com/ShadowPlague21/Tessera/pkg/log"
)

type testEnv struct {
	store    *store.Mem
	registry *registry.Registry
	server   *server.Hertz
}

func buildTestServer(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMem()
	reg := registry.New(time.Minute)
	logger, err := log.NewLogger(nil)
	require.NoError(t, err)
	adm := admission.NewService(st, 20*time.Second, logger)
	r := NewRouter(NewHandler(adm, st, reg), middleware.NewMiddleware())
	return &testEnv{store: st, registry: reg, server: r.Build(":0")}
}

func postJSON(env *testEnv, path string, payload any) *ut.ResponseRecorder {
	body, _ := json.Marshal(payload)
	return ut.PerformRequest(env.server.Engine, "POST", path,
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func submitBody() map[string]any {
	return map[string]any{
		"frontend":   "telegram",
		"capability": "image",
		"user_ref":   "telegram:42",
		"params":     map[string]any{"prompt": "cat"},
	}
}

func TestHealthCheck(t *testing.T) {
	env := buildTestServer(t)
	w := ut.PerformRequest(env.server.Engine, "GET", "/api/health", nil)
	assert.Equal(t, 200, w.Result().StatusCode())
}

func TestSubmitJobOK(t *testing.T) {
	env := buildTestServer(t)
	w := postJSON(env, "/api/v1/jobs", submitBody())
	require.Equal(t, 200, w.Result().StatusCode())

	var resp struct {
		JobID                string          `json:"job_id"`
		Status               string          `json:"status"`
		QueuePosition        int             `json:"queue_position"`
		EstimatedTimeSeconds int             `json:"estimated_time_seconds"`
		CostTokens           decimal.Decimal `json:"cost_tokens"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "QUEUED", resp.Status)
	assert.Equal(t, 0, resp.QueuePosition)
	assert.Equal(t, 20, resp.EstimatedTimeSeconds)
	assert.True(t, resp.CostTokens.Equal(decimal.NewFromInt(1)))
}

func TestSubmitJobQuotaExceeded(t *testing.T) {
	env := buildTestServer(t)
	ctx := context.Background()
	u, err := env.store.GetOrCreateUser(ctx, "telegram", "42", "")
	require.NoError(t, err)
	require.NoError(t, env.store.IncrementUsage(ctx, u.ID, store.TodayUTC(), decimal.NewFromFloat(19.5), 5))

	w := postJSON(env, "/api/v1/jobs", submitBody())
	assert.Equal(t, 402, w.Result().StatusCode())
}

func TestSubmitJobInvalid(t *testing.T) {
	env := buildTestServer(t)

	body := submitBody()
	body["capability"] = "hologram"
	w := postJSON(env, "/api/v1/jobs", body)
	assert.Equal(t, 400, w.Result().StatusCode())

	body = submitBody()
	body["user_ref"] = "no-colon"
	w = postJSON(env, "/api/v1/jobs", body)
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestGetJobNotFound(t *testing.T) {
	env := buildTestServer(t)
	w := ut.PerformRequest(env.server.Engine, "GET", "/api/v1/jobs/job-missing", nil)
	assert.Equal(t, 404, w.Result().StatusCode())
}

func TestGetJobQueuedProjection(t *testing.T) {
	env := buildTestServer(t)
	w := postJSON(env, "/api/v1/jobs", submitBody())
	require.Equal(t, 200, w.Result().StatusCode())
	var ack struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &ack))

	w = ut.PerformRequest(env.server.Engine, "GET", "/api/v1/jobs/"+ack.JobID, nil)
	require.Equal(t, 200, w.Result().StatusCode())

	var view struct {
		JobID         string `json:"job_id"`
		Status        string `json:"status"`
		Capability    string `json:"capability"`
		CostTokens    string `json:"cost_tokens"`
		QueuePosition *int   `json:"queue_position"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &view))
	assert.Equal(t, ack.JobID, view.JobID)
	assert.Equal(t, "QUEUED", view.Status)
	assert.Equal(t, "image", view.Capability)
	assert.Equal(t, "1.00", view.CostTokens)
	require.NotNil(t, view.QueuePosition)
	assert.Equal(t, 0, *view.QueuePosition)
}

func TestGetJobCompletedIncludesArtifacts(t *testing.T) {
	env := buildTestServer(t)
	ctx := context.Background()
	u, err := env.store.GetOrCreateUser(ctx, "telegram", "42", "")
	require.NoError(t, err)

	now := time.Now().UTC()
	jobID, err := env.store.CreateJob(ctx, &job.Job{
		UserID:     u.ID,
		Frontend:   "telegram",
		Capability: job.CapabilityImage,
		Status:     job.StatusCompleted,
		CostTokens: decimal.NewFromInt(1),
		CreatedAt:  now,
		EndedAt:    &now,
	})
	require.NoError(t, err)
	_, err = env.store.CreateArtifact(ctx, &store.Artifact{
		JobID:     jobID,
		Type:      "image",
		PublicURL: "http://cdn/out.png",
		Format:    "png",
	})
	require.NoError(t, err)

	w := ut.PerformRequest(env.server.Engine, "GET", "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var view struct {
		Status    string `json:"status"`
		Artifacts []struct {
			Type      string `json:"type"`
			PublicURL string `json:"public_url"`
		} `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &view))
	assert.Equal(t, "COMPLETED", view.Status)
	require.Len(t, view.Artifacts, 1)
	assert.Equal(t, "http://cdn/out.png", view.Artifacts[0].PublicURL)
}

func TestHeartbeat(t *testing.T) {
	env := buildTestServer(t)
	w := postJSON(env, "/api/internal/heartbeat", map[string]any{
		"worker_id":    "gpu-0",
		"url":          "http://gpu-0:8081",
		"capabilities": []string{"image", "video"},
	})
	require.Equal(t, 200, w.Result().StatusCode())

	snap := env.registry.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "gpu-0", snap[0].ID)
	assert.Equal(t, []string{"image", "video"}, snap[0].Capabilities)
}

func TestHeartbeatMalformed(t *testing.T) {
	env := buildTestServer(t)
	w := postJSON(env, "/api/internal/heartbeat", map[string]any{
		"worker_id": "gpu-0",
	})
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestListWorkers(t *testing.T) {
	env := buildTestServer(t)
	env.registry.Register("gpu-0", "http://gpu-0:8081", []string{"image"})

	w := ut.PerformRequest(env.server.Engine, "GET", "/api/system/workers", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var resp struct {
		Workers []struct {
			WorkerID string `json:"worker_id"`
			Status   string `json:"status"`
		} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &resp))
	require.Len(t, resp.Workers, 1)
	assert.Equal(t, "gpu-0", resp.Workers[0].WorkerID)
	assert.Equal(t, "idle", resp.Workers[0].Status)
}

func TestSystemMetrics(t *testing.T) {
	env := buildTestServer(t)
	w := ut.PerformRequest(env.server.Engine, "GET", "/api/system/metrics", nil)
	assert.Equal(t, 200, w.Result().StatusCode())
}
