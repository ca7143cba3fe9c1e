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

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShadowPlague21/Tessera/internal/job"
	"github.com/ShadowPlague21/Tessera/internal/registry"
	"github.com/ShadowPlague21/Tessera/internal/store"
	"github.com/ShadowPlague21/Tessera/pkg/log"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	logger, err := log.NewLogger(nil)
	require.NoError(t, err)
	return logger
}

// fakeWorker 以互斥锁记录收到的 job_id 顺序，按配置的应答器回复
type fakeWorker struct {
	mu      sync.Mutex
	seen    []string
	handler func(req *RunJobRequest) (int, *RunJobResponse)
	srv     *httptest.Server
}

func newFakeWorker(t *testing.T, handler func(req *RunJobRequest) (int, *RunJobResponse)) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{handler: handler}
	fw.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/worker/run_job", r.URL.Path)
		var req RunJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fw.mu.Lock()
		fw.seen = append(fw.seen, req.JobID)
		fw.mu.Unlock()
		code, resp := fw.handler(&req)
		w.WriteHeader(code)
		if resp != nil {
			_ = json.NewEncoder(w).Encode(resp)
		}
	}))
	t.Cleanup(fw.srv.Close)
	return fw
}

func (f *fakeWorker) seenJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func okResponse(artifacts int) func(req *RunJobRequest) (int, *RunJobResponse) {
	return func(req *RunJobRequest) (int, *RunJobResponse) {
		resp := &RunJobResponse{
			Status:               "completed",
			JobID:                req.JobID,
			ExecutionTimeSeconds: 5.0,
		}
		for i := 0; i < artifacts; i++ {
			resp.Artifacts = append(resp.Artifacts, RunJobArtifact{
				Type: "image",
				URL:  "http://cdn/out.png",
			})
		}
		return http.StatusOK, resp
	}
}

func enqueue(t *testing.T, st store.Store, userID int64, capability string, priority int, createdAt time.Time) string {
	t.Helper()
	queuedAt := createdAt
	j := &job.Job{
		UserID:     userID,
		Frontend:   "telegram",
		Capability: capability,
		Status:     job.StatusQueued,
		Priority:   priority,
		Params:     json.RawMessage(`{"prompt":"cat"}`),
		CostTokens: decimal.NewFromInt(1),
		CreatedAt:  createdAt,
		QueuedAt:   &queuedAt,
	}
	id, err := st.CreateJob(context.Background(), j)
	require.NoError(t, err)
	return id
}

func startDispatcher(t *testing.T, st store.Store, reg *registry.Registry) *Dispatcher {
	t.Helper()
	d := New(st, reg, nil, Config{
		WorkerTimeout: 5 * time.Second,
		IdlePoll:      10 * time.Millisecond,
		ErrorBackoff:  10 * time.Millisecond,
	}, testLogger(t))
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func waitStatus(t *testing.T, st store.Store, jobID string, want job.Status) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), jobID)
		if err != nil || j == nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestDispatchHappyPath(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	u, err := st.GetOrCreateUser(ctx, "telegram", "42", "")
	require.NoError(t, err)
	jobID := enqueue(t, st, u.ID, job.CapabilityImage, 0, time.Now().UTC())

	fw := newFakeWorker(t, okResponse(1))
	reg := registry.New(time.Minute)
	reg.Register("w1", fw.srv.URL, []string{"image"})
	startDispatcher(t, st, reg)

	j := waitStatus(t, st, jobID, job.StatusCompleted)
	assert.Equal(t, "w1", j.WorkerID)
	require.NotNil(t, j.ExecutionTimeSeconds)
	assert.Equal(t, 5.0, *j.ExecutionTimeSeconds)
	require.NotNil(t, j.EndedAt)

	arts, err := st.ListArtifacts(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "image", arts[0].Type)

	usage, err := st.GetUsage(ctx, u.ID, store.TodayUTC())
	require.NoError(t, err)
	assert.True(t, usage.TokensUsed.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, int64(1), usage.JobsCompleted)

	// 派发结束后 Worker 归还为 idle
	require.Eventually(t, func() bool {
		return len(reg.HealthyIdle(time.Now())) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchWorkerHTTPError(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	u, err := st.GetOrCreateUser(ctx, "telegram", "42", "")
	require.NoError(t, err)
	jobID := enqueue(t, st, u.ID, job.CapabilityImage, 0, time.Now().UTC())

	fw := newFakeWorker(t, func(req *RunJobRequest) (int, *RunJobResponse) {
		return http.StatusInternalServerError, nil
	})
	reg := registry.New(time.Minute)
	reg.Register("w1", fw.srv.URL, []string{"image"})
	startDispatcher(t, st, reg)

	j := waitStatus(t, st, jobID, job.StatusFailed)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.CodeDispatchError, j.Error.Code)

	// 失败不扣用量
	usage, err := st.GetUsage(ctx, u.ID, store.TodayUTC())
	require.NoError(t, err)
	assert.True(t, usage.TokensUsed.IsZero())

	// Worker 可以继续接下一条
	require.Eventually(t, func() bool {
		return len(reg.HealthyIdle(time.Now())) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchWorkerReportedFailure(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	u, err := st.GetOrCreateUser(ctx, "telegram", "42", "")
	require.NoError(t, err)
	jobID := enqueue(t, st, u.ID, job.CapabilityText, 0, time.Now().UTC())

	fw := newFakeWorker(t, func(req *RunJobRequest) (int, *RunJobResponse) {
		return http.StatusOK, &RunJobResponse{
			Status: "failed",
			JobID:  req.JobID,
			Error:  &job.ErrorInfo{Code: "OOM", Message: "model out of memory"},
		}
	})
	reg := registry.New(time.Minute)
	reg.Register("w1", fw.srv.URL, []string{"text"})
	startDispatcher(t, st, reg)

	j := waitStatus(t, st, jobID, job.StatusFailed)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.CodeWorkerReportedFailure, j.Error.Code)
	assert.Equal(t, "model out of memory", j.Error.Message)
}

func TestDispatchPriorityOrder(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	u, err := st.GetOrCreateUser(ctx, "telegram", "42", "")
	require.NoError(t, err)

	base := time.Now().UTC()
	a := enqueue(t, st, u.ID, job.CapabilityImage, 0, base.Add(1*time.Millisecond))
	b := enqueue(t, st, u.ID, job.CapabilityImage, 2, base.Add(2*time.Millisecond))
	c := enqueue(t, st, u.ID, job.CapabilityImage, 2, base.Add(3*time.Millisecond))

	fw := newFakeWorker(t, okResponse(0))
	reg := registry.New(time.Minute)
	reg.Register("w1", fw.srv.URL, []string{"image"})
	startDispatcher(t, st, reg)

	waitStatus(t, st, a, job.StatusCompleted)
	waitStatus(t, st, b, job.StatusCompleted)
	waitStatus(t, st, c, job.StatusCompleted)

	// 高优先级先派，平级按 created_at FIFO
	assert.Equal(t, []string{b, c, a}, fw.seenJobs())
}

func TestDispatchCapabilityRouting(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	u, err := st.GetOrCreateUser(ctx, "telegram", "42", "")
	require.NoError(t, err)

	jImg := enqueue(t, st, u.ID, job.CapabilityImage, 0, time.Now().UTC())
	jTxt := enqueue(t, st, u.ID, job.CapabilityText, 0, time.Now().UTC())

	imgWorker := newFakeWorker(t, okResponse(0))
	txtWorker := newFakeWorker(t, okResponse(0))
	reg := registry.New(time.Minute)
	reg.Register("w-img", imgWorker.srv.URL, []string{"image"})
	reg.Register("w-txt", txtWorker.srv.URL, []string{"text"})
	startDispatcher(t, st, reg)

	waitStatus(t, st, jImg, job.StatusCompleted)
	waitStatus(t, st, jTxt, job.StatusCompleted)

	assert.Equal(t, []string{jImg}, imgWorker.seenJobs())
	assert.Equal(t, []string{jTxt}, txtWorker.seenJobs())
}

func TestDispatchNoHealthyWorker(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	u, err := st.GetOrCreateUser(ctx, "telegram", "42", "")
	require.NoError(t, err)
	jobID := enqueue(t, st, u.ID, job.CapabilityImage, 0, time.Now().UTC())

	reg := registry.New(time.Minute)
	startDispatcher(t, st, reg)

	// 没有健康 Worker 时任务保持 QUEUED
	time.Sleep(100 * time.Millisecond)
	j, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, j.Status)
}
