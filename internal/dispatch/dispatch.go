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
	"fmt"
	"sync"
	"time"

	"github.com/ShadowPlague21/Tessera/internal/job"
	"github.com/ShadowPlague21/Tessera/internal/registry"
	"github.com/ShadowPlague21/Tessera/internal/store"
	"github.com/ShadowPlague21/Tessera/pkg/log"
	"github.com/ShadowPlague21/Tessera/pkg/metrics"
)

// Config 调度循环参数；零值字段取默认
type Config struct {
	WorkerTimeout time.Duration // 传给 Worker 的执行上限（payload timeout_seconds）
	IdlePoll      time.Duration // 无 Worker 或无任务时的轮询间隔
	ErrorBackoff  time.Duration // 循环出错后的退避
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WorkerTimeout <= 0 {
		out.WorkerTimeout = 300 * time.Second
	}
	if out.IdlePoll <= 0 {
		out.IdlePoll = time.Second
	}
	if out.ErrorBackoff <= 0 {
		out.ErrorBackoff = 2 * time.Second
	}
	return out
}

// Dispatcher 后台派发循环：空闲 Worker 与最高优先级排队任务配对，
// 每个在途派发一个 goroutine，循环本身立即回到认领下一条
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	client   WorkerClient
	config   Config
	logger   *log.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New 创建 Dispatcher；client 为 nil 时按 WorkerTimeout+10s 建默认 resty 客户端
func New(st store.Store, reg *registry.Registry, client WorkerClient, cfg Config, logger *log.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if client == nil {
		client = NewWorkerClient(cfg.WorkerTimeout + 10*time.Second)
	}
	return &Dispatcher{
		store:    st,
		registry: reg,
		client:   client,
		config:   cfg,
		logger:   logger.Named("dispatch"),
		stopCh:   make(chan struct{}),
	}
}

// Start 启动派发循环；ctx 取消或 Stop 调用后退出
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			dispatched, err := d.tick(ctx)
			if err != nil {
				d.logger.Error("dispatch tick failed", "err", err)
				d.sleep(d.config.ErrorBackoff)
				continue
			}
			if !dispatched {
				d.sleep(d.config.IdlePoll)
			}
		}
	}()
}

// Stop 停止循环并等待所有在途派发收尾
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) sleep(dur time.Duration) {
	select {
	case <-d.stopCh:
	case <-time.After(dur):
	}
}

// tick 做一轮配对：任取一个健康空闲 Worker，按其能力认领任务。
// 返回是否派发了任务；派发后立即返回以便循环继续消化队列
func (d *Dispatcher) tick(ctx context.Context) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.DispatchTickDuration.Observe(time.Since(start).Seconds())
	}()

	d.sampleGauges(ctx)

	workers := d.registry.HealthyIdle(time.Now())
	if len(workers) == 0 {
		return false, nil
	}
	for _, w := range workers {
		j, err := d.store.ClaimNextQueued(ctx, w.ID, w.Capabilities)
		if err != nil {
			return false, err
		}
		if j == nil {
			continue
		}
		d.registry.MarkBusy(w.ID)
		d.logger.Info("job claimed",
			"job_id", j.ID, "worker_id", w.ID,
			"capability", j.Capability, "priority", j.Priority)
		d.wg.Add(1)
		go d.run(w, j)
		return true, nil
	}
	return false, nil
}

func (d *Dispatcher) sampleGauges(ctx context.Context) {
	metrics.WorkersRegistered.Set(float64(len(d.registry.Snapshot())))
	metrics.WorkerBusy.Set(float64(d.registry.BusyCount()))
	if n, err := d.store.CountQueued(ctx); err == nil {
		metrics.QueuedJobs.Set(float64(n))
	}
}

// run 执行单次派发：Worker RPC → complete/fail。
// 不论哪条路径退出（含 panic），Worker 都要归还为 idle
func (d *Dispatcher) run(w *registry.Worker, j *job.Job) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panicked", "job_id", j.ID, "worker_id", w.ID, "panic", r)
			d.fail(j, job.CodeDispatchError, fmt.Sprintf("dispatch panicked: %v", r))
		}
		d.registry.MarkIdle(w.ID)
	}()

	// 派发寿命独立于调度循环的 ctx，优雅停机时让在途任务跑完
	ctx := context.Background()
	req := &RunJobRequest{
		JobID:          j.ID,
		Params:         j.Params,
		TimeoutSeconds: int(d.config.WorkerTimeout / time.Second),
	}
	start := time.Now()
	resp, err := d.client.RunJob(ctx, w.BaseURL, req)
	metrics.DispatchDuration.WithLabelValues(j.Capability).Observe(time.Since(start).Seconds())
	if err != nil {
		d.fail(j, job.CodeDispatchError, err.Error())
		return
	}
	if resp.Status != "completed" {
		msg := "worker reported failure"
		if resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		}
		d.fail(j, job.CodeWorkerReportedFailure, msg)
		return
	}
	d.complete(j, resp)
}

// complete 落产物、置 COMPLETED 并做权威配额扣减；CAS 失败说明任务已到终态，跳过扣减
func (d *Dispatcher) complete(j *job.Job, resp *RunJobResponse) {
	ctx := context.Background()
	artifactIDs := make([]string, 0, len(resp.Artifacts))
	for _, a := range resp.Artifacts {
		typ := a.Type
		if typ == "" {
			typ = j.Capability
		}
		meta := a.Metadata
		if meta == nil {
			meta = json.RawMessage("{}")
		}
		id, err := d.store.CreateArtifact(ctx, &store.Artifact{
			JobID:     j.ID,
			Type:      typ,
			LocalPath: a.Path,
			PublicURL: a.URL,
			Format:    a.Format,
			Metadata:  meta,
		})
		if err != nil {
			d.logger.Error("artifact create failed", "job_id", j.ID, "err", err)
			continue
		}
		artifactIDs = append(artifactIDs, id)
	}

	now := time.Now().UTC()
	execTime := resp.ExecutionTimeSeconds
	meta, _ := json.Marshal(map[string]any{"artifact_ids": artifactIDs})
	ok, err := d.store.TransitionJob(ctx, j.ID, job.StatusRunning, job.StatusCompleted,
		store.TransitionUpdate{
			EndedAt:              &now,
			ExecutionTimeSeconds: &execTime,
			Metadata:             meta,
		})
	if err != nil {
		d.logger.Error("complete transition failed", "job_id", j.ID, "err", err)
		return
	}
	if !ok {
		d.logger.Warn("complete skipped, job no longer RUNNING", "job_id", j.ID)
		return
	}
	if err := d.store.IncrementUsage(ctx, j.UserID, store.TodayUTC(), j.CostTokens, 1); err != nil {
		d.logger.Error("usage increment failed", "job_id", j.ID, "user_id", j.UserID, "err", err)
	}
	metrics.JobTotal.WithLabelValues(string(job.StatusCompleted), j.Capability).Inc()
	d.logger.Info("job completed",
		"job_id", j.ID, "worker_id", j.WorkerID,
		"artifacts", len(artifactIDs), "execution_time_seconds", execTime)
}

// fail 置 FAILED；失败不扣用量
func (d *Dispatcher) fail(j *job.Job, code, message string) {
	ctx := context.Background()
	now := time.Now().UTC()
	ok, err := d.store.TransitionJob(ctx, j.ID, job.StatusRunning, job.StatusFailed,
		store.TransitionUpdate{
			EndedAt: &now,
			Error:   &job.ErrorInfo{Code: code, Message: message},
		})
	if err != nil {
		d.logger.Error("fail transition failed", "job_id", j.ID, "err", err)
		return
	}
	if !ok {
		d.logger.Warn("fail skipped, job no longer RUNNING", "job_id", j.ID)
		return
	}
	metrics.JobTotal.WithLabelValues(string(job.StatusFailed), j.Capability).Inc()
	d.logger.Warn("job failed", "job_id", j.ID, "code", code, "message", message)
}
