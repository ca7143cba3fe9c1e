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
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ShadowPlague21/Tessera/internal/job"
)

// RunJobRequest 调度器 → Worker 的 RPC 载荷；params 原样透传
type RunJobRequest struct {
	JobID          string          `json:"job_id"`
	Params         json.RawMessage `json:"params"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

// RunJobArtifact Worker 产出的单个产物描述
type RunJobArtifact struct {
	Type     string          `json:"type"`
	Path     string          `json:"path,omitempty"`
	URL      string          `json:"url,omitempty"`
	Format   string          `json:"format,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// RunJobResponse Worker 的执行结果
type RunJobResponse struct {
	Status               string           `json:"status"` // completed | failed
	JobID                string           `json:"job_id"`
	ExecutionTimeSeconds float64          `json:"execution_time_seconds"`
	Artifacts            []RunJobArtifact `json:"artifacts"`
	Error                *job.ErrorInfo   `json:"error,omitempty"`
}

// WorkerClient 调用 Worker 执行任务的 HTTP 客户端
type WorkerClient interface {
	RunJob(ctx context.Context, baseURL string, req *RunJobRequest) (*RunJobResponse, error)
}

// restyWorkerClient 基于 resty 的实现；网络超时 = WorkerTimeout + Grace，
// 不做重试，派发失败的重试是调用方层面的事
type restyWorkerClient struct {
	client *resty.Client
}

// NewWorkerClient 创建 Worker 客户端；timeout 覆盖整个 RPC 往返
func NewWorkerClient(timeout time.Duration) WorkerClient {
	client := resty.New()
	client.SetTimeout(timeout)
	return &restyWorkerClient{client: client}
}

func (c *restyWorkerClient) RunJob(ctx context.Context, baseURL string, req *RunJobRequest) (*RunJobResponse, error) {
	var out RunJobResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		Post(baseURL + "/worker/run_job")
	if err != nil {
		return nil, fmt.Errorf("worker rpc failed: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("worker returned HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Status == "" {
		return nil, fmt.Errorf("worker returned malformed body: %s", resp.String())
	}
	return &out, nil
}
