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

package registry

import (
	"sync"
	"time"
)

// WorkerStatus Worker 派发状态
type WorkerStatus string

const (
	StatusIdle WorkerStatus = "idle"
	StatusBusy WorkerStatus = "busy"
)

// Worker 注册表条目；仅存内存，重启后由心跳重建
type Worker struct {
	ID              string       `json:"worker_id"`
	BaseURL         string       `json:"url"`
	Capabilities    []string     `json:"capabilities"`
	Status          WorkerStatus `json:"status"`
	LoadedModels    []string     `json:"loaded_models,omitempty"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
}

// Registry 内存 Worker 注册表；全部变更走互斥锁，读方拿到的是单个 Worker 的一致快照
type Registry struct {
	mu      sync.Mutex
	ttl     time.Duration
	workers map[string]*Worker
}

// New 创建注册表；ttl 为心跳存活窗口（超过即视为不健康，不参与派发）
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Registry{
		ttl:     ttl,
		workers: make(map[string]*Worker),
	}
}

// Register 心跳注册：upsert 并刷新 last_heartbeat_at；已有条目保留 busy/idle 状态
func (r *Registry) Register(workerID, baseURL string, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if w, ok := r.workers[workerID]; ok {
		w.BaseURL = baseURL
		w.Capabilities = append([]string(nil), capabilities...)
		w.LastHeartbeatAt = now
		return
	}
	r.workers[workerID] = &Worker{
		ID:              workerID,
		BaseURL:         baseURL,
		Capabilities:    append([]string(nil), capabilities...),
		Status:          StatusIdle,
		LastHeartbeatAt: now,
	}
}

// MarkBusy 标记派发中；Worker 不存在时静默
func (r *Registry) MarkBusy(workerID string) {
	r.setStatus(workerID, StatusBusy)
}

// MarkIdle 派发结束（含失败与 panic 路径）后归还
func (r *Registry) MarkIdle(workerID string) {
	r.setStatus(workerID, StatusIdle)
}

func (r *Registry) setStatus(workerID string, s WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.Status = s
	}
}

// HealthyIdle 返回 idle 且心跳未过期的 Worker 快照列表
func (r *Registry) HealthyIdle(now time.Time) []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Worker
	for _, w := range r.workers {
		if w.Status != StatusIdle {
			continue
		}
		if now.Sub(w.LastHeartbeatAt) > r.ttl {
			continue
		}
		cp := *w
		cp.Capabilities = append([]string(nil), w.Capabilities...)
		out = append(out, &cp)
	}
	return out
}

// ForgetStale 回收心跳超过 2×TTL 的 Worker，返回回收数
func (r *Registry) ForgetStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeatAt) > 2*r.ttl {
			delete(r.workers, id)
			n++
		}
	}
	return n
}

// Snapshot 全量快照（含 busy 与不健康条目），供 /api/system/workers 与指标
func (r *Registry) Snapshot() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		cp.Capabilities = append([]string(nil), w.Capabilities...)
		out = append(out, &cp)
	}
	return out
}

// BusyCount 当前 busy 条目数，供指标
func (r *Registry) BusyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.Status == StatusBusy {
			n++
		}
	}
	return n
}
