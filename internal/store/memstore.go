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
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ShadowPlague21/Tessera/internal/job"
)

// Mem 内存实现：map + 互斥锁，语义与 Postgres 实现一致（认领串行化、用量加法合并）。
// 供单测与无 STORE_URL 的本地开发使用；进程退出即丢失。
type Mem struct {
	mu         sync.Mutex
	plans      map[int64]Plan
	users      map[string]*User // key: platform + "\x00" + platform_user_id
	usersByID  map[int64]*User
	nextUserID int64
	jobs       map[string]*job.Job
	artifacts  map[string][]*Artifact // job id -> artifacts
	usage      map[string]*Usage      // key: userID + "\x00" + date
}

// NewMem 创建内存 Store，并种子默认免费计划（id=1，日额度 20，priority 0）
func NewMem() *Mem {
	return &Mem{
		plans: map[int64]Plan{
			DefaultPlanID: {ID: DefaultPlanID, DailyTokenLimit: 20, Priority: 0},
		},
		users:     make(map[string]*User),
		usersByID: make(map[int64]*User),
		jobs:      make(map[string]*job.Job),
		artifacts: make(map[string][]*Artifact),
		usage:     make(map[string]*Usage),
	}
}

// SeedPlan 写入/覆盖一个计划（测试与初始化用）
func (s *Mem) SeedPlan(p Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
}

func userKey(platform, uid string) string { return platform + "\x00" + uid }

func usageKey(userID int64, date string) string {
	return strconv.FormatInt(userID, 10) + "\x00" + date
}

func (s *Mem) GetOrCreateUser(ctx context.Context, platform, platformUID, ipAddress string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userKey(platform, platformUID)]; ok {
		cp := *u
		return &cp, nil
	}
	s.nextUserID++
	u := &User{
		ID:             s.nextUserID,
		Platform:       platform,
		PlatformUserID: platformUID,
		PlanID:         DefaultPlanID,
		IPAddress:      ipAddress,
		CreatedAt:      time.Now().UTC(),
		Plan:           s.plans[DefaultPlanID],
	}
	s.users[userKey(platform, platformUID)] = u
	s.usersByID[u.ID] = u
	cp := *u
	return &cp, nil
}

func (s *Mem) CreateJob(ctx context.Context, j *job.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = "job-" + uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return j.ID, nil
}

func (s *Mem) TransitionJob(ctx context.Context, jobID string, from, to job.Status, upd TransitionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	if upd.QueuedAt != nil {
		t := *upd.QueuedAt
		j.QueuedAt = &t
	}
	if upd.EndedAt != nil {
		t := *upd.EndedAt
		j.EndedAt = &t
	}
	if to.Terminal() && j.EndedAt == nil {
		now := time.Now().UTC()
		j.EndedAt = &now
	}
	if upd.ExecutionTimeSeconds != nil {
		v := *upd.ExecutionTimeSeconds
		j.ExecutionTimeSeconds = &v
	}
	if upd.Error != nil {
		e := *upd.Error
		j.Error = &e
	}
	if upd.Metadata != nil {
		j.Metadata = append([]byte(nil), upd.Metadata...)
	}
	return true, nil
}

func (s *Mem) ClaimNextQueued(ctx context.Context, workerID string, capabilities []string) (*job.Job, error) {
	capSet := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *job.Job
	for _, j := range s.jobs {
		if j.Status != job.StatusQueued || !capSet[j.Capability] {
			continue
		}
		if best == nil ||
			j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	best.Status = job.StatusRunning
	best.StartedAt = &now
	best.WorkerID = workerID
	cp := *best
	return &cp, nil
}

func (s *Mem) CountQueuedAhead(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.jobs[jobID]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, j := range s.jobs {
		if j.ID == jobID || j.Status != job.StatusQueued {
			continue
		}
		if j.Priority > target.Priority ||
			(j.Priority == target.Priority && j.CreatedAt.Before(target.CreatedAt)) {
			n++
		}
	}
	return n, nil
}

func (s *Mem) CountQueued(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == job.StatusQueued {
			n++
		}
	}
	return n, nil
}

func (s *Mem) CreateArtifact(ctx context.Context, a *Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = "art-" + uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	s.artifacts[a.JobID] = append(s.artifacts[a.JobID], &cp)
	return a.ID, nil
}

func (s *Mem) ListArtifacts(ctx context.Context, jobID string) ([]*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.artifacts[jobID]
	out := make([]*Artifact, 0, len(src))
	for _, a := range src {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Mem) IncrementUsage(ctx context.Context, userID int64, date string, tokens decimal.Decimal, jobs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey(userID, date)
	u, ok := s.usage[key]
	if !ok {
		u = &Usage{UserID: userID, Date: date, TokensUsed: decimal.Zero}
		s.usage[key] = u
	}
	u.TokensUsed = u.TokensUsed.Add(tokens)
	u.JobsCompleted += jobs
	return nil
}

func (s *Mem) GetUsage(ctx context.Context, userID int64, date string) (*Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[usageKey(userID, date)]; ok {
		cp := *u
		return &cp, nil
	}
	return &Usage{UserID: userID, Date: date, TokensUsed: decimal.Zero}, nil
}

func (s *Mem) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *Mem) FailOrphanedRunning(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, j := range s.jobs {
		if j.Status != job.StatusRunning {
			continue
		}
		j.Status = job.StatusFailed
		j.EndedAt = &now
		j.Error = &job.ErrorInfo{Code: job.CodeOrphaned, Message: "scheduler restarted while job was running"}
		n++
	}
	return n, nil
}

func (s *Mem) Close() {}

var _ Store = (*Mem)(nil)
