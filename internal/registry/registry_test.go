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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterPreservesBusyStatus(t *testing.T) {
	r := New(60 * time.Second)
	r.Register("gpu-0", "http://gpu-0:8081", []string{"image"})
	r.MarkBusy("gpu-0")

	// 心跳到达不应把派发中的 Worker 打回 idle
	r.Register("gpu-0", "http://gpu-0:8081", []string{"image", "video"})

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusBusy, snap[0].Status)
	assert.Equal(t, []string{"image", "video"}, snap[0].Capabilities)
}

func TestHealthyIdleFiltersBusyAndExpired(t *testing.T) {
	r := New(60 * time.Second)
	r.Register("a", "http://a", []string{"image"})
	r.Register("b", "http://b", []string{"image"})
	r.Register("c", "http://c", []string{"image"})
	r.MarkBusy("b")

	now := time.Now()
	got := r.HealthyIdle(now)
	ids := map[string]bool{}
	for _, w := range got {
		ids[w.ID] = true
	}
	assert.True(t, ids["a"])
	assert.True(t, ids["c"])
	assert.False(t, ids["b"])

	// TTL 过期后不再参与派发
	got = r.HealthyIdle(now.Add(61 * time.Second))
	assert.Empty(t, got)
}

func TestMarkIdleReturnsWorkerToPool(t *testing.T) {
	r := New(60 * time.Second)
	r.Register("a", "http://a", []string{"text"})
	r.MarkBusy("a")
	assert.Empty(t, r.HealthyIdle(time.Now()))
	assert.Equal(t, 1, r.BusyCount())

	r.MarkIdle("a")
	assert.Len(t, r.HealthyIdle(time.Now()), 1)
	assert.Equal(t, 0, r.BusyCount())
}

func TestForgetStale(t *testing.T) {
	r := New(60 * time.Second)
	r.Register("a", "http://a", []string{"image"})
	r.Register("b", "http://b", []string{"image"})

	// 2×TTL 之内只是不健康，不回收
	n := r.ForgetStale(time.Now().Add(90 * time.Second))
	assert.Equal(t, 0, n)
	assert.Len(t, r.Snapshot(), 2)

	n = r.ForgetStale(time.Now().Add(121 * time.Second))
	assert.Equal(t, 2, n)
	assert.Empty(t, r.Snapshot())
}

func TestSnapshotIsCopy(t *testing.T) {
	r := New(60 * time.Second)
	r.Register("a", "http://a", []string{"image"})
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Status = StatusBusy
	snap[0].Capabilities[0] = "video"

	fresh := r.Snapshot()
	assert.Equal(t, StatusIdle, fresh[0].Status)
	assert.Equal(t, "image", fresh[0].Capabilities[0])
}
