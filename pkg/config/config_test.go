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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.API.ListenAddr)
	assert.Equal(t, 10, cfg.Store.PoolSize)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.HeartbeatTTL())
	assert.Equal(t, 300*time.Second, cfg.Scheduler.WorkerTimeout())
	assert.Equal(t, 310*time.Second, cfg.Scheduler.DispatchTimeout())
	assert.Equal(t, time.Second, cfg.Scheduler.IdlePollInterval())
	assert.Equal(t, 2*time.Second, cfg.Scheduler.ErrorBackoff())
	assert.Equal(t, 20, cfg.Scheduler.PerJobEstimateSecs)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yaml")
	content := []byte(`
api:
  listen_addr: ":9000"
store:
  url: "postgres://localhost/tessera"
scheduler:
  heartbeat_ttl_seconds: 30
  worker_timeout_seconds: 120
log:
  level: "debug"
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.API.ListenAddr)
	assert.Equal(t, "postgres://localhost/tessera", cfg.Store.URL)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.HeartbeatTTL())
	assert.Equal(t, 120*time.Second, cfg.Scheduler.WorkerTimeout())
	assert.Equal(t, "debug", cfg.Log.Level)
	// 未覆盖的键保留默认
	assert.Equal(t, 1000, cfg.Scheduler.IdlePollIntervalMS)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("STORE_URL", "postgres://env-host/tessera")
	t.Setenv("HEARTBEAT_TTL_SECONDS", "15")
	t.Setenv("LISTEN_ADDR", ":7000")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-host/tessera", cfg.Store.URL)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.HeartbeatTTL())
	assert.Equal(t, ":7000", cfg.API.ListenAddr)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/scheduler.yaml")
	assert.Error(t, err)
}
