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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 调度器配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig HTTP 服务配置
type APIConfig struct {
	ListenAddr string           `mapstructure:"listen_addr"` // 如 ":8000"
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable bool `mapstructure:"enable"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	RateLimit    bool `mapstructure:"rate_limit"`
	RateLimitRPS int  `mapstructure:"rate_limit_rps"` // <=0 时默认 50
}

// StoreConfig 持久层配置；URL 为 Postgres 连接串，空则使用内存实现（仅开发/测试）
type StoreConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

// SchedulerConfig 调度参数；字段与部署环境变量一一对应
type SchedulerConfig struct {
	HeartbeatTTLSeconds  int `mapstructure:"heartbeat_ttl_seconds"`  // HEARTBEAT_TTL_SECONDS，默认 60
	WorkerTimeoutSeconds int `mapstructure:"worker_timeout_seconds"` // WORKER_TIMEOUT_SECONDS，默认 300
	DispatchGraceSeconds int `mapstructure:"dispatch_grace_seconds"` // DISPATCH_GRACE_SECONDS，默认 10
	IdlePollIntervalMS   int `mapstructure:"idle_poll_interval_ms"`  // IDLE_POLL_INTERVAL_MS，默认 1000
	ErrorBackoffMS       int `mapstructure:"error_backoff_ms"`       // ERROR_BACKOFF_MS，默认 2000
	PerJobEstimateSecs   int `mapstructure:"per_job_estimate_seconds"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// HeartbeatTTL 心跳存活窗口
func (c SchedulerConfig) HeartbeatTTL() time.Duration {
	return time.Duration(c.HeartbeatTTLSeconds) * time.Second
}

// WorkerTimeout Worker RPC 中携带的执行超时
func (c SchedulerConfig) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutSeconds) * time.Second
}

// DispatchTimeout 网络超时 = WorkerTimeout + Grace
func (c SchedulerConfig) DispatchTimeout() time.Duration {
	return c.WorkerTimeout() + time.Duration(c.DispatchGraceSeconds)*time.Second
}

// IdlePollInterval 无 Worker / 无 Job 时的轮询间隔
func (c SchedulerConfig) IdlePollInterval() time.Duration {
	return time.Duration(c.IdlePollIntervalMS) * time.Millisecond
}

// ErrorBackoff 调度循环异常后的退避
func (c SchedulerConfig) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffMS) * time.Millisecond
}

// envBindings 配置键 → 环境变量；部署约定优先使用环境变量覆盖 yaml
var envBindings = map[string]string{
	"store.url":                          "STORE_URL",
	"api.listen_addr":                    "LISTEN_ADDR",
	"scheduler.heartbeat_ttl_seconds":    "HEARTBEAT_TTL_SECONDS",
	"scheduler.worker_timeout_seconds":   "WORKER_TIMEOUT_SECONDS",
	"scheduler.dispatch_grace_seconds":   "DISPATCH_GRACE_SECONDS",
	"scheduler.idle_poll_interval_ms":    "IDLE_POLL_INTERVAL_MS",
	"scheduler.error_backoff_ms":         "ERROR_BACKOFF_MS",
	"scheduler.per_job_estimate_seconds": "PER_JOB_ESTIMATE_SECONDS",
}

// LoadConfig 加载配置文件并套用默认值与环境变量覆盖；configPath 为空时仅用默认+环境
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.listen_addr", ":8000")
	v.SetDefault("store.pool_size", 10)
	v.SetDefault("scheduler.heartbeat_ttl_seconds", 60)
	v.SetDefault("scheduler.worker_timeout_seconds", 300)
	v.SetDefault("scheduler.dispatch_grace_seconds", 10)
	v.SetDefault("scheduler.idle_poll_interval_ms", 1000)
	v.SetDefault("scheduler.error_backoff_ms", 2000)
	v.SetDefault("scheduler.per_job_estimate_seconds", 20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.prometheus.enable", true)
}

// LoadSchedulerConfig 加载调度器配置（configs/scheduler.yaml，不存在时退回默认+环境变量）
func LoadSchedulerConfig() (*Config, error) {
	cfg, err := LoadConfig("configs/scheduler.yaml")
	if err != nil {
		return LoadConfig("")
	}
	return cfg, nil
}
