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

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"github.com/ShadowPlague21/Tessera/internal/admission"
	apihttp "github.com/ShadowPlague21/Tessera/internal/api/http"
	"github.com/ShadowPlague21/Tessera/internal/api/http/middleware"
	"github.com/ShadowPlague21/Tessera/internal/dispatch"
	"github.com/ShadowPlague21/Tessera/internal/registry"
	"github.com/ShadowPlague21/Tessera/internal/store"
	"github.com/ShadowPlague21/Tessera/pkg/config"
	"github.com/ShadowPlague21/Tessera/pkg/log"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App 调度器应用：装配 Store、Registry、Admission、Dispatcher 与 HTTP 层。
// 全部依赖在启动时显式注入，无包级单例
type App struct {
	config       *config.Config
	logger       *log.Logger
	store        store.Store
	registry     *registry.Registry
	dispatcher   *dispatch.Dispatcher
	router       *apihttp.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	gcStop       chan struct{}
}

// NewApp 创建调度器应用；store.url 为空时退回内存 Store（仅开发/测试）。
// Postgres 模式下建表、种子计划并做 ORPHANED 清扫：
// 重启后注册表为空，残留 RUNNING 的任务无人跟踪，统一置为 FAILED
func NewApp(cfg *config.Config, logger *log.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var st store.Store
	if cfg.Store.URL != "" {
		pg, err := store.NewPostgres(ctx, cfg.Store.URL, cfg.Store.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("连接 Postgres 失败: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("初始化 schema 失败: %w", err)
		}
		st = pg
	} else {
		logger.Warn("store.url 未配置，使用内存 Store，进程退出后数据丢失")
		st = store.NewMem()
	}

	swept, err := st.FailOrphanedRunning(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("清扫 RUNNING 残留失败: %w", err)
	}
	if swept > 0 {
		logger.Warn("清扫重启前残留的 RUNNING 任务", "count", swept)
	}

	reg := registry.New(cfg.Scheduler.HeartbeatTTL())
	adm := admission.NewService(st,
		time.Duration(cfg.Scheduler.PerJobEstimateSecs)*time.Second, logger)
	workerClient := dispatch.NewWorkerClient(cfg.Scheduler.DispatchTimeout())
	disp := dispatch.New(st, reg, workerClient, dispatch.Config{
		WorkerTimeout: cfg.Scheduler.WorkerTimeout(),
		IdlePoll:      cfg.Scheduler.IdlePollInterval(),
		ErrorBackoff:  cfg.Scheduler.ErrorBackoff(),
	}, logger)

	router := apihttp.NewRouter(
		apihttp.NewHandler(adm, st, reg),
		middleware.NewMiddleware(),
	)
	router.SetCORS(cfg.API.CORS.Enable)
	if cfg.API.Middleware.RateLimit {
		rps := cfg.API.Middleware.RateLimitRPS
		if rps <= 0 {
			rps = 50
		}
		router.SetRateLimit(rps)
	}

	return &App{
		config:     cfg,
		logger:     logger,
		store:      st,
		registry:   reg,
		dispatcher: disp,
		router:     router,
		gcStop:     make(chan struct{}),
	}, nil
}

// Run 启动调度循环、注册表 GC 与 HTTP 服务；阻塞直到服务退出
func (a *App) Run(addr string) error {
	a.logger.Info("调度器启动", "addr", addr)

	// 使用 Hertz slog 扩展，与应用日志配置对齐
	output := os.Stdout
	if a.config.Log.File != "" {
		f, err := os.OpenFile(a.config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch a.config.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
	hlog.SetLogger(hertzLogger)

	// 可选：启用链路追踪（OpenTelemetry）
	if a.config.Monitoring.Tracing.Enable {
		serviceName := a.config.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "tessera-scheduler"
		}
		exportEndpoint := a.config.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if a.config.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			p := provider.NewOpenTelemetryProvider(opts...)
			a.otelProvider = p
			tracerOpt, cfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(cfg))
			a.logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	a.dispatcher.Start(context.Background())
	go a.registryGCLoop()

	return a.hertz.Run()
}

// registryGCLoop 周期回收心跳超过 2×TTL 的 Worker 条目
func (a *App) registryGCLoop() {
	ttl := a.config.Scheduler.HeartbeatTTL()
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-a.gcStop:
			return
		case now := <-ticker.C:
			if n := a.registry.ForgetStale(now); n > 0 {
				a.logger.Info("回收失联 Worker", "count", n)
			}
		}
	}
}

// Shutdown 优雅关闭：停调度循环（等在途派发收尾）、关 HTTP、关 Store
func (a *App) Shutdown(ctx context.Context) error {
	close(a.gcStop)
	a.dispatcher.Stop()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.store.Close()
	return nil
}
