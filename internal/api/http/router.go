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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"github.com/ShadowPlague21/Tessera/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler      *Handler
	middleware   *middleware.Middleware
	enableCORS   bool
	rateLimitRPS int
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// SetCORS 开关 CORS 中间件
func (r *Router) SetCORS(enabled bool) {
	r.enableCORS = enabled
}

// SetRateLimit 设置全局速率限制；rps <= 0 表示关闭
func (r *Router) SetRateLimit(rps int) {
	r.rateLimitRPS = rps
}

// Build 构建 Hertz Server 并挂载全部路由；opts 供调用方附加 tracer 等选项
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	options := append([]config.Option{server.WithHostPorts(addr)}, opts...)
	s := server.Default(options...)

	if r.enableCORS {
		s.Use(r.middleware.CORS())
	}
	if r.rateLimitRPS > 0 {
		s.Use(r.middleware.RateLimit(r.rateLimitRPS))
	}

	api := s.Group("/api")
	api.GET("/health", r.handler.HealthCheck)

	v1 := api.Group("/v1")
	{
		v1.POST("/jobs", r.handler.SubmitJob)
		v1.GET("/jobs/:id", r.handler.GetJob)
	}

	// Worker 面向内网的心跳入口，无认证
	internal := api.Group("/internal")
	{
		internal.POST("/heartbeat", r.handler.Heartbeat)
	}

	system := api.Group("/system")
	{
		system.GET("/workers", r.handler.ListWorkers)
		system.GET("/metrics", r.handler.SystemMetrics)
	}

	return s
}
