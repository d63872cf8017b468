// Copyright 2026 fanjia1024
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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"review-pipeline/internal/app"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 Hertz Server 与 Handler）
type App struct {
	bootstrap    *app.Bootstrap
	handler      *Handler
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) *App {
	handler := &Handler{
		Ingest:   bootstrap.Ingest,
		Fetcher:  bootstrap.Fetcher,
		Dispatch: bootstrap.Dispatch,
		Queue:    bootstrap.Queue,
		Outbox:   bootstrap.Outbox,
		Provider: bootstrap.Provider,
		Pipeline: bootstrap.Pipeline,
		Logger:   bootstrap.Logger,
	}
	return &App{bootstrap: bootstrap, handler: handler}
}

func (a *App) register(h *server.Hertz) {
	h.GET("/healthz", a.handler.Health)
	h.GET("/metrics", a.handler.Metrics)

	v1 := h.Group("/v1")
	v1.POST("/changes", a.handler.IngestChange)
	v1.GET("/jobs/:id", a.handler.GetJob)
	v1.GET("/queue/:id", a.handler.GetQueueJob)
	v1.POST("/outbox/deliver", a.handler.DeliverPending)
	v1.GET("/deadletters", a.handler.ListDeadLetters)
	v1.POST("/deadletters/:id/evidence", a.handler.RecordEvidence)
	v1.POST("/deadletters/:id/replay", a.handler.StartReplay)
	v1.POST("/deadletters/:id/replay/complete", a.handler.CompleteReplay)
	v1.POST("/deadletters/:id/replay/fail", a.handler.FailReplay)
	v1.GET("/security-events", a.handler.SecurityEvents)
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与进程日志配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	if cfg.Monitoring.Tracing.Enable && cfg.Monitoring.Tracing.ExportEndpoint != "" {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "review-api"
		}
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(cfg.Monitoring.Tracing.ExportEndpoint),
		}
		if cfg.Monitoring.Tracing.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, tracerCfg := hertztracing.NewServerTracer()
		a.hertz = server.New(server.WithHostPorts(addr), tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
		a.bootstrap.Logger.Info("链路追踪已启用",
			"service_name", serviceName, "endpoint", cfg.Monitoring.Tracing.ExportEndpoint)
	} else {
		a.hertz = server.New(server.WithHostPorts(addr))
	}

	a.register(a.hertz)
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.bootstrap.Close()
	return nil
}
