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

// Package app 服务装配：按配置构建协调存储与各子系统，API/Worker 进程共用。
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"review-pipeline/internal/dispatch"
	"review-pipeline/internal/failure"
	"review-pipeline/internal/ingest"
	"review-pipeline/internal/outbox"
	"review-pipeline/internal/review"
	"review-pipeline/internal/store"
	"review-pipeline/internal/workqueue"
	"review-pipeline/pkg/config"
	"review-pipeline/pkg/log"
	"review-pipeline/pkg/secrets"
)

// Bootstrap 装配完成的运行时依赖；Pool 仅 postgres 后端非 nil
type Bootstrap struct {
	Config   *config.Config
	Logger   *log.Logger
	Pool     *pgxpool.Pool
	Queue    workqueue.Queue
	Dispatch *dispatch.Service
	Outbox   outbox.Store
	Pipeline *failure.Pipeline
	Fetcher  *ingest.Fetcher
	Ingest   *ingest.Service
	Wakeup   *ingest.WakeupQueueMem
	Provider outbox.Provider
	Producer review.Producer
	Secrets  secrets.Store
}

// NewBootstrap 按配置装配全部依赖。store.type=memory 时各子系统共用进程内实现
// （单进程开发/测试形态），postgres 时共用同一连接池并建表
func NewBootstrap(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Bootstrap, error) {
	b := &Bootstrap{Config: cfg, Logger: logger}

	if cfg.Store.Type == "postgres" {
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("app: store.dsn 未配置")
		}
		pool, err := store.Open(ctx, cfg.Store.DSN, cfg.Store.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("app: 打开协调存储失败: %w", err)
		}
		if err := store.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("app: 建表失败: %w", err)
		}
		b.Pool = pool
		b.Queue = workqueue.NewPgQueue(pool, store.UTCNow)
		b.Dispatch = dispatch.NewService(dispatch.NewPgStore(pool, store.UTCNow))
		b.Outbox = outbox.NewPgStore(pool, store.UTCNow)
		failureStore := failure.NewPgStore(pool, store.UTCNow)
		pipeline, err := failure.NewPipeline(failureStore, cfg.Review.Stages)
		if err != nil {
			pool.Close()
			return nil, err
		}
		b.Pipeline = pipeline
	} else {
		b.Queue = workqueue.NewMemoryQueue(store.UTCNow)
		b.Dispatch = dispatch.NewService(dispatch.NewMemoryStore(store.UTCNow))
		b.Outbox = outbox.NewMemoryStore(store.UTCNow)
		pipeline, err := failure.NewPipeline(failure.NewMemoryStore(store.UTCNow), cfg.Review.Stages)
		if err != nil {
			return nil, err
		}
		b.Pipeline = pipeline
	}

	secretStore, err := secrets.NewStore(secrets.Config{
		Backend:    cfg.Secrets.Backend,
		EnvPrefix:  cfg.Secrets.EnvPrefix,
		VaultAddr:  cfg.Secrets.VaultAddr,
		VaultPath:  cfg.Secrets.VaultPath,
		VaultToken: os.Getenv("VAULT_TOKEN"),
	})
	if err != nil {
		return nil, fmt.Errorf("app: 初始化 secrets 后端失败: %w", err)
	}
	b.Secrets = secretStore

	token := ""
	if cfg.Notify.TokenSecret != "" {
		token, err = secretStore.Get(ctx, cfg.Notify.TokenSecret)
		if err != nil {
			logger.Warn("读取通知 provider token 失败，将不带鉴权调用", "key", cfg.Notify.TokenSecret, "error", err)
		}
	}
	var provider outbox.Provider = outbox.NewHTTPProvider(cfg.Notify.ProviderURL, token, 10*time.Second)
	if cfg.Notify.QPS > 0 {
		provider = outbox.NewRateLimitedProvider(provider, cfg.Notify.QPS, cfg.Notify.Burst)
	}
	b.Provider = provider
	b.Producer = review.NewHTTPProducer(cfg.Review.ProducerURL, 60*time.Second)

	fetcher, err := ingest.NewFetcher(cfg.Ingest.AllowlistPrefixes, cfg.Ingest.P4Binary,
		time.Duration(cfg.Ingest.TimeoutSeconds)*time.Second, nil)
	if err != nil {
		return nil, fmt.Errorf("app: 初始化 changelist fetcher 失败: %w", err)
	}
	b.Fetcher = fetcher

	// 事件驱动唤醒仅对同进程 worker 生效；分进程部署时 worker 退化为轮询
	b.Wakeup = ingest.NewWakeupQueueMem(0)
	b.Ingest = ingest.NewService(fetcher, b.Dispatch, b.Queue, b.Wakeup)
	return b, nil
}

// Close 释放连接池等资源
func (b *Bootstrap) Close() {
	if b.Pool != nil {
		b.Pool.Close()
	}
}
