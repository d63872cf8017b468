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

package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"review-pipeline/internal/app"
)

// App Worker 应用：认领循环 + 业务处理器
type App struct {
	bootstrap *app.Bootstrap
	runner    *Runner
	cancel    context.CancelFunc
}

// NewApp 创建 Worker 应用（由 cmd/worker 调用）；workerID 形如 "<hostname>-<短uuid>"
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config

	pollInterval, err := time.ParseDuration(cfg.Worker.PollInterval)
	if err != nil || pollInterval <= 0 {
		return nil, fmt.Errorf("worker: 非法 poll_interval %q", cfg.Worker.PollInterval)
	}
	leaseDuration, err := time.ParseDuration(cfg.Worker.LeaseDuration)
	if err != nil || leaseDuration <= 0 {
		return nil, fmt.Errorf("worker: 非法 lease_duration %q", cfg.Worker.LeaseDuration)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	proc := &Processor{
		Dispatch:   bootstrap.Dispatch,
		Outbox:     bootstrap.Outbox,
		Provider:   bootstrap.Provider,
		Producer:   bootstrap.Producer,
		Pipeline:   bootstrap.Pipeline,
		Recipients: cfg.Review.Recipients,
		Logger:     bootstrap.Logger,
	}
	runner := NewRunner(workerID, bootstrap.Queue, proc.Process,
		pollInterval, leaseDuration, cfg.Worker.Concurrency, cfg.Worker.MaxActiveRunning,
		bootstrap.Logger)
	runner.SetWakeupQueue(bootstrap.Wakeup)

	bootstrap.Logger.Info("Worker 已装配",
		"worker_id", workerID, "lease_duration", leaseDuration.String(), "concurrency", cfg.Worker.Concurrency)
	return &App{bootstrap: bootstrap, runner: runner}, nil
}

// Start 启动认领循环
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.runner.Start(ctx)
	return nil
}

// Shutdown 停止认领并等待在途 job 结束
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.runner.Stop()
	a.bootstrap.Close()
	return nil
}
