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
	"sync"
	"time"

	"review-pipeline/internal/ingest"
	"review-pipeline/internal/workqueue"
	"review-pipeline/pkg/log"
	"review-pipeline/pkg/metrics"
)

// Runner 认领循环：先占并发槽位再认领；无 job 时优先经唤醒队列等待，
// 处理期间由 LeaseRunner 续租，租约丢失的 job 不终态化（由回收方接手）
type Runner struct {
	workerID         string
	queue            workqueue.Queue
	process          func(ctx context.Context, j *workqueue.Job) error
	pollInterval     time.Duration
	leaseDuration    time.Duration
	maxActiveRunning int
	limiter          chan struct{}
	wakeup           *ingest.WakeupQueueMem
	logger           *log.Logger
	stopCh           chan struct{}
	wg               sync.WaitGroup
}

// NewRunner process 由外部注入；concurrency <= 0 时默认 2
func NewRunner(
	workerID string,
	queue workqueue.Queue,
	process func(ctx context.Context, j *workqueue.Job) error,
	pollInterval, leaseDuration time.Duration,
	concurrency, maxActiveRunning int,
	logger *log.Logger,
) *Runner {
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{
		workerID:         workerID,
		queue:            queue,
		process:          process,
		pollInterval:     pollInterval,
		leaseDuration:    leaseDuration,
		maxActiveRunning: maxActiveRunning,
		limiter:          make(chan struct{}, concurrency),
		logger:           logger,
		stopCh:           make(chan struct{}),
	}
}

// SetWakeupQueue 非 nil 时空转等待改为 Receive(pollInterval)，接入后立即唤醒
func (r *Runner) SetWakeupQueue(q *ingest.WakeupQueueMem) {
	r.wakeup = q
}

// Start 启动认领循环
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case r.limiter <- struct{}{}:
				job, err := r.queue.ClaimNext(ctx, r.workerID, r.leaseDuration, r.maxActiveRunning)
				if err != nil {
					<-r.limiter
					r.logger.Error("认领失败", "worker_id", r.workerID, "error", err)
					r.idle(ctx)
					continue
				}
				if job == nil {
					<-r.limiter
					metrics.QueueClaimTotal.WithLabelValues("empty").Inc()
					r.idle(ctx)
					continue
				}
				metrics.QueueClaimTotal.WithLabelValues("claimed").Inc()
				r.wg.Add(1)
				go func(j *workqueue.Job) {
					defer r.wg.Done()
					defer func() { <-r.limiter }()
					r.runOne(ctx, j)
				}(job)
			}
		}
	}()
}

// Stop 停止认领并等待在途 job 结束
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) idle(ctx context.Context) {
	if r.wakeup != nil {
		_, _ = r.wakeup.Receive(ctx, r.pollInterval)
		return
	}
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-r.stopCh:
	}
}

// runOne 处理单个已认领 job：业务处理放到后台，ProcessStep 以短节拍轮询完成
// 状态，让 LeaseRunner 在长任务期间照常续租。租约丢失即取消在途处理并等它
// 退出，业务副作用随租约一起中止
func (r *Runner) runOne(ctx context.Context, job *workqueue.Job) {
	metrics.WorkerBusy.WithLabelValues(r.workerID).Inc()
	defer metrics.WorkerBusy.WithLabelValues(r.workerID).Dec()
	started := time.Now()

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	done := make(chan error, 1)
	go func() { done <- r.process(jobCtx, job) }()

	var processErr error
	var processDone bool
	// abort 取消在途处理并等 goroutine 退出；step 已消费完成信号时直接返回
	abort := func() {
		cancelJob()
		if !processDone {
			processErr = <-done
			processDone = true
		}
	}
	leaseRunner := &workqueue.LeaseRunner{
		Queue:         r.queue,
		WorkerID:      r.workerID,
		LeaseDuration: r.leaseDuration,
		Emit: func(event map[string]interface{}) {
			r.logger.Debug("租约事件", "event", event)
		},
	}
	outcome, err := leaseRunner.RunLeasedJob(ctx, job.ID, func(stepCtx context.Context) (bool, error) {
		select {
		case processErr = <-done:
			processDone = true
			return false, nil
		case <-time.After(time.Second):
			return true, nil
		}
	})
	if err != nil {
		abort()
		r.logger.Error("租约运行时出错", "queue_job", job.ID, "error", err)
		return
	}
	if outcome.Reason == workqueue.ReasonLeaseLost {
		// 所有权已失：中止业务处理并等 goroutine 退出，禁止终态化；
		// 行会被回收并重跑（at-least-once）
		abort()
		r.logger.Warn("租约丢失，中止处理",
			"queue_job", job.ID, "worker_id", r.workerID, "diagnostics", outcome.Diagnostics)
		return
	}

	if processErr != nil {
		metrics.JobDuration.WithLabelValues("failed").Observe(time.Since(started).Seconds())
		r.logger.Error("处理失败", "queue_job", job.ID, "error", processErr)
		if res, err := r.queue.Fail(ctx, job.ID, r.workerID); err != nil {
			r.logger.Error("终态化失败", "queue_job", job.ID, "error", err)
		} else if !res.OK {
			r.logger.Warn("终态化被拒", "queue_job", job.ID, "diagnostics", res.Diagnostics)
		}
		return
	}

	metrics.JobDuration.WithLabelValues("completed").Observe(time.Since(started).Seconds())
	if res, err := r.queue.Complete(ctx, job.ID, r.workerID); err != nil {
		r.logger.Error("终态化失败", "queue_job", job.ID, "error", err)
	} else if !res.OK {
		r.logger.Warn("终态化被拒", "queue_job", job.ID, "diagnostics", res.Diagnostics)
	}
}
