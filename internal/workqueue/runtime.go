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

package workqueue

import (
	"context"
	"math"
	"time"

	"review-pipeline/pkg/metrics"
)

// 运行结果原因
const (
	ReasonProcessingComplete = "processing_complete"
	ReasonLeaseLost          = "lease_lost"
)

// ProcessStep 单步处理；返回 true 表示还有剩余工作
type ProcessStep func(ctx context.Context) (bool, error)

// RunOutcome 一次受租约保护的处理结果。Reason 为 lease_lost 时
// Diagnostics 携带心跳失败的诊断；运行时不终态化 job，由调用方决定
type RunOutcome struct {
	Reason      string
	Steps       int
	Diagnostics map[string]interface{}
}

// LeaseRunner 包装单个已认领 job 的处理：循环调用 ProcessStep，
// 每 ⌈LeaseDuration/3⌉ 秒续租一次；续租失败立即停止
type LeaseRunner struct {
	Queue         Queue
	WorkerID      string
	LeaseDuration time.Duration
	// Now 可注入的单调时间源，nil 用 time.Now
	Now  func() time.Time
	Emit func(map[string]interface{})
}

func (r *LeaseRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *LeaseRunner) emit(event map[string]interface{}) {
	if r.Emit != nil {
		r.Emit(event)
	}
}

// heartbeatInterval 续租节拍：⌈lease/3⌉ 秒，下限 1 秒
func heartbeatInterval(lease time.Duration) time.Duration {
	secs := int64(math.Ceil(lease.Seconds() / 3))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// RunLeasedJob 处理到 step 返回 false 为止，期间按节拍续租。
// 续租失败（租约丢失/被抢占）发出一条 lease_lost 事件并返回 ReasonLeaseLost；
// step 出错原样上抛，同样不终态化
func (r *LeaseRunner) RunLeasedJob(ctx context.Context, jobID int64, step ProcessStep) (RunOutcome, error) {
	interval := heartbeatInterval(r.LeaseDuration)
	lastBeat := r.now()
	var steps int
	for {
		if err := ctx.Err(); err != nil {
			return RunOutcome{Reason: ReasonLeaseLost, Steps: steps}, err
		}
		more, err := step(ctx)
		if err != nil {
			return RunOutcome{Steps: steps}, err
		}
		steps++

		if r.now().Sub(lastBeat) >= interval {
			res, err := r.Queue.Heartbeat(ctx, jobID, r.WorkerID, r.LeaseDuration)
			if err != nil {
				return RunOutcome{Steps: steps}, err
			}
			if !res.OK {
				metrics.HeartbeatTotal.WithLabelValues("lost").Inc()
				r.emit(map[string]interface{}{
					"code":      ReasonLeaseLost,
					"job_id":    jobID,
					"worker_id": r.WorkerID,
					"detail":    res.Diagnostics,
				})
				return RunOutcome{Reason: ReasonLeaseLost, Steps: steps, Diagnostics: res.Diagnostics}, nil
			}
			metrics.HeartbeatTotal.WithLabelValues("renewed").Inc()
			r.emit(map[string]interface{}{
				"code":      "heartbeat_renewed",
				"job_id":    jobID,
				"worker_id": r.WorkerID,
			})
			lastBeat = r.now()
		}

		if !more {
			return RunOutcome{Reason: ReasonProcessingComplete, Steps: steps}, nil
		}
	}
}
