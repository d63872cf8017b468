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
	"time"

	pkgerrors "review-pipeline/pkg/errors"
	"review-pipeline/pkg/metrics"
)

// Sweeper 周期性回收过期租约。Sleep/Emit 可注入，测试不等真实时间
type Sweeper struct {
	Queue    Queue
	Interval time.Duration
	// Iterations <= 0 表示无限循环
	Iterations int
	Sleep      func(time.Duration)
	Emit       func(map[string]interface{})
}

// Validate 参数校验：interval 必须为正，iterations 给定时必须为正
func (s *Sweeper) Validate() error {
	if s.Queue == nil {
		return pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "sweeper queue is nil")
	}
	if s.Interval <= 0 {
		return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "sweeper interval must be positive, got %s", s.Interval)
	}
	return nil
}

func (s *Sweeper) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (s *Sweeper) emit(event map[string]interface{}) {
	if s.Emit != nil {
		s.Emit(event)
	}
}

// SweepOnce 单趟回收并发出本次事件，返回回收行数
func (s *Sweeper) SweepOnce(ctx context.Context, iteration int) (int, error) {
	res, err := s.Queue.RequeueExpiredRunning(ctx)
	if err != nil {
		s.emit(map[string]interface{}{
			"code":          "work_queue_sweep",
			"ok":            false,
			"rows_requeued": 0,
			"iteration":     iteration,
		})
		return 0, err
	}
	metrics.SweepTotal.Inc()
	metrics.SweepRequeuedTotal.Add(float64(res.RowsAffected))
	s.emit(map[string]interface{}{
		"code":          "work_queue_sweep",
		"ok":            res.OK,
		"rows_requeued": res.RowsAffected,
		"iteration":     iteration,
	})
	return res.RowsAffected, nil
}

// Run 按 Interval 循环 SweepOnce；Iterations 给定时跑满即止并发出完成事件。
// ctx 取消在两趟之间生效
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Validate(); err != nil {
		return err
	}
	var totalRequeued, completed int
	for iteration := 1; s.Iterations <= 0 || iteration <= s.Iterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.SweepOnce(ctx, iteration)
		if err != nil {
			return err
		}
		completed++
		totalRequeued += n
		if s.Iterations > 0 && iteration == s.Iterations {
			break
		}
		s.sleep(s.Interval)
	}
	s.emit(map[string]interface{}{
		"code":           "work_queue_sweeper_complete",
		"iterations":     completed,
		"total_requeued": totalRequeued,
	})
	return nil
}
