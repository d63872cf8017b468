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

package ingest

import (
	"context"

	"review-pipeline/internal/dispatch"
	"review-pipeline/internal/workqueue"
	"review-pipeline/pkg/canonjson"
)

// StatusEnqueued 成功创建并入队；其余状态原样透传 dispatch 的提交结论
const StatusEnqueued = "enqueued"

// IngestResult 接入结果；非新建提交时 QueueID 为 nil
type IngestResult struct {
	Status  string
	JobID   int64
	QueueID *int64
}

// Wakeup 空闲 worker 的事件驱动唤醒能力；nil 表示只靠轮询
type Wakeup interface {
	NotifyReady(ctx context.Context, queueID int64) error
}

// Service 接入服务：拉取 → 幂等提交 → 入队
type Service struct {
	fetcher  *Fetcher
	dispatch *dispatch.Service
	queue    workqueue.Queue
	wakeup   Wakeup
}

func NewService(fetcher *Fetcher, dispatchSvc *dispatch.Service, queue workqueue.Queue, wakeup Wakeup) *Service {
	return &Service{fetcher: fetcher, dispatch: dispatchSvc, queue: queue, wakeup: wakeup}
}

// IngestChange 接入一个 changelist。提交未新建行时（重复/版本策略拦截）
// 不入队，状态透传；新建时入队规范 JSON payload 并唤醒空闲 worker
func (s *Service) IngestChange(ctx context.Context, changelistID int64, reviewVersion int, idempotencyKey string, rerunRequested bool, requestedPaths []string, priority int) (IngestResult, error) {
	change, err := s.fetcher.FetchChange(ctx, changelistID, requestedPaths)
	if err != nil {
		return IngestResult{}, err
	}

	submit, err := s.dispatch.Submit(ctx, changelistID, reviewVersion, idempotencyKey, rerunRequested)
	if err != nil {
		return IngestResult{}, err
	}
	if !submit.Created {
		return IngestResult{Status: submit.Status, JobID: submit.Job.ID}, nil
	}

	files := change.Files
	if files == nil {
		files = []string{}
	}
	payload, err := canonjson.MarshalString(map[string]interface{}{
		"job_id":         submit.Job.ID,
		"changelist_id":  changelistID,
		"review_version": reviewVersion,
		"files":          files,
	})
	if err != nil {
		return IngestResult{}, err
	}
	queueID, err := s.queue.Enqueue(ctx, payload, priority, "")
	if err != nil {
		return IngestResult{}, err
	}
	if s.wakeup != nil {
		_ = s.wakeup.NotifyReady(ctx, queueID)
	}
	return IngestResult{Status: StatusEnqueued, JobID: submit.Job.ID, QueueID: &queueID}, nil
}
