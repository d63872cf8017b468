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

// Package worker 评审 worker：认领队列 job，跑 评审→校验→落账→通知 四段，
// 失败按可重试性分流到队列重试或死信。
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"review-pipeline/internal/dispatch"
	"review-pipeline/internal/failure"
	"review-pipeline/internal/outbox"
	"review-pipeline/internal/review"
	"review-pipeline/internal/workqueue"
	"review-pipeline/pkg/log"
)

// 评审管道的阶段名；failure.Pipeline 以同一张表构造
const (
	StageFetch    = "fetch"
	StageReview   = "review"
	StageValidate = "validate"
	StagePublish  = "publish"
)

// queuePayload 接入侧入队的规范 JSON
type queuePayload struct {
	JobID         int64    `json:"job_id"`
	ChangelistID  int64    `json:"changelist_id"`
	ReviewVersion int      `json:"review_version"`
	Files         []string `json:"files"`
}

// Processor 单个队列 job 的业务处理；不触碰队列状态，终态化由 Runner 决定
type Processor struct {
	Dispatch   *dispatch.Service
	Outbox     outbox.Store
	Provider   outbox.Provider
	Producer   review.Producer
	Pipeline   *failure.Pipeline
	Recipients []string
	Logger     *log.Logger
}

// Process 处理一个已认领的队列 job。契约违约沉淀死信后返回错误；
// 评审服务或通知服务的故障按可重试失败登记后返回错误
func (p *Processor) Process(ctx context.Context, job *workqueue.Job) error {
	var payload queuePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("worker: malformed queue payload for job %d: %w", job.ID, err)
	}
	correlationID := fmt.Sprintf("cl%d-v%d", payload.ChangelistID, payload.ReviewVersion)
	logger := p.Logger
	if logger == nil {
		logger = log.Nop()
	}

	run, err := p.Pipeline.CreateRun(ctx, fmt.Sprintf("job://%d", payload.JobID))
	if err != nil {
		return err
	}

	raw, err := p.Producer.Produce(ctx, payload.ChangelistID, payload.ReviewVersion, payload.Files)
	if err != nil {
		_, _ = p.Pipeline.RecordFailure(ctx, run.ID, StageReview, "ProducerError", err.Error(), nil, true, "")
		return fmt.Errorf("worker: review producer: %w", err)
	}

	outcome := review.ValidateAndReconcile(raw, payload.Files, correlationID, nil)
	if outcome.Rejected {
		dl, derr := p.Pipeline.RecordFailure(ctx, run.ID, StageValidate, "ContractViolation",
			"review result rejected by contract validation",
			map[string]interface{}{"diagnostics": outcome.Diagnostics}, false, "")
		if derr != nil {
			return derr
		}
		logger.Warn("评审结果整包拒收，已沉淀死信",
			"queue_job", job.ID, "dead_letter", dl.ID, "correlation_id", correlationID)
		return fmt.Errorf("worker: review result rejected (dead letter %d)", dl.ID)
	}
	for _, diag := range outcome.Diagnostics {
		logger.Info("评审结果诊断", "correlation_id", correlationID, "diagnostic", diag)
	}

	if _, err := p.Dispatch.MarkSucceeded(ctx, payload.JobID); err != nil {
		return fmt.Errorf("worker: mark succeeded: %w", err)
	}

	notifyPayload := map[string]interface{}{
		"changelist_id":  payload.ChangelistID,
		"review_version": payload.ReviewVersion,
		"findings":       outcome.ReviewResult["findings"],
	}
	if summary, ok := outcome.ReviewResult["summary"]; ok {
		notifyPayload["summary"] = summary
	}
	if _, err := p.Dispatch.PrepareNotifications(ctx, payload.JobID, p.Recipients, notifyPayload, p.Outbox); err != nil {
		_, _ = p.Pipeline.RecordFailure(ctx, run.ID, StagePublish, "OutboxError", err.Error(), nil, true, "")
		return fmt.Errorf("worker: prepare notifications: %w", err)
	}
	if _, err := outbox.DeliverPending(ctx, p.Outbox, payload.ChangelistID, payload.ReviewVersion, p.Provider); err != nil {
		_, _ = p.Pipeline.RecordFailure(ctx, run.ID, StagePublish, "ProviderError", err.Error(), nil, true, "")
		return fmt.Errorf("worker: deliver notifications: %w", err)
	}

	return p.Pipeline.CompleteRun(ctx, run.ID)
}
