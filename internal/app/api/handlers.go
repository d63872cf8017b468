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

// Package api 操作面 HTTP 服务：变更接入、队列/任务查询、台账投递与死信运维。
package api

import (
	"bytes"
	"context"
	"errors"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"review-pipeline/internal/dispatch"
	"review-pipeline/internal/failure"
	"review-pipeline/internal/ingest"
	"review-pipeline/internal/outbox"
	"review-pipeline/internal/workqueue"
	pkgerrors "review-pipeline/pkg/errors"
	"review-pipeline/pkg/log"
	"review-pipeline/pkg/metrics"
)

// Handler 操作面处理器；全部依赖注入，便于测试装配内存实现
type Handler struct {
	Ingest   *ingest.Service
	Fetcher  *ingest.Fetcher
	Dispatch *dispatch.Service
	Queue    workqueue.Queue
	Outbox   outbox.Store
	Provider outbox.Provider
	Pipeline *failure.Pipeline
	Logger   *log.Logger
}

type ingestRequest struct {
	ChangelistID   int64    `json:"changelist_id"`
	ReviewVersion  int      `json:"review_version"`
	IdempotencyKey string   `json:"idempotency_key"`
	RerunRequested bool     `json:"rerun_requested"`
	RequestedPaths []string `json:"requested_paths"`
	Priority       int      `json:"priority"`
}

// IngestChange POST /v1/changes
func (h *Handler) IngestChange(c context.Context, ctx *app.RequestContext) {
	var req ingestRequest
	if err := ctx.BindAndValidate(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ChangelistID <= 0 || req.IdempotencyKey == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "changelist_id and idempotency_key are required"})
		return
	}
	res, err := h.Ingest.IngestChange(c, req.ChangelistID, req.ReviewVersion, req.IdempotencyKey,
		req.RerunRequested, req.RequestedPaths, req.Priority)
	if err != nil {
		status := consts.StatusInternalServerError
		switch {
		case errors.Is(err, pkgerrors.ErrPermissionDenied):
			status = consts.StatusForbidden
		case errors.Is(err, pkgerrors.ErrInvalidArg):
			status = consts.StatusBadRequest
		}
		ctx.JSON(status, map[string]string{"error": err.Error()})
		return
	}
	body := map[string]interface{}{"status": res.Status, "job_id": res.JobID}
	if res.QueueID != nil {
		body["queue_id"] = *res.QueueID
	}
	ctx.JSON(consts.StatusOK, body)
}

// GetJob GET /v1/jobs/:id
func (h *Handler) GetJob(c context.Context, ctx *app.RequestContext) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}
	job, err := h.Dispatch.Get(c, id)
	if err != nil {
		if errors.Is(err, dispatch.ErrJobNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, job)
}

// GetQueueJob GET /v1/queue/:id
func (h *Handler) GetQueueJob(c context.Context, ctx *app.RequestContext) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid queue id"})
		return
	}
	job, err := h.Queue.GetJob(c, id)
	if err != nil {
		if errors.Is(err, workqueue.ErrJobNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "queue row not found"})
			return
		}
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, job)
}

type deliverRequest struct {
	ChangelistID  int64 `json:"changelist_id"`
	ReviewVersion int   `json:"review_version"`
}

// DeliverPending POST /v1/outbox/deliver
func (h *Handler) DeliverPending(c context.Context, ctx *app.RequestContext) {
	var req deliverRequest
	if err := ctx.BindAndValidate(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	results, err := outbox.DeliverPending(c, h.Outbox, req.ChangelistID, req.ReviewVersion, h.Provider)
	if err != nil {
		ctx.JSON(consts.StatusBadGateway, map[string]interface{}{"error": err.Error(), "results": results})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"results": results})
}

// ListDeadLetters GET /v1/deadletters?status=open
func (h *Handler) ListDeadLetters(c context.Context, ctx *app.RequestContext) {
	dls, err := h.Pipeline.ListDeadLetters(c, ctx.Query("status"))
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"dead_letters": dls})
}

func (h *Handler) deadLetterID(ctx *app.RequestContext) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid dead letter id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) writeDeadLetterError(ctx *app.RequestContext, err error) {
	switch {
	case errors.Is(err, failure.ErrDeadLetterNotFound):
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": "dead letter not found"})
	case errors.Is(err, failure.ErrRemediationRequired):
		ctx.JSON(consts.StatusConflict, map[string]string{"error": "remediation_evidence required"})
	case errors.Is(err, failure.ErrVerificationFailed):
		ctx.JSON(consts.StatusConflict, map[string]string{"error": "downstream completion verification failed"})
	case errors.Is(err, pkgerrors.ErrInvalidArg):
		ctx.JSON(consts.StatusConflict, map[string]string{"error": err.Error()})
	default:
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

type evidenceRequest struct {
	OperatorID string `json:"operator_id"`
	Evidence   string `json:"evidence"`
}

// RecordEvidence POST /v1/deadletters/:id/evidence
func (h *Handler) RecordEvidence(c context.Context, ctx *app.RequestContext) {
	id, ok := h.deadLetterID(ctx)
	if !ok {
		return
	}
	var req evidenceRequest
	if err := ctx.BindAndValidate(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	dl, err := h.Pipeline.RecordRemediationEvidence(c, id, req.OperatorID, req.Evidence)
	if err != nil {
		h.writeDeadLetterError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, dl)
}

type startReplayRequest struct {
	FullRestart bool `json:"full_restart"`
}

// StartReplay POST /v1/deadletters/:id/replay
func (h *Handler) StartReplay(c context.Context, ctx *app.RequestContext) {
	id, ok := h.deadLetterID(ctx)
	if !ok {
		return
	}
	var req startReplayRequest
	if err := ctx.BindAndValidate(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	dl, err := h.Pipeline.StartReplay(c, id, req.FullRestart)
	if err != nil {
		h.writeDeadLetterError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, dl)
}

type completeReplayRequest struct {
	CompletedStages []string `json:"completed_stages"`
	ResolutionNotes string   `json:"resolution_notes"`
}

// CompleteReplay POST /v1/deadletters/:id/replay/complete
func (h *Handler) CompleteReplay(c context.Context, ctx *app.RequestContext) {
	id, ok := h.deadLetterID(ctx)
	if !ok {
		return
	}
	var req completeReplayRequest
	if err := ctx.BindAndValidate(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	dl, err := h.Pipeline.CompleteReplay(c, id, req.CompletedStages, req.ResolutionNotes)
	if err != nil {
		h.writeDeadLetterError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, dl)
}

type failReplayRequest struct {
	ErrorClass    string                 `json:"error_class"`
	ErrorMessage  string                 `json:"error_message"`
	ErrorMetadata map[string]interface{} `json:"error_metadata"`
	Retryable     bool                   `json:"retryable"`
}

// FailReplay POST /v1/deadletters/:id/replay/fail
func (h *Handler) FailReplay(c context.Context, ctx *app.RequestContext) {
	id, ok := h.deadLetterID(ctx)
	if !ok {
		return
	}
	var req failReplayRequest
	if err := ctx.BindAndValidate(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	dl, err := h.Pipeline.FailReplay(c, id, req.ErrorClass, req.ErrorMessage, req.ErrorMetadata, req.Retryable)
	if err != nil {
		h.writeDeadLetterError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, dl)
}

// SecurityEvents GET /v1/security-events 白名单拦截审计
func (h *Handler) SecurityEvents(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]interface{}{"events": h.Fetcher.SecurityEvents()})
}

// Health GET /healthz
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Metrics GET /metrics Prometheus 文本格式；抓取时顺带刷新队列深度
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	if dr, ok := h.Queue.(workqueue.DepthReporter); ok {
		if counts, err := dr.CountByStatus(c); err == nil {
			for _, status := range workqueue.ValidStatuses {
				metrics.QueueDepth.WithLabelValues(status).Set(float64(counts[status]))
			}
		}
	}
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
