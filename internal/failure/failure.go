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

// Package failure 阶段化死信管道：不可重试的失败沉淀为死信，
// 重放需要先登记补救证据，下游完成序列经过校验才算解决。
package failure

import (
	"context"
	"errors"
	"fmt"

	"review-pipeline/pkg/canonjson"
	pkgerrors "review-pipeline/pkg/errors"
	"review-pipeline/pkg/metrics"
)

// 管道运行状态
const (
	RunStatusRunning   = "running"
	RunStatusFailed    = "failed"
	RunStatusCompleted = "completed"
)

// 死信状态
const (
	DLStatusOpen      = "open"
	DLStatusReplaying = "replaying"
	DLStatusResolved  = "resolved"
	DLStatusEscalated = "escalated"
)

var (
	ErrRunNotFound        = errors.New("failure: pipeline run not found")
	ErrDeadLetterNotFound = errors.New("failure: dead letter not found")
	// ErrRemediationRequired start_replay 在补救证据登记之前被调用
	ErrRemediationRequired = errors.New("failure: remediation_evidence required")
	// ErrVerificationFailed complete_replay 的完成序列与期望后缀不一致
	ErrVerificationFailed = errors.New("failure: downstream completion verification failed")
)

// PipelineRun pipeline_runs 表的一行
type PipelineRun struct {
	ID           int64
	PayloadRef   string
	CurrentStage string
	Status       string
	CreatedAt    string
	UpdatedAt    string
}

// DeadLetter dead_letter_entries 表的一行；ErrorMetadata 为规范 JSON
type DeadLetter struct {
	ID                  int64
	RunID               int64
	FailedStage         string
	ErrorClass          string
	ErrorMessage        string
	ErrorMetadata       string
	OriginalPayloadRef  string
	RemediationEvidence string
	ReplayStartStage    string
	ReplayCount         int
	ResolutionNotes     string
	Status              string
	EscalatedAt         string
	ResolvedAt          string
	CreatedAt           string
	UpdatedAt           string
}

// Store 管道行与死信行的存取原语；状态机在 Pipeline 层实现一次
type Store interface {
	InsertRun(ctx context.Context, payloadRef, stage string) (*PipelineRun, error)
	GetRun(ctx context.Context, id int64) (*PipelineRun, error)
	UpdateRun(ctx context.Context, id int64, stage, status string) error
	InsertDeadLetter(ctx context.Context, dl *DeadLetter) (*DeadLetter, error)
	GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error)
	UpdateDeadLetter(ctx context.Context, dl *DeadLetter) error
	// ListDeadLetters status 为空列出全部，按 id ASC
	ListDeadLetters(ctx context.Context, status string) ([]DeadLetter, error)
	// Stamp 当前时间戳（escalated_at/resolved_at 盖章用）
	Stamp() string
}

// Pipeline 构造时固定有序阶段表；所有操作围绕该表索引
type Pipeline struct {
	store  Store
	stages []string
}

// NewPipeline stages 必须非空且无重复
func NewPipeline(store Store, stages []string) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "failure: stages must be non-empty")
	}
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s == "" || seen[s] {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "failure: invalid stage list %v", stages)
		}
		seen[s] = true
	}
	out := make([]string, len(stages))
	copy(out, stages)
	return &Pipeline{store: store, stages: out}, nil
}

// Stages 阶段表副本
func (p *Pipeline) Stages() []string {
	out := make([]string, len(p.stages))
	copy(out, p.stages)
	return out
}

func (p *Pipeline) stageIndex(stage string) int {
	for i, s := range p.stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// CreateRun 新建运行，起始于首个阶段
func (p *Pipeline) CreateRun(ctx context.Context, payloadRef string) (*PipelineRun, error) {
	return p.store.InsertRun(ctx, payloadRef, p.stages[0])
}

// GetRun 读取运行行
func (p *Pipeline) GetRun(ctx context.Context, id int64) (*PipelineRun, error) {
	return p.store.GetRun(ctx, id)
}

// GetDeadLetter 读取死信行
func (p *Pipeline) GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error) {
	return p.store.GetDeadLetter(ctx, id)
}

// ListDeadLetters 按状态列出死信
func (p *Pipeline) ListDeadLetters(ctx context.Context, status string) ([]DeadLetter, error) {
	return p.store.ListDeadLetters(ctx, status)
}

// CompleteRun 正常完成：运行置 completed 于末阶段
func (p *Pipeline) CompleteRun(ctx context.Context, runID int64) error {
	return p.store.UpdateRun(ctx, runID, p.stages[len(p.stages)-1], RunStatusCompleted)
}

// RecordFailure 记录一次阶段失败：运行置 failed 于失败阶段；不可重试时
// 沉淀死信（payload 快照缺省取运行的 payload_ref），返回新死信；可重试返回 nil
func (p *Pipeline) RecordFailure(ctx context.Context, runID int64, failedStage, errorClass, errorMessage string, errorMetadata map[string]interface{}, retryable bool, originalPayloadRef string) (*DeadLetter, error) {
	if p.stageIndex(failedStage) < 0 {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "failure: unknown stage %q", failedStage)
	}
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := p.store.UpdateRun(ctx, runID, failedStage, RunStatusFailed); err != nil {
		return nil, err
	}
	if retryable {
		return nil, nil
	}
	metadata, err := canonjson.MarshalString(errorMetadata)
	if err != nil {
		return nil, err
	}
	if originalPayloadRef == "" {
		originalPayloadRef = run.PayloadRef
	}
	dl, err := p.store.InsertDeadLetter(ctx, &DeadLetter{
		RunID:              runID,
		FailedStage:        failedStage,
		ErrorClass:         errorClass,
		ErrorMessage:       errorMessage,
		ErrorMetadata:      metadata,
		OriginalPayloadRef: originalPayloadRef,
		Status:             DLStatusOpen,
	})
	if err != nil {
		return nil, err
	}
	metrics.DeadLetterTotal.WithLabelValues(DLStatusOpen).Inc()
	return dl, nil
}

// RecordRemediationEvidence 登记补救证据，原样存储 operator 与文本
func (p *Pipeline) RecordRemediationEvidence(ctx context.Context, deadLetterID int64, operatorID, evidence string) (*DeadLetter, error) {
	dl, err := p.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	dl.RemediationEvidence = fmt.Sprintf("operator=%s; evidence=%s", operatorID, evidence)
	if err := p.store.UpdateDeadLetter(ctx, dl); err != nil {
		return nil, err
	}
	return dl, nil
}

// StartReplay 补救证据在场才放行；可重复调用（每次递增 replay_count，
// 重设 replay_start_stage），终态死信拒绝
func (p *Pipeline) StartReplay(ctx context.Context, deadLetterID int64, fullRestart bool) (*DeadLetter, error) {
	dl, err := p.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	if dl.RemediationEvidence == "" {
		return nil, ErrRemediationRequired
	}
	if dl.Status != DLStatusOpen && dl.Status != DLStatusReplaying {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "failure: cannot replay dead letter in status %s", dl.Status)
	}
	restartStage := dl.FailedStage
	if fullRestart {
		restartStage = p.stages[0]
	}
	dl.ReplayStartStage = restartStage
	dl.Status = DLStatusReplaying
	dl.ReplayCount++
	if err := p.store.UpdateDeadLetter(ctx, dl); err != nil {
		return nil, err
	}
	if err := p.store.UpdateRun(ctx, dl.RunID, restartStage, RunStatusRunning); err != nil {
		return nil, err
	}
	metrics.DeadLetterTotal.WithLabelValues(DLStatusReplaying).Inc()
	return dl, nil
}

// CompleteReplay 下游完成校验：completedStages 必须与
// stages[index_of(replay_start_stage)..] 完全一致（顺序与集合）
func (p *Pipeline) CompleteReplay(ctx context.Context, deadLetterID int64, completedStages []string, resolutionNotes string) (*DeadLetter, error) {
	dl, err := p.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	if dl.Status != DLStatusReplaying {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "failure: cannot complete replay in status %s", dl.Status)
	}
	start := p.stageIndex(dl.ReplayStartStage)
	if start < 0 {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "failure: unknown replay start stage %q", dl.ReplayStartStage)
	}
	expected := p.stages[start:]
	if len(completedStages) != len(expected) {
		return nil, ErrVerificationFailed
	}
	for i := range expected {
		if completedStages[i] != expected[i] {
			return nil, ErrVerificationFailed
		}
	}

	dl.Status = DLStatusResolved
	dl.ResolutionNotes = resolutionNotes
	dl.ResolvedAt = p.store.Stamp()
	if err := p.store.UpdateDeadLetter(ctx, dl); err != nil {
		return nil, err
	}
	if err := p.store.UpdateRun(ctx, dl.RunID, p.stages[len(p.stages)-1], RunStatusCompleted); err != nil {
		return nil, err
	}
	metrics.DeadLetterTotal.WithLabelValues(DLStatusResolved).Inc()
	return dl, nil
}

// FailReplay 重放失败：运行回到原失败阶段；错误类与原失败相同且不可重试
// 则升级，否则回到 open
func (p *Pipeline) FailReplay(ctx context.Context, deadLetterID int64, errorClass, errorMessage string, errorMetadata map[string]interface{}, retryable bool) (*DeadLetter, error) {
	dl, err := p.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	if dl.Status != DLStatusReplaying {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "failure: cannot fail replay in status %s", dl.Status)
	}
	metadata, err := canonjson.MarshalString(errorMetadata)
	if err != nil {
		return nil, err
	}

	escalate := !retryable && errorClass == dl.ErrorClass
	dl.ErrorMessage = errorMessage
	dl.ErrorMetadata = metadata
	if escalate {
		dl.Status = DLStatusEscalated
		dl.EscalatedAt = p.store.Stamp()
	} else {
		dl.ErrorClass = errorClass
		dl.Status = DLStatusOpen
	}
	if err := p.store.UpdateDeadLetter(ctx, dl); err != nil {
		return nil, err
	}
	if err := p.store.UpdateRun(ctx, dl.RunID, dl.FailedStage, RunStatusFailed); err != nil {
		return nil, err
	}
	metrics.DeadLetterTotal.WithLabelValues(dl.Status).Inc()
	return dl, nil
}
