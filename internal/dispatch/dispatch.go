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

// Package dispatch 评审任务的幂等提交：同一 (changelist, review_version) 的
// 重复提交按幂等键与版本策略折叠，已成功的更高版本要求显式 rerun。
package dispatch

import (
	"context"
	"errors"
)

// 任务行状态
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// 提交结果状态
const (
	SubmitCreated                 = "created"
	SubmitDuplicateIdempotency    = "duplicate_idempotency"
	SubmitAlreadySucceededSameVer = "already_succeeded_same_version"
	SubmitRerunRequired           = "rerun_required"
	SubmitStaleReviewVersion      = "stale_review_version"
)

// ErrJobNotFound 指定 id 的任务行不存在
var ErrJobNotFound = errors.New("dispatch: job not found")

// Job jobs 表的一行
type Job struct {
	ID             int64
	ChangelistID   int64
	ReviewVersion  int
	IdempotencyKey string
	Status         string
	CreatedAt      string
	UpdatedAt      string
}

// SubmissionResult submit 的结构化结果；stale_review_version 等非 created
// 状态是业务结论而非错误
type SubmissionResult struct {
	Status  string
	Job     *Job
	Created bool
}

// Store 任务行存取原语；版本策略在 Service 层实现一次，两个实现共用
type Store interface {
	// FindByIdempotencyKey 幂等键查找；不存在返回 nil
	FindByIdempotencyKey(ctx context.Context, key string) (*Job, error)
	// LatestSucceeded changelist 下最近一次成功，按 review_version DESC, id DESC；不存在返回 nil
	LatestSucceeded(ctx context.Context, changelistID int64) (*Job, error)
	// Insert 插入 queued 行；幂等键冲突时 created=false 并返回已存在的行
	Insert(ctx context.Context, changelistID int64, reviewVersion int, key string) (*Job, bool, error)
	// MarkSucceeded 置为 succeeded；不存在返回 ErrJobNotFound
	MarkSucceeded(ctx context.Context, id int64) (*Job, error)
	// Get 读取单行；不存在返回 ErrJobNotFound
	Get(ctx context.Context, id int64) (*Job, error)
}

// OutboxPreparer 通知准备能力；由 outbox 子系统实现
type OutboxPreparer interface {
	PrepareRows(ctx context.Context, changelistID int64, reviewVersion int, recipients []string, payload map[string]interface{}) ([]int64, error)
}

// Service 版本策略与通知衔接
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Submit 幂等提交。判定顺序：幂等键重复 → 与最近成功版本比较
// （相同/更高未授权 rerun/更低）→ 插入；插入竞争的败方同样归为重复
func (s *Service) Submit(ctx context.Context, changelistID int64, reviewVersion int, idempotencyKey string, rerunRequested bool) (SubmissionResult, error) {
	existing, err := s.store.FindByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return SubmissionResult{}, err
	}
	if existing != nil {
		return SubmissionResult{Status: SubmitDuplicateIdempotency, Job: existing}, nil
	}

	prior, err := s.store.LatestSucceeded(ctx, changelistID)
	if err != nil {
		return SubmissionResult{}, err
	}
	if prior != nil {
		switch {
		case reviewVersion == prior.ReviewVersion:
			return SubmissionResult{Status: SubmitAlreadySucceededSameVer, Job: prior}, nil
		case reviewVersion > prior.ReviewVersion && !rerunRequested:
			return SubmissionResult{Status: SubmitRerunRequired, Job: prior}, nil
		case reviewVersion < prior.ReviewVersion:
			return SubmissionResult{Status: SubmitStaleReviewVersion, Job: prior}, nil
		}
	}

	job, created, err := s.store.Insert(ctx, changelistID, reviewVersion, idempotencyKey)
	if err != nil {
		return SubmissionResult{}, err
	}
	if !created {
		return SubmissionResult{Status: SubmitDuplicateIdempotency, Job: job}, nil
	}
	return SubmissionResult{Status: SubmitCreated, Job: job, Created: true}, nil
}

// MarkSucceeded 任务成功落账
func (s *Service) MarkSucceeded(ctx context.Context, id int64) (*Job, error) {
	return s.store.MarkSucceeded(ctx, id)
}

// Get 读取任务行
func (s *Service) Get(ctx context.Context, id int64) (*Job, error) {
	return s.store.Get(ctx, id)
}

// PrepareNotifications 以任务行的 (changelist, review_version) 作为
// 通知分区键，委托 outbox 建行
func (s *Service) PrepareNotifications(ctx context.Context, jobID int64, recipients []string, payload map[string]interface{}, outbox OutboxPreparer) ([]int64, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return outbox.PrepareRows(ctx, job.ChangelistID, job.ReviewVersion, recipients, payload)
}
