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

// Package workqueue 持久化工作队列：租约 + 优先级 + at-least-once。
// 过期租约由独立 sweeper 回收；worker 运行时负责续租与租约丢失检测。
package workqueue

import (
	"context"
	"errors"
	"time"
)

// Status work_queue 行状态
type Status = string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ValidStatuses 全部合法状态（诊断输出用）
var ValidStatuses = []string{StatusQueued, StatusRunning, StatusCompleted, StatusFailed}

// ErrJobNotFound 指定 id 的行不存在
var ErrJobNotFound = errors.New("workqueue: job not found")

// Job work_queue 行；时间戳为 UTC 秒级字符串，claimed_by/lease_expires_at 为空串表示 NULL。
// 不变式：status=running ⇔ claimed_by 与 lease_expires_at 非空；终态两者均空
type Job struct {
	ID             int64
	Payload        string
	Status         Status
	Priority       int
	RunAt          string
	ClaimedBy      string
	LeaseExpiresAt string
	StartedAt      string
	CreatedAt      string
	UpdatedAt      string
}

// MutationResult 每次受约束变更的结构化结果；业务性失败不作为 error 返回
type MutationResult struct {
	OK           bool
	RowsAffected int
	Diagnostics  map[string]interface{}
}

// Queue 工作队列操作；所有实现的每个变更各自成事务
type Queue interface {
	// Enqueue 新建 queued 行；runAt 为空表示立即可运行
	Enqueue(ctx context.Context, payload string, priority int, runAt string) (int64, error)
	// ClaimNext 一个可串行化单元内：回收过期租约 → 检查 running 容量 → 按
	// priority DESC, created_at ASC, id ASC 取单个候选并置 running。无候选返回 nil。
	// maxActiveRunning <= 0 表示不设上限
	ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration, maxActiveRunning int) (*Job, error)
	// Claim 定向认领，仅 status=queued 时成功
	Claim(ctx context.Context, id int64, workerID string) (MutationResult, error)
	// Heartbeat 续租；仅当前 owner 且 status=running 时成功
	Heartbeat(ctx context.Context, id int64, workerID string, leaseDuration time.Duration) (MutationResult, error)
	// Complete 终态化为 completed，清 owner 与租约
	Complete(ctx context.Context, id int64, workerID string) (MutationResult, error)
	// Fail 终态化为 failed，清 owner 与租约
	Fail(ctx context.Context, id int64, workerID string) (MutationResult, error)
	// RequeueExpiredRunning 幂等批量回收过期租约，RowsAffected 为回收行数
	RequeueExpiredRunning(ctx context.Context) (MutationResult, error)
	// GetJob 读取单行；不存在返回 ErrJobNotFound
	GetJob(ctx context.Context, id int64) (*Job, error)
}

// DepthReporter 可选能力：按状态统计行数，/metrics 刷新队列深度用
type DepthReporter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

func okResult(rows int, extra map[string]interface{}) MutationResult {
	diag := map[string]interface{}{"code": "ok"}
	for k, v := range extra {
		diag[k] = v
	}
	return MutationResult{OK: true, RowsAffected: rows, Diagnostics: diag}
}

// claimFailure queued 之外的行被定向认领时的诊断
func claimFailure(current string) MutationResult {
	return MutationResult{
		OK:           false,
		RowsAffected: 0,
		Diagnostics: map[string]interface{}{
			"code":         "invalid_transition",
			"from":         nullableString(current),
			"to":           StatusRunning,
			"allowed_from": []string{StatusQueued},
		},
	}
}

// finalizeFailure complete/fail 失败：owner 存在且不同为 not_owner，否则 invalid_transition
func finalizeFailure(id int64, workerID, owner, current, target string) MutationResult {
	code := "invalid_transition"
	if owner != "" && owner != workerID {
		code = "not_owner"
	}
	return MutationResult{
		OK:           false,
		RowsAffected: 0,
		Diagnostics: map[string]interface{}{
			"code":          code,
			"action":        "finalize",
			"job_id":        id,
			"requested_by":  workerID,
			"owner":         nullableString(owner),
			"from":          nullableString(current),
			"to":            target,
			"required_from": StatusRunning,
		},
	}
}

// ownerGuardFailure heartbeat 等 owner 约束操作失败的诊断
func ownerGuardFailure(action string, id int64, workerID, owner, current string) MutationResult {
	code := "invalid_transition"
	if owner != "" && owner != workerID {
		code = "not_owner"
	}
	return MutationResult{
		OK:           false,
		RowsAffected: 0,
		Diagnostics: map[string]interface{}{
			"code":            code,
			"action":          action,
			"job_id":          id,
			"requested_by":    workerID,
			"owner":           nullableString(owner),
			"status":          nullableString(current),
			"required_status": StatusRunning,
		},
	}
}

// invalidStatus 非法终态目标（编程错误防线）
func invalidStatus(target string) MutationResult {
	return MutationResult{
		OK:           false,
		RowsAffected: 0,
		Diagnostics: map[string]interface{}{
			"code":           "invalid_status",
			"status":         target,
			"valid_statuses": ValidStatuses,
		},
	}
}

// nullableString 诊断输出里空串等价 NULL
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
