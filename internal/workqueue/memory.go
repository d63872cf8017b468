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
	"sync"
	"time"

	"review-pipeline/internal/store"
)

// MemoryQueue 内存实现：单互斥锁即可串行化全部变更，语义与 pg 实现一致
type MemoryQueue struct {
	mu     sync.Mutex
	rows   map[int64]*Job
	nextID int64
	clock  store.Clock
}

// NewMemoryQueue 创建内存队列；clock 为 nil 时用 UTC 秒级默认时钟
func NewMemoryQueue(clock store.Clock) *MemoryQueue {
	if clock == nil {
		clock = store.UTCNow
	}
	return &MemoryQueue{rows: make(map[int64]*Job), nextID: 0, clock: clock}
}

func (q *MemoryQueue) stamp() string {
	return store.Stamp(q.clock)
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload string, priority int, runAt string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.stamp()
	if runAt == "" {
		runAt = now
	}
	q.nextID++
	id := q.nextID
	q.rows[id] = &Job{
		ID:        id,
		Payload:   payload,
		Status:    StatusQueued,
		Priority:  priority,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// requeueExpiredLocked 回收 lease_expires_at <= now 的 running 行，返回回收数
func (q *MemoryQueue) requeueExpiredLocked(now string) int {
	var n int
	for _, row := range q.rows {
		if row.Status == StatusRunning && row.LeaseExpiresAt != "" && row.LeaseExpiresAt <= now {
			row.Status = StatusQueued
			row.ClaimedBy = ""
			row.LeaseExpiresAt = ""
			row.UpdatedAt = now
			n++
		}
	}
	return n
}

func (q *MemoryQueue) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration, maxActiveRunning int) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.stamp()
	q.requeueExpiredLocked(now)

	if maxActiveRunning > 0 {
		var running int
		for _, row := range q.rows {
			if row.Status == StatusRunning && row.LeaseExpiresAt > now {
				running++
			}
		}
		if running >= maxActiveRunning {
			return nil, nil
		}
	}

	// priority DESC, created_at ASC, id ASC
	var best *Job
	for _, row := range q.rows {
		if row.Status != StatusQueued || row.RunAt > now {
			continue
		}
		if best == nil || claimOrderLess(row, best) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = StatusRunning
	best.ClaimedBy = workerID
	best.LeaseExpiresAt = store.FormatTime(q.clock().Add(leaseDuration))
	if best.StartedAt == "" {
		best.StartedAt = now
	}
	best.UpdatedAt = now
	out := *best
	return &out, nil
}

// claimOrderLess a 是否先于 b 被认领
func claimOrderLess(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func (q *MemoryQueue) Claim(ctx context.Context, id int64, workerID string) (MutationResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.stamp()
	row, ok := q.rows[id]
	if !ok {
		return claimFailure(""), nil
	}
	if row.Status != StatusQueued {
		return claimFailure(row.Status), nil
	}
	row.Status = StatusRunning
	row.ClaimedBy = workerID
	row.LeaseExpiresAt = store.FormatTime(q.clock().Add(defaultLeaseDuration))
	if row.StartedAt == "" {
		row.StartedAt = now
	}
	row.UpdatedAt = now
	return okResult(1, nil), nil
}

// defaultLeaseDuration 定向 Claim 未显式给租约时的默认时长
const defaultLeaseDuration = 30 * time.Second

func (q *MemoryQueue) Heartbeat(ctx context.Context, id int64, workerID string, leaseDuration time.Duration) (MutationResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.stamp()
	row, ok := q.rows[id]
	if !ok {
		return ownerGuardFailure("heartbeat", id, workerID, "", ""), nil
	}
	if row.Status != StatusRunning || row.ClaimedBy != workerID {
		return ownerGuardFailure("heartbeat", id, workerID, row.ClaimedBy, row.Status), nil
	}
	row.LeaseExpiresAt = store.FormatTime(q.clock().Add(leaseDuration))
	row.UpdatedAt = now
	return okResult(1, nil), nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id int64, workerID string) (MutationResult, error) {
	return q.finalize(id, workerID, StatusCompleted)
}

func (q *MemoryQueue) Fail(ctx context.Context, id int64, workerID string) (MutationResult, error) {
	return q.finalize(id, workerID, StatusFailed)
}

func (q *MemoryQueue) finalize(id int64, workerID string, target Status) (MutationResult, error) {
	if target != StatusCompleted && target != StatusFailed {
		return invalidStatus(target), nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.stamp()
	row, ok := q.rows[id]
	if !ok {
		return finalizeFailure(id, workerID, "", "", target), nil
	}
	if row.Status != StatusRunning || row.ClaimedBy != workerID {
		return finalizeFailure(id, workerID, row.ClaimedBy, row.Status, target), nil
	}
	row.Status = target
	row.ClaimedBy = ""
	row.LeaseExpiresAt = ""
	row.UpdatedAt = now
	return okResult(1, map[string]interface{}{"to": target}), nil
}

func (q *MemoryQueue) RequeueExpiredRunning(ctx context.Context) (MutationResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.requeueExpiredLocked(q.stamp())
	return okResult(n, nil), nil
}

func (q *MemoryQueue) GetJob(ctx context.Context, id int64) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.rows[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := *row
	return &out, nil
}

func (q *MemoryQueue) CountByStatus(ctx context.Context) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[string]int, len(ValidStatuses))
	for _, row := range q.rows {
		counts[row.Status]++
	}
	return counts, nil
}

// SetLeaseExpiresAt 测试辅助：直接改写租约到期时间（模拟外部回拨/过期）
func (q *MemoryQueue) SetLeaseExpiresAt(id int64, ts string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if row, ok := q.rows[id]; ok {
		row.LeaseExpiresAt = ts
	}
}

// SetClaimedBy 测试辅助：直接改写 owner（模拟所有权被外部抢走）
func (q *MemoryQueue) SetClaimedBy(id int64, workerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if row, ok := q.rows[id]; ok {
		row.ClaimedBy = workerID
	}
}
