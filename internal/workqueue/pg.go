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
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"review-pipeline/internal/store"
)

// pgQueue PostgreSQL 实现；每个变更单事务，ClaimNext 在一个事务内完成
// 回收 → 容量检查 → 候选选取（FOR UPDATE SKIP LOCKED）→ 置 running
type pgQueue struct {
	pool  *pgxpool.Pool
	clock store.Clock
}

// NewPgQueue 创建基于 PostgreSQL 的队列；pool 与其他子系统共用，clock 为 nil 用默认时钟
func NewPgQueue(pool *pgxpool.Pool, clock store.Clock) Queue {
	if clock == nil {
		clock = store.UTCNow
	}
	return &pgQueue{pool: pool, clock: clock}
}

const jobColumns = `id, payload, status, priority, run_at, claimed_by, lease_expires_at, started_at, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payload, claimedBy, leaseExpiresAt, startedAt *string
	if err := row.Scan(&j.ID, &payload, &j.Status, &j.Priority, &j.RunAt,
		&claimedBy, &leaseExpiresAt, &startedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if payload != nil {
		j.Payload = *payload
	}
	if claimedBy != nil {
		j.ClaimedBy = *claimedBy
	}
	if leaseExpiresAt != nil {
		j.LeaseExpiresAt = *leaseExpiresAt
	}
	if startedAt != nil {
		j.StartedAt = *startedAt
	}
	return &j, nil
}

func (q *pgQueue) Enqueue(ctx context.Context, payload string, priority int, runAt string) (int64, error) {
	now := store.Stamp(q.clock)
	if runAt == "" {
		runAt = now
	}
	var id int64
	err := q.pool.QueryRow(ctx,
		`INSERT INTO work_queue (payload, status, priority, run_at, created_at, updated_at)
		 VALUES ($1, 'queued', $2, $3, $4, $4)
		 RETURNING id`,
		payload, priority, runAt, now,
	).Scan(&id)
	return id, err
}

func (q *pgQueue) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration, maxActiveRunning int) (*Job, error) {
	now := store.Stamp(q.clock)
	leaseExpires := store.FormatTime(q.clock().Add(leaseDuration))

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE work_queue
		 SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = $1
		 WHERE status = 'running' AND lease_expires_at <= $1`,
		now,
	); err != nil {
		return nil, err
	}

	if maxActiveRunning > 0 {
		var running int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM work_queue WHERE status = 'running' AND lease_expires_at > $1`,
			now,
		).Scan(&running); err != nil {
			return nil, err
		}
		if running >= maxActiveRunning {
			return nil, tx.Commit(ctx)
		}
	}

	var id int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM work_queue
		 WHERE status = 'queued' AND run_at <= $1
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		now,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tx.Commit(ctx)
		}
		return nil, err
	}

	job, err := scanJob(tx.QueryRow(ctx,
		`UPDATE work_queue
		 SET status = 'running', claimed_by = $1, lease_expires_at = $2,
		     started_at = COALESCE(started_at, $3), updated_at = $3
		 WHERE id = $4
		 RETURNING `+jobColumns,
		workerID, leaseExpires, now, id,
	))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *pgQueue) Claim(ctx context.Context, id int64, workerID string) (MutationResult, error) {
	now := store.Stamp(q.clock)
	leaseExpires := store.FormatTime(q.clock().Add(defaultLeaseDuration))
	cmd, err := q.pool.Exec(ctx,
		`UPDATE work_queue
		 SET status = 'running', claimed_by = $1, lease_expires_at = $2,
		     started_at = COALESCE(started_at, $3), updated_at = $3
		 WHERE id = $4 AND status = 'queued'`,
		workerID, leaseExpires, now, id,
	)
	if err != nil {
		return MutationResult{}, err
	}
	if cmd.RowsAffected() == 0 {
		current, _, err := q.currentStatusOwner(ctx, id)
		if err != nil {
			return MutationResult{}, err
		}
		return claimFailure(current), nil
	}
	return okResult(int(cmd.RowsAffected()), nil), nil
}

func (q *pgQueue) Heartbeat(ctx context.Context, id int64, workerID string, leaseDuration time.Duration) (MutationResult, error) {
	now := store.Stamp(q.clock)
	leaseExpires := store.FormatTime(q.clock().Add(leaseDuration))
	cmd, err := q.pool.Exec(ctx,
		`UPDATE work_queue
		 SET lease_expires_at = $1, updated_at = $2
		 WHERE id = $3 AND claimed_by = $4 AND status = 'running'`,
		leaseExpires, now, id, workerID,
	)
	if err != nil {
		return MutationResult{}, err
	}
	if cmd.RowsAffected() == 0 {
		current, owner, err := q.currentStatusOwner(ctx, id)
		if err != nil {
			return MutationResult{}, err
		}
		return ownerGuardFailure("heartbeat", id, workerID, owner, current), nil
	}
	return okResult(int(cmd.RowsAffected()), nil), nil
}

func (q *pgQueue) Complete(ctx context.Context, id int64, workerID string) (MutationResult, error) {
	return q.finalize(ctx, id, workerID, StatusCompleted)
}

func (q *pgQueue) Fail(ctx context.Context, id int64, workerID string) (MutationResult, error) {
	return q.finalize(ctx, id, workerID, StatusFailed)
}

func (q *pgQueue) finalize(ctx context.Context, id int64, workerID string, target Status) (MutationResult, error) {
	if target != StatusCompleted && target != StatusFailed {
		return invalidStatus(target), nil
	}
	now := store.Stamp(q.clock)
	cmd, err := q.pool.Exec(ctx,
		`UPDATE work_queue
		 SET status = $1, claimed_by = NULL, lease_expires_at = NULL, updated_at = $2
		 WHERE id = $3 AND claimed_by = $4 AND status = 'running'`,
		target, now, id, workerID,
	)
	if err != nil {
		return MutationResult{}, err
	}
	if cmd.RowsAffected() == 0 {
		current, owner, err := q.currentStatusOwner(ctx, id)
		if err != nil {
			return MutationResult{}, err
		}
		return finalizeFailure(id, workerID, owner, current, target), nil
	}
	return okResult(int(cmd.RowsAffected()), map[string]interface{}{"to": target}), nil
}

func (q *pgQueue) RequeueExpiredRunning(ctx context.Context) (MutationResult, error) {
	now := store.Stamp(q.clock)
	cmd, err := q.pool.Exec(ctx,
		`UPDATE work_queue
		 SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = $1
		 WHERE status = 'running' AND lease_expires_at <= $1`,
		now,
	)
	if err != nil {
		return MutationResult{}, err
	}
	return okResult(int(cmd.RowsAffected()), nil), nil
}

func (q *pgQueue) GetJob(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM work_queue WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (q *pgQueue) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM work_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int, len(ValidStatuses))
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = int(n)
	}
	return counts, rows.Err()
}

// currentStatusOwner 失败诊断用的当前状态与 owner；行不存在时均为空
func (q *pgQueue) currentStatusOwner(ctx context.Context, id int64) (string, string, error) {
	var status string
	var owner *string
	err := q.pool.QueryRow(ctx,
		`SELECT status, claimed_by FROM work_queue WHERE id = $1`, id,
	).Scan(&status, &owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", nil
		}
		return "", "", err
	}
	if owner == nil {
		return status, "", nil
	}
	return status, *owner, nil
}
