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

package dispatch

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"review-pipeline/internal/store"
)

type pgStore struct {
	pool  *pgxpool.Pool
	clock store.Clock
}

// NewPgStore 创建基于 PostgreSQL 的任务存储
func NewPgStore(pool *pgxpool.Pool, clock store.Clock) Store {
	if clock == nil {
		clock = store.UTCNow
	}
	return &pgStore{pool: pool, clock: clock}
}

const dispatchColumns = `id, changelist_id, review_version, idempotency_key, status, created_at, updated_at`

func scanDispatchJob(row pgx.Row) (*Job, error) {
	var j Job
	if err := row.Scan(&j.ID, &j.ChangelistID, &j.ReviewVersion, &j.IdempotencyKey,
		&j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *pgStore) FindByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	job, err := scanDispatchJob(s.pool.QueryRow(ctx,
		`SELECT `+dispatchColumns+` FROM jobs WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *pgStore) LatestSucceeded(ctx context.Context, changelistID int64) (*Job, error) {
	job, err := scanDispatchJob(s.pool.QueryRow(ctx,
		`SELECT `+dispatchColumns+` FROM jobs
		 WHERE changelist_id = $1 AND status = 'succeeded'
		 ORDER BY review_version DESC, id DESC
		 LIMIT 1`, changelistID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// Insert 幂等键冲突时回读已存在的行（竞争的败方）
func (s *pgStore) Insert(ctx context.Context, changelistID int64, reviewVersion int, key string) (*Job, bool, error) {
	now := store.Stamp(s.clock)
	job, err := scanDispatchJob(s.pool.QueryRow(ctx,
		`INSERT INTO jobs (changelist_id, review_version, idempotency_key, status, created_at, updated_at)
		 VALUES ($1, $2, $3, 'queued', $4, $4)
		 RETURNING `+dispatchColumns,
		changelistID, reviewVersion, key, now))
	if err == nil {
		return job, true, nil
	}
	if !store.IsUniqueViolation(err) {
		return nil, false, err
	}
	existing, err := s.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *pgStore) MarkSucceeded(ctx context.Context, id int64) (*Job, error) {
	job, err := scanDispatchJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'succeeded', updated_at = $1
		 WHERE id = $2
		 RETURNING `+dispatchColumns,
		store.Stamp(s.clock), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *pgStore) Get(ctx context.Context, id int64) (*Job, error) {
	job, err := scanDispatchJob(s.pool.QueryRow(ctx,
		`SELECT `+dispatchColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}
