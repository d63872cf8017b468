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

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Open 创建 pgxpool 连接池并 ping；dsn 为连接串，poolSize <=0 时用 pgx 默认值
func Open(ctx context.Context, dsn string, poolSize int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if poolSize > 0 {
		config.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// 时间戳列统一 TEXT + UTC 秒级默认值，与 Clock 输出同构；写路径始终显式传入 Stamp(clock)，
// 默认值只为非本服务写入兜底
const ddlTimestampDefault = `to_char(now() at time zone 'utc', 'YYYY-MM-DD HH24:MI:SS')`

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS work_queue (
		id BIGSERIAL PRIMARY KEY,
		payload TEXT,
		status TEXT NOT NULL CHECK (status IN ('queued', 'running', 'completed', 'failed')),
		priority INTEGER NOT NULL DEFAULT 0,
		run_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `),
		claimed_by TEXT,
		lease_expires_at TEXT,
		started_at TEXT,
		created_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `),
		updated_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_queue_claim
		ON work_queue (status, run_at, priority DESC, created_at ASC, id ASC)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id BIGSERIAL PRIMARY KEY,
		changelist_id BIGINT NOT NULL,
		review_version INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'running', 'succeeded', 'failed')),
		created_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `),
		updated_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `),
		UNIQUE (idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS notification_outbox (
		id BIGSERIAL PRIMARY KEY,
		changelist_id BIGINT NOT NULL,
		recipient TEXT NOT NULL,
		review_version INTEGER NOT NULL,
		payload TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'sent')),
		provider_message_id TEXT,
		notified_at TEXT,
		created_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `),
		updated_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `),
		UNIQUE (changelist_id, recipient, review_version)
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id BIGSERIAL PRIMARY KEY,
		payload_ref TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('running', 'failed', 'completed')),
		created_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `),
		updated_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `)
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_entries (
		id BIGSERIAL PRIMARY KEY,
		run_id BIGINT NOT NULL REFERENCES pipeline_runs(id),
		failed_stage TEXT NOT NULL,
		error_class TEXT NOT NULL,
		error_message TEXT,
		error_metadata TEXT NOT NULL,
		original_payload_ref TEXT NOT NULL,
		remediation_evidence TEXT,
		replay_start_stage TEXT,
		replay_count INTEGER NOT NULL DEFAULT 0,
		resolution_notes TEXT,
		status TEXT NOT NULL CHECK (status IN ('open', 'replaying', 'resolved', 'escalated')),
		escalated_at TEXT,
		resolved_at TEXT,
		created_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `),
		updated_at TEXT NOT NULL DEFAULT (` + ddlTimestampDefault + `)
	)`,
}

// EnsureSchema 建表（幂等）；五张表的唯一约束与 CHECK 约束在此集中声明
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// IsUniqueViolation 判断是否唯一约束冲突（幂等插入的竞争失败方）
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
