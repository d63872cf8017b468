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

package failure

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

// NewPgStore 创建基于 PostgreSQL 的死信存储
func NewPgStore(pool *pgxpool.Pool, clock store.Clock) Store {
	if clock == nil {
		clock = store.UTCNow
	}
	return &pgStore{pool: pool, clock: clock}
}

func (s *pgStore) Stamp() string {
	return store.Stamp(s.clock)
}

func (s *pgStore) InsertRun(ctx context.Context, payloadRef, stage string) (*PipelineRun, error) {
	now := store.Stamp(s.clock)
	var run PipelineRun
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_runs (payload_ref, current_stage, status, created_at, updated_at)
		 VALUES ($1, $2, 'running', $3, $3)
		 RETURNING id, payload_ref, current_stage, status, created_at, updated_at`,
		payloadRef, stage, now,
	).Scan(&run.ID, &run.PayloadRef, &run.CurrentStage, &run.Status, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *pgStore) GetRun(ctx context.Context, id int64) (*PipelineRun, error) {
	var run PipelineRun
	err := s.pool.QueryRow(ctx,
		`SELECT id, payload_ref, current_stage, status, created_at, updated_at
		 FROM pipeline_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.PayloadRef, &run.CurrentStage, &run.Status, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *pgStore) UpdateRun(ctx context.Context, id int64, stage, status string) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET current_stage = $1, status = $2, updated_at = $3 WHERE id = $4`,
		stage, status, store.Stamp(s.clock), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

const deadLetterColumns = `id, run_id, failed_stage, error_class, error_message, error_metadata,
	original_payload_ref, remediation_evidence, replay_start_stage, replay_count,
	resolution_notes, status, escalated_at, resolved_at, created_at, updated_at`

func scanDeadLetter(row pgx.Row) (*DeadLetter, error) {
	var dl DeadLetter
	var errorMessage, remediationEvidence, replayStartStage, resolutionNotes, escalatedAt, resolvedAt *string
	if err := row.Scan(&dl.ID, &dl.RunID, &dl.FailedStage, &dl.ErrorClass, &errorMessage, &dl.ErrorMetadata,
		&dl.OriginalPayloadRef, &remediationEvidence, &replayStartStage, &dl.ReplayCount,
		&resolutionNotes, &dl.Status, &escalatedAt, &resolvedAt, &dl.CreatedAt, &dl.UpdatedAt); err != nil {
		return nil, err
	}
	assign := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&dl.ErrorMessage, errorMessage)
	assign(&dl.RemediationEvidence, remediationEvidence)
	assign(&dl.ReplayStartStage, replayStartStage)
	assign(&dl.ResolutionNotes, resolutionNotes)
	assign(&dl.EscalatedAt, escalatedAt)
	assign(&dl.ResolvedAt, resolvedAt)
	return &dl, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *pgStore) InsertDeadLetter(ctx context.Context, dl *DeadLetter) (*DeadLetter, error) {
	now := store.Stamp(s.clock)
	return scanDeadLetter(s.pool.QueryRow(ctx,
		`INSERT INTO dead_letter_entries
		   (run_id, failed_stage, error_class, error_message, error_metadata,
		    original_payload_ref, replay_count, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
		 RETURNING `+deadLetterColumns,
		dl.RunID, dl.FailedStage, dl.ErrorClass, nullable(dl.ErrorMessage), dl.ErrorMetadata,
		dl.OriginalPayloadRef, dl.Status, now))
}

func (s *pgStore) GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeadLetterNotFound
	}
	return dl, err
}

func (s *pgStore) UpdateDeadLetter(ctx context.Context, dl *DeadLetter) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_entries
		 SET failed_stage = $1, error_class = $2, error_message = $3, error_metadata = $4,
		     remediation_evidence = $5, replay_start_stage = $6, replay_count = $7,
		     resolution_notes = $8, status = $9, escalated_at = $10, resolved_at = $11,
		     updated_at = $12
		 WHERE id = $13`,
		dl.FailedStage, dl.ErrorClass, nullable(dl.ErrorMessage), dl.ErrorMetadata,
		nullable(dl.RemediationEvidence), nullable(dl.ReplayStartStage), dl.ReplayCount,
		nullable(dl.ResolutionNotes), dl.Status, nullable(dl.EscalatedAt), nullable(dl.ResolvedAt),
		store.Stamp(s.clock), dl.ID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

func (s *pgStore) ListDeadLetters(ctx context.Context, status string) ([]DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_entries`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}
