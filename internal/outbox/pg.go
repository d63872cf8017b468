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

package outbox

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"review-pipeline/internal/store"
	"review-pipeline/pkg/canonjson"
)

type pgStore struct {
	pool  *pgxpool.Pool
	clock store.Clock
}

// NewPgStore 创建基于 PostgreSQL 的台账存储
func NewPgStore(pool *pgxpool.Pool, clock store.Clock) Store {
	if clock == nil {
		clock = store.UTCNow
	}
	return &pgStore{pool: pool, clock: clock}
}

const outboxColumns = `id, changelist_id, recipient, review_version, payload, idempotency_key, status, provider_message_id, notified_at, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var providerMessageID, notifiedAt *string
	if err := row.Scan(&e.ID, &e.ChangelistID, &e.Recipient, &e.ReviewVersion, &e.Payload,
		&e.IdempotencyKey, &e.Status, &providerMessageID, &notifiedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if providerMessageID != nil {
		e.ProviderMessageID = *providerMessageID
	}
	if notifiedAt != nil {
		e.NotifiedAt = *notifiedAt
	}
	return &e, nil
}

func (s *pgStore) PrepareRows(ctx context.Context, changelistID int64, reviewVersion int, recipients []string, payload map[string]interface{}) ([]int64, error) {
	serialized, err := canonjson.MarshalString(payload)
	if err != nil {
		return nil, err
	}
	now := store.Stamp(s.clock)

	seen := make(map[string]bool)
	var ids []int64
	for _, recipient := range recipients {
		if seen[recipient] {
			continue
		}
		seen[recipient] = true
		key := IdempotencyKey(changelistID, recipient, reviewVersion)
		var id int64
		err := s.pool.QueryRow(ctx,
			`INSERT INTO notification_outbox
			   (changelist_id, recipient, review_version, payload, idempotency_key, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, 'queued', $6, $6)
			 ON CONFLICT (changelist_id, recipient, review_version) DO NOTHING
			 RETURNING id`,
			changelistID, recipient, reviewVersion, serialized, key, now,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			// 冲突即先写胜出，回读已存在的行
			if err := s.pool.QueryRow(ctx,
				`SELECT id FROM notification_outbox
				 WHERE changelist_id = $1 AND recipient = $2 AND review_version = $3`,
				changelistID, recipient, reviewVersion,
			).Scan(&id); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *pgStore) UnsentRows(ctx context.Context, changelistID int64, reviewVersion int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM notification_outbox
		 WHERE changelist_id = $1 AND review_version = $2 AND notified_at IS NULL
		 ORDER BY recipient ASC, id ASC`,
		changelistID, reviewVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *pgStore) GetRow(ctx context.Context, id int64) (*Entry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM notification_outbox WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRowNotFound
	}
	return entry, err
}

func (s *pgStore) RecordProviderMessageID(ctx context.Context, id int64, providerMessageID string) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE notification_outbox SET provider_message_id = $1, updated_at = $2 WHERE id = $3`,
		providerMessageID, store.Stamp(s.clock), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRowNotFound
	}
	return nil
}

func (s *pgStore) MarkSent(ctx context.Context, id int64, providerMessageID string) error {
	now := store.Stamp(s.clock)
	cmd, err := s.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'sent', provider_message_id = $1, notified_at = $2, updated_at = $2
		 WHERE id = $3`,
		providerMessageID, now, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRowNotFound
	}
	return nil
}
