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
	"sync"

	"review-pipeline/internal/store"
)

// MemoryStore 内存实现；幂等键唯一性由互斥锁下的 map 保证
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[int64]*Job
	byKey  map[string]int64
	nextID int64
	clock  store.Clock
}

func NewMemoryStore(clock store.Clock) *MemoryStore {
	if clock == nil {
		clock = store.UTCNow
	}
	return &MemoryStore{rows: make(map[int64]*Job), byKey: make(map[string]int64), clock: clock}
}

func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	out := *m.rows[id]
	return &out, nil
}

func (m *MemoryStore) LatestSucceeded(ctx context.Context, changelistID int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Job
	for _, row := range m.rows {
		if row.ChangelistID != changelistID || row.Status != StatusSucceeded {
			continue
		}
		if best == nil ||
			row.ReviewVersion > best.ReviewVersion ||
			(row.ReviewVersion == best.ReviewVersion && row.ID > best.ID) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (m *MemoryStore) Insert(ctx context.Context, changelistID int64, reviewVersion int, key string) (*Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[key]; ok {
		out := *m.rows[id]
		return &out, false, nil
	}
	now := store.Stamp(m.clock)
	m.nextID++
	job := &Job{
		ID:             m.nextID,
		ChangelistID:   changelistID,
		ReviewVersion:  reviewVersion,
		IdempotencyKey: key,
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.rows[job.ID] = job
	m.byKey[key] = job.ID
	out := *job
	return &out, true, nil
}

func (m *MemoryStore) MarkSucceeded(ctx context.Context, id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	row.Status = StatusSucceeded
	row.UpdatedAt = store.Stamp(m.clock)
	out := *row
	return &out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := *row
	return &out, nil
}
