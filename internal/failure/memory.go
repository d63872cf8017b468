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
	"sort"
	"sync"

	"review-pipeline/internal/store"
)

// MemoryStore 内存实现
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[int64]*PipelineRun
	dls    map[int64]*DeadLetter
	nextID int64
	clock  store.Clock
}

func NewMemoryStore(clock store.Clock) *MemoryStore {
	if clock == nil {
		clock = store.UTCNow
	}
	return &MemoryStore{runs: make(map[int64]*PipelineRun), dls: make(map[int64]*DeadLetter), clock: clock}
}

func (m *MemoryStore) Stamp() string {
	return store.Stamp(m.clock)
}

func (m *MemoryStore) InsertRun(ctx context.Context, payloadRef, stage string) (*PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := store.Stamp(m.clock)
	m.nextID++
	run := &PipelineRun{
		ID:           m.nextID,
		PayloadRef:   payloadRef,
		CurrentStage: stage,
		Status:       RunStatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.runs[run.ID] = run
	out := *run
	return &out, nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id int64) (*PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := *run
	return &out, nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, id int64, stage, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.CurrentStage = stage
	run.Status = status
	run.UpdatedAt = store.Stamp(m.clock)
	return nil
}

func (m *MemoryStore) InsertDeadLetter(ctx context.Context, dl *DeadLetter) (*DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := store.Stamp(m.clock)
	m.nextID++
	row := *dl
	row.ID = m.nextID
	row.CreatedAt = now
	row.UpdatedAt = now
	m.dls[row.ID] = &row
	out := row
	return &out, nil
}

func (m *MemoryStore) GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.dls[id]
	if !ok {
		return nil, ErrDeadLetterNotFound
	}
	out := *dl
	return &out, nil
}

func (m *MemoryStore) UpdateDeadLetter(ctx context.Context, dl *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.dls[dl.ID]
	if !ok {
		return ErrDeadLetterNotFound
	}
	row := *dl
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = store.Stamp(m.clock)
	m.dls[dl.ID] = &row
	return nil
}

func (m *MemoryStore) ListDeadLetters(ctx context.Context, status string) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeadLetter
	for _, dl := range m.dls {
		if status == "" || dl.Status == status {
			out = append(out, *dl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
