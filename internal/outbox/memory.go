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
	"sort"
	"sync"

	"review-pipeline/internal/store"
	"review-pipeline/pkg/canonjson"
)

// MemoryStore 内存实现；三元组唯一性由互斥锁下的 map 保证
type MemoryStore struct {
	mu       sync.Mutex
	rows     map[int64]*Entry
	byTriple map[string]int64
	nextID   int64
	clock    store.Clock
}

func NewMemoryStore(clock store.Clock) *MemoryStore {
	if clock == nil {
		clock = store.UTCNow
	}
	return &MemoryStore{rows: make(map[int64]*Entry), byTriple: make(map[string]int64), clock: clock}
}

func tripleKey(changelistID int64, recipient string, reviewVersion int) string {
	return IdempotencyKey(changelistID, recipient, reviewVersion)
}

func (m *MemoryStore) PrepareRows(ctx context.Context, changelistID int64, reviewVersion int, recipients []string, payload map[string]interface{}) ([]int64, error) {
	serialized, err := canonjson.MarshalString(payload)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := store.Stamp(m.clock)

	seen := make(map[string]bool)
	var ids []int64
	for _, recipient := range recipients {
		if seen[recipient] {
			continue
		}
		seen[recipient] = true
		key := tripleKey(changelistID, recipient, reviewVersion)
		if id, ok := m.byTriple[key]; ok {
			// 先写胜出：已存在的行保留原 payload
			ids = append(ids, id)
			continue
		}
		m.nextID++
		entry := &Entry{
			ID:             m.nextID,
			ChangelistID:   changelistID,
			Recipient:      recipient,
			ReviewVersion:  reviewVersion,
			Payload:        serialized,
			IdempotencyKey: key,
			Status:         StatusQueued,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		m.rows[entry.ID] = entry
		m.byTriple[key] = entry.ID
		ids = append(ids, entry.ID)
	}
	return ids, nil
}

func (m *MemoryStore) UnsentRows(ctx context.Context, changelistID int64, reviewVersion int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, row := range m.rows {
		if row.ChangelistID == changelistID && row.ReviewVersion == reviewVersion && row.NotifiedAt == "" {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Recipient != out[j].Recipient {
			return out[i].Recipient < out[j].Recipient
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetRow(ctx context.Context, id int64) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, ErrRowNotFound
	}
	out := *row
	return &out, nil
}

func (m *MemoryStore) RecordProviderMessageID(ctx context.Context, id int64, providerMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrRowNotFound
	}
	row.ProviderMessageID = providerMessageID
	row.UpdatedAt = store.Stamp(m.clock)
	return nil
}

func (m *MemoryStore) MarkSent(ctx context.Context, id int64, providerMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrRowNotFound
	}
	now := store.Stamp(m.clock)
	row.Status = StatusSent
	row.ProviderMessageID = providerMessageID
	row.NotifiedAt = now
	row.UpdatedAt = now
	return nil
}

// SetProviderMessageID 测试辅助：模拟「已拿到 provider id、尚未标记已发」的崩溃窗口
func (m *MemoryStore) SetProviderMessageID(id int64, providerMessageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		row.ProviderMessageID = providerMessageID
	}
}
