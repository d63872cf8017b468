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

// Package outbox 通知台账：每个 (changelist, recipient, review_version) 三元组
// 至多发出一条用户可见消息。provider_message_id 先落库再标记已发，崩溃窗口
// 由 lookup 对账闭合。
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"review-pipeline/pkg/metrics"
)

// 台账行状态
const (
	StatusQueued = "queued"
	StatusSent   = "sent"
)

// 投递结果状态
const (
	DeliverSent        = "sent"
	DeliverAlreadySent = "already_sent"
	DeliverReconciled  = "reconciled"
)

// ErrRowNotFound 指定 id 的台账行不存在
var ErrRowNotFound = errors.New("outbox: row not found")

// Entry notification_outbox 表的一行；Payload 为排序键的规范 JSON
type Entry struct {
	ID                int64
	ChangelistID      int64
	Recipient         string
	ReviewVersion     int
	Payload           string
	IdempotencyKey    string
	Status            string
	ProviderMessageID string
	NotifiedAt        string
	CreatedAt         string
	UpdatedAt         string
}

// DeliveryResult deliver_row 的结构化结果
type DeliveryResult struct {
	Status            string
	RowID             int64
	ProviderMessageID string
}

// Provider 通知投递能力。实现方须对 idempotencyKey 幂等，
// 这是台账在崩溃窗口下仍保持 at-most-once 的前提
type Provider interface {
	Send(ctx context.Context, recipient, payload, idempotencyKey string) (string, error)
	Lookup(ctx context.Context, providerMessageID string) (bool, error)
}

// Store 台账存取原语；投递协议在包级函数实现一次，两个实现共用
type Store interface {
	// PrepareRows 为每个收件人建行（重复收件人折叠，三元组冲突跳过，先写胜出）。
	// 返回请求涉及的全部行 id，按收件人去重后的顺序
	PrepareRows(ctx context.Context, changelistID int64, reviewVersion int, recipients []string, payload map[string]interface{}) ([]int64, error)
	// UnsentRows 分区内未发行，按 recipient ASC, id ASC
	UnsentRows(ctx context.Context, changelistID int64, reviewVersion int) ([]Entry, error)
	// GetRow 读取单行；不存在返回 ErrRowNotFound
	GetRow(ctx context.Context, id int64) (*Entry, error)
	// RecordProviderMessageID 仅落 provider_message_id，不标记已发
	RecordProviderMessageID(ctx context.Context, id int64, providerMessageID string) error
	// MarkSent 标记已发：status=sent、notified_at、provider_message_id
	MarkSent(ctx context.Context, id int64, providerMessageID string) error
}

// IdempotencyKey 三元组的确定性幂等键
func IdempotencyKey(changelistID int64, recipient string, reviewVersion int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%d", changelistID, recipient, reviewVersion)))
	return hex.EncodeToString(sum[:])
}

// DeliverRow 单行投递协议：
//  1. notified_at 已置 → already_sent，带库中 provider_message_id；
//  2. provider_message_id 已存但未标记（崩溃窗口）→ lookup 对账，确认存在则
//     只补标记，返回 reconciled，不重发；provider 否认则视为陈旧 id，走 3；
//  3. send → 落 id → 标记已发，返回 sent
func DeliverRow(ctx context.Context, st Store, rowID int64, provider Provider) (DeliveryResult, error) {
	row, err := st.GetRow(ctx, rowID)
	if err != nil {
		return DeliveryResult{}, err
	}
	if row.NotifiedAt != "" {
		metrics.DeliveryTotal.WithLabelValues(DeliverAlreadySent).Inc()
		return DeliveryResult{Status: DeliverAlreadySent, RowID: rowID, ProviderMessageID: row.ProviderMessageID}, nil
	}
	if row.ProviderMessageID != "" {
		exists, err := provider.Lookup(ctx, row.ProviderMessageID)
		if err != nil {
			return DeliveryResult{}, err
		}
		if exists {
			if err := st.MarkSent(ctx, rowID, row.ProviderMessageID); err != nil {
				return DeliveryResult{}, err
			}
			metrics.DeliveryTotal.WithLabelValues(DeliverReconciled).Inc()
			return DeliveryResult{Status: DeliverReconciled, RowID: rowID, ProviderMessageID: row.ProviderMessageID}, nil
		}
	}
	messageID, err := provider.Send(ctx, row.Recipient, row.Payload, row.IdempotencyKey)
	if err != nil {
		return DeliveryResult{}, err
	}
	if err := st.RecordProviderMessageID(ctx, rowID, messageID); err != nil {
		return DeliveryResult{}, err
	}
	if err := st.MarkSent(ctx, rowID, messageID); err != nil {
		return DeliveryResult{}, err
	}
	metrics.DeliveryTotal.WithLabelValues(DeliverSent).Inc()
	return DeliveryResult{Status: DeliverSent, RowID: rowID, ProviderMessageID: messageID}, nil
}

// DeliverPending 分区批量投递，按 UnsentRows 的顺序逐行执行投递协议
func DeliverPending(ctx context.Context, st Store, changelistID int64, reviewVersion int, provider Provider) ([]DeliveryResult, error) {
	rows, err := st.UnsentRows(ctx, changelistID, reviewVersion)
	if err != nil {
		return nil, err
	}
	results := make([]DeliveryResult, 0, len(rows))
	for _, row := range rows {
		res, err := DeliverRow(ctx, st, row.ID, provider)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
