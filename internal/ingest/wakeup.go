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

package ingest

import (
	"context"
	"time"
)

// WakeupQueueMem 内存唤醒队列：接入侧入队后 NotifyReady，空闲 worker 经
// Receive 立即醒来认领，而非等满一个轮询周期。仅单进程内有效
type WakeupQueueMem struct {
	ch chan int64
}

// NewWakeupQueueMem 创建内存唤醒队列；bufSize <= 0 用 256
func NewWakeupQueueMem(bufSize int) *WakeupQueueMem {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &WakeupQueueMem{ch: make(chan int64, bufSize)}
}

// NotifyReady 非阻塞发送，队列满时丢弃（轮询兜底，不阻塞接入请求）
func (q *WakeupQueueMem) NotifyReady(ctx context.Context, queueID int64) error {
	select {
	case q.ch <- queueID:
	default:
	}
	return nil
}

// Receive 阻塞最多 timeout；有唤醒返回 (queueID, true)，超时或取消返回 (0, false)
func (q *WakeupQueueMem) Receive(ctx context.Context, timeout time.Duration) (int64, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, true
	case <-timer.C:
		return 0, false
	case <-ctx.Done():
		return 0, false
	}
}
