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
	"os"
	"testing"
	"time"

	"review-pipeline/internal/store"
)

func testDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_REVIEW_PIPELINE_DSN")
	if dsn == "" {
		t.Skip("TEST_REVIEW_PIPELINE_DSN not set, skipping Postgres work_queue tests")
	}
	return dsn
}

func newTestPgQueue(t *testing.T, ctx context.Context) (Queue, func(time.Duration), func()) {
	pool, err := store.Open(ctx, testDSN(t), 2)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("EnsureSchema: %v", err)
	}
	// 清空表以便测试独立
	_, _ = pool.Exec(ctx, `DELETE FROM work_queue`)
	clock, advance := fixedClock(baseTime)
	return NewPgQueue(pool, clock), advance, func() { pool.Close() }
}

func TestPgQueue_ClaimOrdering(t *testing.T) {
	ctx := context.Background()
	q, advance, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	// priority DESC, created_at ASC, id ASC
	low1, _ := q.Enqueue(ctx, "low-early", 0, "")
	advance(time.Second)
	high1, _ := q.Enqueue(ctx, "high-early", 5, "")
	advance(time.Second)
	high2, _ := q.Enqueue(ctx, "high-late", 5, "")
	low2, _ := q.Enqueue(ctx, "low-late", 0, "")

	want := []int64{high1, high2, low1, low2}
	for i, id := range want {
		job, err := q.ClaimNext(ctx, "w1", time.Minute, 0)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if job == nil || job.ID != id {
			t.Fatalf("claim %d: got %+v, want id %d", i, job, id)
		}
	}
	job, err := q.ClaimNext(ctx, "w1", time.Minute, 0)
	if err != nil || job != nil {
		t.Fatalf("empty claim: got %+v, %v", job, err)
	}
}

func TestPgQueue_ReclaimExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, advance, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	id, _ := q.Enqueue(ctx, "p", 0, "")
	job, err := q.ClaimNext(ctx, "w1", 30*time.Second, 0)
	if err != nil || job == nil || job.ID != id {
		t.Fatalf("claim: %+v %v", job, err)
	}

	// 租约未过期时不可被他人认领
	job, err = q.ClaimNext(ctx, "w2", 30*time.Second, 0)
	if err != nil || job != nil {
		t.Fatalf("claim before expiry: got %+v, %v", job, err)
	}

	advance(31 * time.Second)
	job, err = q.ClaimNext(ctx, "w2", 30*time.Second, 0)
	if err != nil || job == nil || job.ID != id {
		t.Fatalf("claim after expiry: %+v %v", job, err)
	}
	if job.ClaimedBy != "w2" {
		t.Fatalf("claimed_by: got %q, want w2", job.ClaimedBy)
	}

	// 原 owner 的心跳与完成都应被 owner guard 拦下
	res, err := q.Heartbeat(ctx, id, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if res.OK || res.Diagnostics["code"] != "not_owner" {
		t.Fatalf("stale heartbeat: %+v", res)
	}
	res, err = q.Complete(ctx, id, "w1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.OK || res.Diagnostics["code"] != "not_owner" {
		t.Fatalf("stale complete: %+v", res)
	}

	// 新 owner 正常收尾
	res, err = q.Complete(ctx, id, "w2")
	if err != nil || !res.OK {
		t.Fatalf("complete by w2: %+v %v", res, err)
	}
	got, err := q.GetJob(ctx, id)
	if err != nil || got.Status != StatusCompleted || got.ClaimedBy != "" || got.LeaseExpiresAt != "" {
		t.Fatalf("final row: %+v %v", got, err)
	}
}

func TestPgQueue_MaxActiveRunning(t *testing.T) {
	ctx := context.Background()
	q, _, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	_, _ = q.Enqueue(ctx, "a", 0, "")
	_, _ = q.Enqueue(ctx, "b", 0, "")
	job, err := q.ClaimNext(ctx, "w1", time.Minute, 1)
	if err != nil || job == nil {
		t.Fatalf("first claim: %+v %v", job, err)
	}
	job, err = q.ClaimNext(ctx, "w2", time.Minute, 1)
	if err != nil || job != nil {
		t.Fatalf("claim over capacity: got %+v, %v", job, err)
	}
}

func TestPgQueue_CountByStatus(t *testing.T) {
	ctx := context.Background()
	q, _, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	dr, ok := q.(DepthReporter)
	if !ok {
		t.Fatal("pg queue should implement DepthReporter")
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "p", 0, ""); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	job, err := q.ClaimNext(ctx, "w1", time.Minute, 0)
	if err != nil || job == nil {
		t.Fatalf("claim: %+v %v", job, err)
	}
	if res, err := q.Fail(ctx, job.ID, "w1"); err != nil || !res.OK {
		t.Fatalf("fail: %+v %v", res, err)
	}
	job, err = q.ClaimNext(ctx, "w1", time.Minute, 0)
	if err != nil || job == nil {
		t.Fatalf("claim: %+v %v", job, err)
	}

	counts, err := dr.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count_by_status: %v", err)
	}
	want := map[string]int{StatusQueued: 1, StatusRunning: 1, StatusFailed: 1}
	for status, n := range want {
		if counts[status] != n {
			t.Fatalf("counts[%s]: got %d, want %d (all: %v)", status, counts[status], n, counts)
		}
	}
}
