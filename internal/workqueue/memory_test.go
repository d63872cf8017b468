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
	"errors"
	"sync"
	"testing"
	"time"

	"review-pipeline/internal/store"
)

func fixedClock(t time.Time) (store.Clock, func(time.Duration)) {
	current := t
	clock := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return clock, advance
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestClaimHeartbeatComplete(t *testing.T) {
	ctx := context.Background()
	clock, advance := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	id, err := q.Enqueue(ctx, "hello", 0, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.ClaimNext(ctx, "w1", 30*time.Second, 0)
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("expected job %d, got %+v", id, job)
	}
	if job.Status != StatusRunning || job.ClaimedBy != "w1" {
		t.Fatalf("claimed job: status=%s owner=%s", job.Status, job.ClaimedBy)
	}
	wantLease := store.FormatTime(baseTime.Add(30 * time.Second))
	if job.LeaseExpiresAt != wantLease {
		t.Fatalf("lease: got %s, want %s", job.LeaseExpiresAt, wantLease)
	}
	if job.StartedAt == "" {
		t.Fatalf("started_at not set")
	}

	advance(10 * time.Second)
	hb, err := q.Heartbeat(ctx, id, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !hb.OK {
		t.Fatalf("heartbeat rejected: %v", hb.Diagnostics)
	}
	job, _ = q.GetJob(ctx, id)
	if want := store.FormatTime(baseTime.Add(40 * time.Second)); job.LeaseExpiresAt != want {
		t.Fatalf("renewed lease: got %s, want %s", job.LeaseExpiresAt, want)
	}

	done, err := q.Complete(ctx, id, "w1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done.OK {
		t.Fatalf("complete rejected: %v", done.Diagnostics)
	}
	job, _ = q.GetJob(ctx, id)
	if job.Status != StatusCompleted || job.ClaimedBy != "" || job.LeaseExpiresAt != "" {
		t.Fatalf("finalized job: %+v", job)
	}
}

func TestCompleteOnQueuedJobIsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	clock, _ := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	id, _ := q.Enqueue(ctx, "pending", 0, "")
	res, err := q.Complete(ctx, id, "w1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.OK {
		t.Fatalf("complete on queued job should fail")
	}
	if res.Diagnostics["code"] != "invalid_transition" {
		t.Fatalf("code: got %v", res.Diagnostics["code"])
	}
	if res.Diagnostics["from"] != StatusQueued || res.Diagnostics["to"] != StatusCompleted {
		t.Fatalf("diagnostics: %v", res.Diagnostics)
	}
}

func TestFinalizeByNonOwner(t *testing.T) {
	ctx := context.Background()
	clock, _ := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	id, _ := q.Enqueue(ctx, "owned", 0, "")
	if _, err := q.ClaimNext(ctx, "w1", 30*time.Second, 0); err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	res, err := q.Complete(ctx, id, "w2")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.OK {
		t.Fatalf("non-owner complete should fail")
	}
	if res.Diagnostics["code"] != "not_owner" {
		t.Fatalf("code: got %v", res.Diagnostics["code"])
	}
	if res.Diagnostics["owner"] != "w1" || res.Diagnostics["requested_by"] != "w2" {
		t.Fatalf("diagnostics: %v", res.Diagnostics)
	}
}

func TestClaimOrdering(t *testing.T) {
	ctx := context.Background()
	clock, advance := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	low, _ := q.Enqueue(ctx, "low", 1, "")
	advance(time.Second)
	lowest, _ := q.Enqueue(ctx, "lowest", 0, "")
	advance(time.Second)
	high, _ := q.Enqueue(ctx, "high", 10, "")
	future, _ := q.Enqueue(ctx, "future", 100, store.FormatTime(baseTime.Add(time.Hour)))

	var got []int64
	for {
		job, err := q.ClaimNext(ctx, "w1", 30*time.Second, 0)
		if err != nil {
			t.Fatalf("claim_next: %v", err)
		}
		if job == nil {
			break
		}
		got = append(got, job.ID)
		if _, err := q.Complete(ctx, job.ID, "w1"); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	want := []int64{high, low, lowest}
	if len(got) != len(want) {
		t.Fatalf("claimed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claimed %v, want %v", got, want)
		}
	}

	job, _ := q.GetJob(ctx, future)
	if job.Status != StatusQueued {
		t.Fatalf("future job should stay queued, got %s", job.Status)
	}
	advance(2 * time.Hour)
	claimed, _ := q.ClaimNext(ctx, "w1", 30*time.Second, 0)
	if claimed == nil || claimed.ID != future {
		t.Fatalf("future job should be claimable after run_at, got %+v", claimed)
	}
}

func TestCreatedAtTieBreaksByID(t *testing.T) {
	ctx := context.Background()
	clock, _ := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	first, _ := q.Enqueue(ctx, "a", 5, "")
	_, _ = q.Enqueue(ctx, "b", 5, "")

	job, err := q.ClaimNext(ctx, "w1", 30*time.Second, 0)
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if job.ID != first {
		t.Fatalf("tie should break by id: got %d, want %d", job.ID, first)
	}
}

func TestRequeueExpiredRunningIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock, _ := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	id, _ := q.Enqueue(ctx, "leased", 0, "")
	if _, err := q.ClaimNext(ctx, "w1", 30*time.Second, 0); err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	q.SetLeaseExpiresAt(id, store.FormatTime(baseTime.Add(-30*time.Second)))

	res, err := q.RequeueExpiredRunning(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Fatalf("first sweep: requeued %d rows, want 1", res.RowsAffected)
	}
	job, _ := q.GetJob(ctx, id)
	if job.Status != StatusQueued || job.ClaimedBy != "" || job.LeaseExpiresAt != "" {
		t.Fatalf("requeued job: %+v", job)
	}

	res, err = q.RequeueExpiredRunning(ctx)
	if err != nil {
		t.Fatalf("second requeue: %v", err)
	}
	if res.RowsAffected != 0 {
		t.Fatalf("second sweep: requeued %d rows, want 0", res.RowsAffected)
	}
}

func TestExpiredLeaseIsReclaimedByClaimNext(t *testing.T) {
	ctx := context.Background()
	clock, _ := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	id, _ := q.Enqueue(ctx, "stolen", 0, "")
	if _, err := q.ClaimNext(ctx, "w1", 30*time.Second, 0); err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	q.SetLeaseExpiresAt(id, store.FormatTime(baseTime.Add(-time.Second)))

	job, err := q.ClaimNext(ctx, "claimer", 30*time.Second, 0)
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if job == nil || job.ID != id || job.ClaimedBy != "claimer" {
		t.Fatalf("reclaimed job: %+v", job)
	}

	// 原 owner 的后续操作全部被 owner 守卫拒绝
	hb, _ := q.Heartbeat(ctx, id, "w1", 30*time.Second)
	if hb.OK || hb.Diagnostics["code"] != "not_owner" {
		t.Fatalf("stale heartbeat: %+v", hb)
	}
	done, _ := q.Complete(ctx, id, "w1")
	if done.OK || done.Diagnostics["code"] != "not_owner" {
		t.Fatalf("stale complete: %+v", done)
	}
}

func TestDirectedClaimRaceHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	clock, _ := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	id, _ := q.Enqueue(ctx, "contested", 0, "")

	const racers = 8
	var wg sync.WaitGroup
	results := make([]MutationResult, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := q.Claim(ctx, id, "w"+string(rune('a'+i)))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	var winners int
	for _, res := range results {
		if res.OK {
			winners++
		} else if res.Diagnostics["code"] != "invalid_transition" {
			t.Fatalf("loser diagnostics: %v", res.Diagnostics)
		}
	}
	if winners != 1 {
		t.Fatalf("winners: got %d, want 1", winners)
	}
}

func TestMaxActiveRunningCap(t *testing.T) {
	ctx := context.Background()
	clock, _ := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "capped", 0, ""); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		job, err := q.ClaimNext(ctx, "w1", time.Minute, 2)
		if err != nil || job == nil {
			t.Fatalf("claim %d: job=%+v err=%v", i, job, err)
		}
	}
	job, err := q.ClaimNext(ctx, "w2", time.Minute, 2)
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if job != nil {
		t.Fatalf("cap of 2 should refuse a third claim, got %+v", job)
	}
}

func TestGetJobNotFound(t *testing.T) {
	clock, _ := fixedClock(baseTime)
	q := NewMemoryQueue(clock)
	if _, err := q.GetJob(context.Background(), 42); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err: got %v, want ErrJobNotFound", err)
	}
}

// 队列深度上报：/metrics 经 DepthReporter 刷新 gauge
func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	clock, _ := fixedClock(baseTime)
	q := NewMemoryQueue(clock)
	var _ DepthReporter = q

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "p", 0, ""); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	job, err := q.ClaimNext(ctx, "w1", time.Minute, 0)
	if err != nil || job == nil {
		t.Fatalf("claim: %+v %v", job, err)
	}
	if res, err := q.Complete(ctx, job.ID, "w1"); err != nil || !res.OK {
		t.Fatalf("complete: %+v %v", res, err)
	}
	job, err = q.ClaimNext(ctx, "w1", time.Minute, 0)
	if err != nil || job == nil {
		t.Fatalf("claim: %+v %v", job, err)
	}

	counts, err := q.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count_by_status: %v", err)
	}
	want := map[string]int{StatusQueued: 1, StatusRunning: 1, StatusCompleted: 1}
	for status, n := range want {
		if counts[status] != n {
			t.Fatalf("counts[%s]: got %d, want %d (all: %v)", status, counts[status], n, counts)
		}
	}
}
