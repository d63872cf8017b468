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
	"testing"
	"time"
)

func TestHeartbeatInterval(t *testing.T) {
	cases := []struct {
		lease time.Duration
		want  time.Duration
	}{
		{3 * time.Second, time.Second},
		{30 * time.Second, 10 * time.Second},
		{10 * time.Second, 4 * time.Second},
		{time.Second, time.Second},
		{500 * time.Millisecond, time.Second},
	}
	for _, c := range cases {
		if got := heartbeatInterval(c.lease); got != c.want {
			t.Errorf("heartbeatInterval(%v): got %v, want %v", c.lease, got, c.want)
		}
	}
}

func TestRunLeasedJobRenewsLease(t *testing.T) {
	ctx := context.Background()
	clock, advance := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	id, _ := q.Enqueue(ctx, "steady", 0, "")
	if _, err := q.ClaimNext(ctx, "w1", 3*time.Second, 0); err != nil {
		t.Fatalf("claim_next: %v", err)
	}

	var events []map[string]interface{}
	runner := &LeaseRunner{
		Queue:         q,
		WorkerID:      "w1",
		LeaseDuration: 3 * time.Second,
		Now:           clock,
		Emit:          func(e map[string]interface{}) { events = append(events, e) },
	}

	steps := 0
	outcome, err := runner.RunLeasedJob(ctx, id, func(ctx context.Context) (bool, error) {
		steps++
		advance(time.Second)
		return steps < 5, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Reason != ReasonProcessingComplete {
		t.Fatalf("reason: got %s, want %s", outcome.Reason, ReasonProcessingComplete)
	}
	if outcome.Steps != 5 {
		t.Fatalf("steps: got %d, want 5", outcome.Steps)
	}

	var renewed int
	for _, e := range events {
		if e["code"] == "heartbeat_renewed" {
			renewed++
		} else {
			t.Fatalf("unexpected event: %v", e)
		}
	}
	if renewed < 2 {
		t.Fatalf("renewals: got %d, want >= 2", renewed)
	}

	// 续租期间租约始终没有过期，job 仍归 w1 所有
	job, _ := q.GetJob(ctx, id)
	if job.Status != StatusRunning || job.ClaimedBy != "w1" {
		t.Fatalf("job after run: %+v", job)
	}
}

func TestRunLeasedJobDetectsStolenLease(t *testing.T) {
	ctx := context.Background()
	clock, advance := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	id, _ := q.Enqueue(ctx, "stolen", 0, "")
	if _, err := q.ClaimNext(ctx, "w1", 3*time.Second, 0); err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	q.SetClaimedBy(id, "thief")

	var events []map[string]interface{}
	runner := &LeaseRunner{
		Queue:         q,
		WorkerID:      "w1",
		LeaseDuration: 3 * time.Second,
		Now:           clock,
		Emit:          func(e map[string]interface{}) { events = append(events, e) },
	}

	steps := 0
	outcome, err := runner.RunLeasedJob(ctx, id, func(ctx context.Context) (bool, error) {
		steps++
		advance(time.Second)
		return true, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Reason != ReasonLeaseLost {
		t.Fatalf("reason: got %s, want %s", outcome.Reason, ReasonLeaseLost)
	}
	// 第一个心跳节拍即发现丢失，只走了一步
	if steps != 1 {
		t.Fatalf("steps before stop: got %d, want 1", steps)
	}
	if outcome.Diagnostics["code"] != "not_owner" {
		t.Fatalf("diagnostics: %v", outcome.Diagnostics)
	}

	var lost int
	for _, e := range events {
		if e["code"] == ReasonLeaseLost {
			lost++
		}
	}
	if lost != 1 {
		t.Fatalf("lease_lost events: got %d, want exactly 1", lost)
	}
}

func TestRunLeasedJobDoesNotFinalize(t *testing.T) {
	ctx := context.Background()
	clock, _ := fixedClock(baseTime)
	q := NewMemoryQueue(clock)

	id, _ := q.Enqueue(ctx, "open", 0, "")
	if _, err := q.ClaimNext(ctx, "w1", 30*time.Second, 0); err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	runner := &LeaseRunner{Queue: q, WorkerID: "w1", LeaseDuration: 30 * time.Second, Now: clock}
	if _, err := runner.RunLeasedJob(ctx, id, func(ctx context.Context) (bool, error) {
		return false, nil
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	job, _ := q.GetJob(ctx, id)
	if job.Status != StatusRunning {
		t.Fatalf("runtime must not finalize: %+v", job)
	}
}
