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

package worker

import (
	"context"
	"testing"
	"time"

	"review-pipeline/internal/workqueue"
)

// 租约被抢走后，在途业务处理必须被取消并在 runOne 返回前退出，
// 行保持抢占者所有、不被本 worker 终态化
func TestRunOneAbortsProcessingOnLeaseLoss(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	q := workqueue.NewMemoryQueue(clock)

	id, err := q.Enqueue(ctx, "{}", 0, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.ClaimNext(ctx, "w1", 3*time.Second, 0)
	if err != nil || job == nil {
		t.Fatalf("claim: %+v %v", job, err)
	}
	q.SetClaimedBy(id, "thief")

	var canceled, completed bool
	blocked := make(chan struct{})
	process := func(pctx context.Context, j *workqueue.Job) error {
		select {
		case <-pctx.Done():
			canceled = true
			return pctx.Err()
		case <-blocked:
			completed = true
			return nil
		}
	}
	r := NewRunner("w1", q, process, 10*time.Millisecond, 3*time.Second, 1, 0, nil)

	// 首次心跳（约 1s 后）发现 not_owner；runOne 等处理 goroutine 退出后才返回
	r.runOne(ctx, job)

	if !canceled {
		t.Fatalf("lease loss must cancel in-flight processing before runOne returns")
	}
	if completed {
		t.Fatalf("business side effects ran to completion after lease loss")
	}
	row, err := q.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if row.Status != workqueue.StatusRunning || row.ClaimedBy != "thief" {
		t.Fatalf("job must stay with the new owner, got status=%s claimed_by=%s", row.Status, row.ClaimedBy)
	}
}
