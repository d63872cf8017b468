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
	"errors"
	"sync"
	"testing"
	"time"
)

func testClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestSubmitVersionPolicy(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(testClock()))

	// 首次提交
	res, err := svc.Submit(ctx, 77, 1, "cl77-v1", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != SubmitCreated || !res.Created || res.Job == nil {
		t.Fatalf("first submit: %+v", res)
	}
	if _, err := svc.MarkSucceeded(ctx, res.Job.ID); err != nil {
		t.Fatalf("mark_succeeded: %v", err)
	}

	// 同一版本重复成功
	res, err = svc.Submit(ctx, 77, 1, "cl77-v1-again", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != SubmitAlreadySucceededSameVer || res.Created {
		t.Fatalf("same version: %+v", res)
	}

	// 更高版本未授权 rerun
	res, err = svc.Submit(ctx, 77, 2, "cl77-v2", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != SubmitRerunRequired || res.Created {
		t.Fatalf("rerun gate: %+v", res)
	}
	if _, err := svc.Get(ctx, res.Job.ID+1); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("rerun_required must not create a row")
	}

	// 显式 rerun 放行
	res, err = svc.Submit(ctx, 77, 2, "cl77-v2-rerun", true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != SubmitCreated || !res.Created {
		t.Fatalf("rerun submit: %+v", res)
	}

	// 更低版本是独立的非错误结论
	res, err = svc.Submit(ctx, 77, 0, "cl77-v0", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != SubmitStaleReviewVersion || res.Created {
		t.Fatalf("stale version: %+v", res)
	}
}

func TestSubmitDuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(testClock()))

	first, err := svc.Submit(ctx, 9, 1, "dup-key", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := svc.Submit(ctx, 9, 1, "dup-key", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if second.Status != SubmitDuplicateIdempotency || second.Created {
		t.Fatalf("duplicate submit: %+v", second)
	}
	if second.Job.ID != first.Job.ID {
		t.Fatalf("duplicate should return existing row %d, got %d", first.Job.ID, second.Job.ID)
	}
}

func TestSubmitRaceOnUniqueKey(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(testClock()))

	const racers = 8
	var wg sync.WaitGroup
	results := make([]SubmissionResult, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Submit(ctx, 123, 1, "contested-key", false)
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	var created int
	var winnerID int64
	for _, res := range results {
		if res.Created {
			created++
			winnerID = res.Job.ID
		}
	}
	if created != 1 {
		t.Fatalf("created: got %d, want exactly 1", created)
	}
	for _, res := range results {
		if !res.Created && res.Status == SubmitDuplicateIdempotency && res.Job.ID != winnerID {
			t.Fatalf("loser should see winner row %d, got %d", winnerID, res.Job.ID)
		}
	}
}

func TestPrepareNotificationsUsesDispatchPartitionKey(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(testClock()))

	res, err := svc.Submit(ctx, 42, 3, "cl42-v3", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	prep := &capturingPreparer{}
	ids, err := svc.PrepareNotifications(ctx, res.Job.ID, []string{"a@example.com"}, map[string]interface{}{"k": "v"}, prep)
	if err != nil {
		t.Fatalf("prepare_notifications: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("row ids: %v", ids)
	}
	if prep.changelistID != 42 || prep.reviewVersion != 3 {
		t.Fatalf("partition key: cl=%d rv=%d", prep.changelistID, prep.reviewVersion)
	}

	if _, err := svc.PrepareNotifications(ctx, 9999, nil, nil, prep); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("missing job: got %v, want ErrJobNotFound", err)
	}
}

type capturingPreparer struct {
	changelistID  int64
	reviewVersion int
}

func (p *capturingPreparer) PrepareRows(ctx context.Context, changelistID int64, reviewVersion int, recipients []string, payload map[string]interface{}) ([]int64, error) {
	p.changelistID = changelistID
	p.reviewVersion = reviewVersion
	ids := make([]int64, len(recipients))
	for i := range recipients {
		ids[i] = int64(i + 1)
	}
	return ids, nil
}
