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
	"fmt"
	"testing"
	"time"

	"review-pipeline/internal/dispatch"
	"review-pipeline/internal/failure"
	"review-pipeline/internal/outbox"
	"review-pipeline/internal/workqueue"
)

type fakeProducer struct {
	payload string
	err     error
}

func (p *fakeProducer) Produce(ctx context.Context, changelistID int64, reviewVersion int, files []string) (string, error) {
	return p.payload, p.err
}

type fakeProvider struct {
	sends []string
}

func (p *fakeProvider) Send(ctx context.Context, recipient, payload, idempotencyKey string) (string, error) {
	p.sends = append(p.sends, recipient)
	return fmt.Sprintf("msg-%d", len(p.sends)), nil
}

func (p *fakeProvider) Lookup(ctx context.Context, providerMessageID string) (bool, error) {
	return false, nil
}

type fixture struct {
	queue    *workqueue.MemoryQueue
	dispatch *dispatch.Service
	outbox   *outbox.MemoryStore
	provider *fakeProvider
	pipeline *failure.Pipeline
	proc     *Processor
}

func newFixture(t *testing.T, producer *fakeProducer) *fixture {
	t.Helper()
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	pipeline, err := failure.NewPipeline(failure.NewMemoryStore(clock),
		[]string{StageFetch, StageReview, StageValidate, StagePublish})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	f := &fixture{
		queue:    workqueue.NewMemoryQueue(clock),
		dispatch: dispatch.NewService(dispatch.NewMemoryStore(clock)),
		outbox:   outbox.NewMemoryStore(clock),
		provider: &fakeProvider{},
		pipeline: pipeline,
	}
	f.proc = &Processor{
		Dispatch:   f.dispatch,
		Outbox:     f.outbox,
		Provider:   f.provider,
		Producer:   producer,
		Pipeline:   pipeline,
		Recipients: []string{"team@example.com"},
	}
	return f
}

// 入队一个已提交的评审 job，返回认领到的队列行
func (f *fixture) enqueueAndClaim(t *testing.T, ctx context.Context, changelistID int64, reviewVersion int) *workqueue.Job {
	t.Helper()
	submit, err := f.dispatch.Submit(ctx, changelistID, reviewVersion,
		fmt.Sprintf("cl%d-v%d", changelistID, reviewVersion), false)
	if err != nil || !submit.Created {
		t.Fatalf("submit: %+v %v", submit, err)
	}
	payload := fmt.Sprintf(
		`{"changelist_id":%d,"files":["src/a.go"],"job_id":%d,"review_version":%d}`,
		changelistID, submit.Job.ID, reviewVersion)
	id, err := f.queue.Enqueue(ctx, payload, 0, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := f.queue.ClaimNext(ctx, "w1", 30*time.Second, 0)
	if err != nil || job == nil || job.ID != id {
		t.Fatalf("claim: %+v %v", job, err)
	}
	return job
}

func TestProcessHappyPath(t *testing.T) {
	ctx := context.Background()
	producer := &fakeProducer{payload: `{"schema_version":"1.0","prompt_version":"1.0.0","findings":[` +
		`{"id":"F1","severity":"high","category":"security","title":"t","file":"src/a.go","line":3,"message":"m"}]}`}
	f := newFixture(t, producer)
	job := f.enqueueAndClaim(t, ctx, 77, 1)

	if err := f.proc.Process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	dispatchJob, _ := f.dispatch.Get(ctx, 1)
	if dispatchJob.Status != dispatch.StatusSucceeded {
		t.Fatalf("dispatch status: %s", dispatchJob.Status)
	}
	if len(f.provider.sends) != 1 || f.provider.sends[0] != "team@example.com" {
		t.Fatalf("sends: %v", f.provider.sends)
	}
	// 台账行已终态化，重复投递不再触达 provider
	results, err := outbox.DeliverPending(ctx, f.outbox, 77, 1, f.provider)
	if err != nil || len(results) != 0 {
		t.Fatalf("second deliver: %v %v", results, err)
	}
	dls, _ := f.pipeline.ListDeadLetters(ctx, "")
	if len(dls) != 0 {
		t.Fatalf("dead letters: %v", dls)
	}
}

func TestProcessRejectedResultDeadLetters(t *testing.T) {
	ctx := context.Background()
	producer := &fakeProducer{payload: `{"schema_version":"9.9","prompt_version":"1.0.0","findings":[]}`}
	f := newFixture(t, producer)
	job := f.enqueueAndClaim(t, ctx, 78, 1)

	if err := f.proc.Process(ctx, job); err == nil {
		t.Fatalf("rejected contract must surface as processing error")
	}

	dls, _ := f.pipeline.ListDeadLetters(ctx, failure.DLStatusOpen)
	if len(dls) != 1 {
		t.Fatalf("dead letters: %v", dls)
	}
	if dls[0].FailedStage != StageValidate || dls[0].ErrorClass != "ContractViolation" {
		t.Fatalf("dead letter: %+v", dls[0])
	}
	// 未成功落账、未发通知
	dispatchJob, _ := f.dispatch.Get(ctx, 1)
	if dispatchJob.Status != dispatch.StatusQueued {
		t.Fatalf("dispatch status: %s", dispatchJob.Status)
	}
	if len(f.provider.sends) != 0 {
		t.Fatalf("sends: %v", f.provider.sends)
	}
}

func TestProcessProducerFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	producer := &fakeProducer{err: fmt.Errorf("upstream 503")}
	f := newFixture(t, producer)
	job := f.enqueueAndClaim(t, ctx, 79, 1)

	if err := f.proc.Process(ctx, job); err == nil {
		t.Fatalf("producer failure must surface as processing error")
	}
	// 可重试失败不沉淀死信
	dls, _ := f.pipeline.ListDeadLetters(ctx, "")
	if len(dls) != 0 {
		t.Fatalf("dead letters: %v", dls)
	}
}
