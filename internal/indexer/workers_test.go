package indexer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"vfscore/internal/index"
	"vfscore/internal/model"
	"vfscore/internal/model/modeltest"
)

func TestWorkers_RetryThenSucceed(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	note := f.createNote(t, "Newton", "F=ma")
	start := f.clock.Now()
	policy := f.index.States.Policy()

	unavailable := &model.Error{Kind: model.ErrUnavailable, Message: "model loading"}
	f.models.FailNext(unavailable, unavailable)

	for attempt := 1; attempt <= 2; attempt++ {
		res := f.process(t)
		if res.Failed != 1 {
			t.Fatalf("attempt %d: BatchProcessPending() = %+v, want 1 failed", attempt, res)
		}
		st := f.state(t, note.ID)
		if st.State != index.StateFailed || st.RetryCount != attempt {
			t.Fatalf("attempt %d: state = %s retry %d, want failed retry %d", attempt, st.State, st.RetryCount, attempt)
		}
		wantNext := f.clock.Now().Add(policy.Backoff(attempt))
		if st.NextRetryAt == nil || !st.NextRetryAt.Equal(wantNext) {
			t.Fatalf("attempt %d: next retry = %v, want %v", attempt, st.NextRetryAt, wantNext)
		}

		if res := f.process(t); res.Claimed != 0 {
			t.Fatalf("attempt %d: row claimed before its retry time: %+v", attempt, res)
		}
		f.clock.Advance(policy.Backoff(attempt))
	}

	res := f.process(t)
	if res.Indexed != 1 {
		t.Fatalf("BatchProcessPending() = %+v, want 1 indexed", res)
	}
	st := f.state(t, note.ID)
	if st.State != index.StateIndexed || st.RetryCount != 2 {
		t.Errorf("state = %s retry %d, want indexed retry 2", st.State, st.RetryCount)
	}
	if elapsed := f.clock.Now().Sub(start); elapsed != 300*time.Millisecond {
		t.Errorf("elapsed backoff = %v, want 300ms", elapsed)
	}
	if f.models.EmbedCalls() != 3 {
		t.Errorf("EmbedCalls() = %d, want 3", f.models.EmbedCalls())
	}
}

func TestWorkers_RetryBudgetDisables(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	note := f.createNote(t, "Newton", "F=ma")
	policy := f.index.States.Policy()

	for i := 0; i < policy.MaxRetries; i++ {
		f.models.FailNext(&model.Error{Kind: model.ErrTimeout, Message: "slow"})
	}
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		if res := f.process(t); res.Failed != 1 {
			t.Fatalf("attempt %d: BatchProcessPending() = %+v, want 1 failed", attempt, res)
		}
		f.clock.Advance(policy.Backoff(attempt))
	}

	st := f.state(t, note.ID)
	if st.State != index.StateDisabled || st.DisabledReason == "" {
		t.Errorf("state = %+v, want disabled with a reason", st)
	}
	if res := f.process(t); res.Claimed != 0 {
		t.Errorf("disabled row was claimed: %+v", res)
	}
}

func TestWorkers_NonRetryableFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	note := f.createNote(t, "Newton", "F=ma")
	f.models.FailNext(&model.Error{Kind: model.ErrAuth, Status: 401, Message: "bad key"})

	if res := f.process(t); res.Failed != 1 {
		t.Fatalf("BatchProcessPending() = %+v, want 1 failed", res)
	}
	f.clock.Advance(time.Hour)
	if res := f.process(t); res.Claimed != 0 {
		t.Errorf("non-retryable failure was retried: %+v", res)
	}
	st := f.state(t, note.ID)
	if st.State != index.StateFailed || st.NextRetryAt != nil || st.RetryCount != 1 {
		t.Errorf("state = %+v, want failed with no retry scheduled", st)
	}
}

// cancellingService cancels the job's context from inside Embed.
type cancellingService struct {
	*modeltest.HashingService
	cancel context.CancelFunc
}

func (s *cancellingService) Embed(ctx context.Context, _ []string, _ string) ([][]float32, error) {
	s.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWorkers_CancelReleasesClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := &cancellingService{HashingService: modeltest.NewHashingService(testDim), cancel: cancel}

	f := newFixture(t, fixtureOptions{models: svc})
	note := f.createNote(t, "Newton", "F=ma")

	res, err := f.workers.BatchProcessPending(ctx, index.ModalityText, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("BatchProcessPending() error = %v, want context.Canceled", err)
	}
	if res.Claimed != 1 || res.Released != 1 || res.Failed != 0 {
		t.Errorf("BatchProcessPending() = %+v, want 1 claimed and released", res)
	}
	st := f.state(t, note.ID)
	if st.State != index.StatePending || st.RetryCount != 0 || st.WorkerID != "" {
		t.Errorf("state = %+v, want pending without consumed retry", st)
	}
}

func TestWorkers_Limit(t *testing.T) {
	f := newFixture(t, fixtureOptions{workers: 2})
	for i := 0; i < 3; i++ {
		f.createNote(t, fmt.Sprintf("note %d", i), "body")
	}

	res, err := f.workers.BatchProcessPending(context.Background(), index.ModalityText, 2)
	if err != nil {
		t.Fatalf("BatchProcessPending() error = %v", err)
	}
	if res.Claimed != 2 || res.Indexed != 2 {
		t.Errorf("BatchProcessPending() = %+v, want 2 claimed and indexed", res)
	}
	pending, err := f.index.States.ListByState(context.Background(), index.ModalityText, index.StatePending, 0)
	if err != nil {
		t.Fatalf("ListByState() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending rows = %d, want 1", len(pending))
	}
}

func TestWorkers_ConcurrentBatch(t *testing.T) {
	f := newFixture(t, fixtureOptions{workers: 4})
	var noteIDs []string
	for i := 0; i < 12; i++ {
		n := f.createNote(t, fmt.Sprintf("note %d", i), fmt.Sprintf("body number %d", i))
		noteIDs = append(noteIDs, n.ID)
	}

	res := f.process(t)
	if res.Claimed != 12 || res.Indexed != 12 {
		t.Fatalf("BatchProcessPending() = %+v, want 12 claimed and indexed", res)
	}
	for _, id := range noteIDs {
		if st := f.state(t, id); st.State != index.StateIndexed || st.SegmentCount != 1 {
			t.Errorf("state of %s = %s/%d, want indexed/1", id, st.State, st.SegmentCount)
		}
	}
	count, err := f.vectors.Count(context.Background(), index.TableName(index.ModalityText, testDim))
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 12 {
		t.Errorf("vector count = %d, want 12", count)
	}
}

func TestWorkers_StartStop(t *testing.T) {
	f := newFixture(t, fixtureOptions{workers: 2})
	ctx := context.Background()

	if err := f.workers.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.workers.Stop()

	note := f.createNote(t, "Newton", "F=ma")
	f.workers.Notify()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if st := f.state(t, note.ID); st.State == index.StateIndexed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("note was not indexed by background workers")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.workers.Stop()
	f.workers.Stop()
}

func TestWorkers_StartRecoversStaleClaims(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	note := f.createNote(t, "Newton", "F=ma")

	if _, err := f.index.States.ClaimNext(ctx, index.ModalityText, "crashed-worker"); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if st := f.state(t, note.ID); st.State != index.StateIndexing {
		t.Fatalf("state = %s, want indexing", st.State)
	}

	if err := f.workers.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.workers.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for f.state(t, note.ID).State != index.StateIndexed {
		if time.Now().After(deadline) {
			t.Fatal("stale claim was not recovered and indexed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
