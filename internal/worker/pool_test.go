package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
	"github.com/fairyhunter13/link-sentinel/internal/domain/mocks"
)

type stubAnalyzer struct {
	mu      sync.Mutex
	verdict domain.Verdict
	err     error
	calls   int
}

func (s *stubAnalyzer) Analyze(_ domain.Context, _ *domain.Link) (domain.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.verdict, s.err
}

func okVerdict() domain.Verdict {
	return domain.Verdict{
		Status:       domain.StateOK,
		ResponseCode: 200,
		Indexable:    true,
		LinkClass:    domain.ClassDofollow,
		CheckedAt:    time.Now().UTC(),
	}
}

func testJob() domain.Job {
	return domain.Job{
		ID:           "job-1",
		Kind:         domain.KindBatch,
		ProjectID:    "prj-1",
		LinkID:       "lnk-1",
		SourceURL:    "https://a.io/1",
		TargetDomain: "example.com",
		Priority:     2,
	}
}

func TestProcess_HappyPathPersistsCompletesNotifies(t *testing.T) {
	queue := &mocks.Queue{}
	repo := &mocks.LinkRepository{}
	notifier := &mocks.Notifier{}
	an := &stubAnalyzer{verdict: okVerdict()}
	pool := NewPool(queue, repo, an, notifier, Config{Concurrency: 1})

	job := testJob()
	repo.On("GetLink", mock.Anything, "lnk-1").Return(domain.Link{ID: "lnk-1", ProjectID: "prj-1", State: domain.StatePending}, nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Return(nil)
	repo.On("CountUnfinished", mock.Anything, "prj-1", domain.KindBatch).Return(0, nil)
	queue.On("Complete", mock.Anything, "job-1").Return(nil)
	queue.On("ListByProject", mock.Anything, "prj-1").Return(nil, nil)
	notifier.On("Publish", mock.Anything, "prj-1", mock.Anything).Return(nil)

	pool.process(context.Background(), "w0", job)

	require.Equal(t, 1, an.calls)
	// First upsert marks running, second persists the verdict.
	repo.AssertNumberOfCalls(t, "UpsertLink", 2)
	running := repo.Calls[1].Arguments.Get(1).(domain.Link)
	assert.Equal(t, domain.StateRunning, running.State)
	final := repo.Calls[2].Arguments.Get(1).(domain.Link)
	assert.Equal(t, domain.StateOK, final.State)
	require.NotNil(t, final.ResponseCode)
	assert.Equal(t, 200, *final.ResponseCode)

	queue.AssertCalled(t, "Complete", mock.Anything, "job-1")

	// link_updated then analysis_completed.
	require.Equal(t, 2, len(notifier.Calls))
	assert.Equal(t, domain.EventLinkUpdated, notifier.Calls[0].Arguments.Get(2).(domain.Event).Kind)
	assert.Equal(t, domain.EventAnalysisCompleted, notifier.Calls[1].Arguments.Get(2).(domain.Event).Kind)
}

func TestProcess_NoCompletionWhileRowsUnfinished(t *testing.T) {
	queue := &mocks.Queue{}
	repo := &mocks.LinkRepository{}
	notifier := &mocks.Notifier{}
	pool := NewPool(queue, repo, &stubAnalyzer{verdict: okVerdict()}, notifier, Config{})

	repo.On("GetLink", mock.Anything, mock.Anything).Return(domain.Link{ID: "lnk-1"}, nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Return(nil)
	repo.On("CountUnfinished", mock.Anything, "prj-1", domain.KindBatch).Return(3, nil)
	queue.On("Complete", mock.Anything, mock.Anything).Return(nil)
	notifier.On("Publish", mock.Anything, "prj-1", mock.Anything).Return(nil)

	pool.process(context.Background(), "w0", testJob())

	for _, c := range notifier.Calls {
		assert.NotEqual(t, domain.EventAnalysisCompleted, c.Arguments.Get(2).(domain.Event).Kind)
	}
	queue.AssertNotCalled(t, "ListByProject", mock.Anything, mock.Anything)
}

func TestProcess_NoCompletionWhileJobsStillQueued(t *testing.T) {
	queue := &mocks.Queue{}
	repo := &mocks.LinkRepository{}
	notifier := &mocks.Notifier{}
	pool := NewPool(queue, repo, &stubAnalyzer{verdict: okVerdict()}, notifier, Config{})

	repo.On("GetLink", mock.Anything, mock.Anything).Return(domain.Link{ID: "lnk-1"}, nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Return(nil)
	repo.On("CountUnfinished", mock.Anything, mock.Anything, mock.Anything).Return(0, nil)
	queue.On("Complete", mock.Anything, mock.Anything).Return(nil)
	queue.On("ListByProject", mock.Anything, "prj-1").Return([]domain.Job{{ID: "job-2", Kind: domain.KindBatch}}, nil)
	notifier.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	pool.process(context.Background(), "w0", testJob())

	for _, c := range notifier.Calls {
		assert.NotEqual(t, domain.EventAnalysisCompleted, c.Arguments.Get(2).(domain.Event).Kind)
	}
}

func TestProcess_OtherKindJobsDoNotHoldCompletionOpen(t *testing.T) {
	queue := &mocks.Queue{}
	repo := &mocks.LinkRepository{}
	notifier := &mocks.Notifier{}
	pool := NewPool(queue, repo, &stubAnalyzer{verdict: okVerdict()}, notifier, Config{})

	repo.On("GetLink", mock.Anything, mock.Anything).Return(domain.Link{ID: "lnk-1"}, nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Return(nil)
	repo.On("CountUnfinished", mock.Anything, mock.Anything, mock.Anything).Return(0, nil)
	queue.On("Complete", mock.Anything, mock.Anything).Return(nil)
	// A sheet run on the same project is still draining; the batch run
	// finishing must not wait for it.
	queue.On("ListByProject", mock.Anything, "prj-1").Return([]domain.Job{{ID: "job-s", Kind: domain.KindSheet}}, nil)
	notifier.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	pool.process(context.Background(), "w0", testJob())

	var kinds []domain.EventKind
	for _, c := range notifier.Calls {
		kinds = append(kinds, c.Arguments.Get(2).(domain.Event).Kind)
	}
	assert.Contains(t, kinds, domain.EventAnalysisCompleted)
}

func TestProcess_InconclusiveFailsJobForRetry(t *testing.T) {
	queue := &mocks.Queue{}
	repo := &mocks.LinkRepository{}
	notifier := &mocks.Notifier{}
	an := &stubAnalyzer{err: fmt.Errorf("op=analyzer: %w", domain.ErrInconclusive)}
	pool := NewPool(queue, repo, an, notifier, Config{})

	repo.On("GetLink", mock.Anything, mock.Anything).Return(domain.Link{ID: "lnk-1"}, nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Return(nil)
	queue.On("Fail", mock.Anything, "job-1", mock.Anything).Return(domain.OutcomeRetry, nil)

	pool.process(context.Background(), "w0", testJob())

	queue.AssertCalled(t, "Fail", mock.Anything, "job-1", mock.Anything)
	queue.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	// Mark-running upsert only; the provisional verdict is not persisted.
	repo.AssertNumberOfCalls(t, "UpsertLink", 1)
}

func TestProcess_DeadLetterPersistsProvisionalVerdict(t *testing.T) {
	queue := &mocks.Queue{}
	repo := &mocks.LinkRepository{}
	notifier := &mocks.Notifier{}
	an := &stubAnalyzer{
		verdict: domain.Verdict{Status: domain.StateProblem, LinkClass: domain.ClassAbsent, CheckedAt: time.Now().UTC()},
		err:     fmt.Errorf("op=analyzer: %w", domain.ErrInconclusive),
	}
	pool := NewPool(queue, repo, an, notifier, Config{})

	repo.On("GetLink", mock.Anything, mock.Anything).Return(domain.Link{ID: "lnk-1", ProjectID: "prj-1"}, nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Return(nil)
	repo.On("CountUnfinished", mock.Anything, mock.Anything, mock.Anything).Return(0, nil)
	queue.On("Fail", mock.Anything, "job-1", mock.Anything).Return(domain.OutcomeDeadLetter, nil)
	queue.On("ListByProject", mock.Anything, mock.Anything).Return(nil, nil)
	notifier.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	pool.process(context.Background(), "w0", testJob())

	var final domain.Link
	for _, c := range repo.Calls {
		if c.Method == "UpsertLink" {
			final = c.Arguments.Get(1).(domain.Link)
		}
	}
	assert.Equal(t, domain.StateProblem, final.State)
	repo.AssertNumberOfCalls(t, "UpsertLink", 2)
	queue.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestProcess_StaleJobForDeletedRowCompletesSilently(t *testing.T) {
	queue := &mocks.Queue{}
	repo := &mocks.LinkRepository{}
	notifier := &mocks.Notifier{}
	an := &stubAnalyzer{verdict: okVerdict()}
	pool := NewPool(queue, repo, an, notifier, Config{})

	repo.On("GetLink", mock.Anything, mock.Anything).Return(domain.Link{}, fmt.Errorf("op=link.Get: %w", domain.ErrNotFound))
	queue.On("Complete", mock.Anything, "job-1").Return(nil)

	pool.process(context.Background(), "w0", testJob())

	assert.Equal(t, 0, an.calls)
	queue.AssertCalled(t, "Complete", mock.Anything, "job-1")
	notifier.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestStart_DrainsQueueAndStopsOnCancel(t *testing.T) {
	queue := &mocks.Queue{}
	repo := &mocks.LinkRepository{}
	notifier := &mocks.Notifier{}
	an := &stubAnalyzer{verdict: okVerdict()}
	pool := NewPool(queue, repo, an, notifier, Config{Concurrency: 2, IdleSleep: 5 * time.Millisecond, RecoverInterval: 10 * time.Millisecond})

	queue.On("Lease", mock.Anything, mock.Anything).Return(testJob(), true, nil).Once()
	queue.On("Lease", mock.Anything, mock.Anything).Return(domain.Job{}, false, nil)
	queue.On("Recover", mock.Anything).Return(0, nil)
	repo.On("GetLink", mock.Anything, mock.Anything).Return(domain.Link{ID: "lnk-1"}, nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Return(nil)
	repo.On("CountUnfinished", mock.Anything, mock.Anything, mock.Anything).Return(1, nil)
	queue.On("Complete", mock.Anything, mock.Anything).Return(nil)
	notifier.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		an.mu.Lock()
		defer an.mu.Unlock()
		return an.calls == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

// cancelMidJobAnalyzer cancels the pool context mid-analysis and
// records whether its own context stayed live.
type cancelMidJobAnalyzer struct {
	cancel  context.CancelFunc
	mu      sync.Mutex
	ctxLive bool
}

func (a *cancelMidJobAnalyzer) Analyze(ctx domain.Context, _ *domain.Link) (domain.Verdict, error) {
	a.cancel()
	a.mu.Lock()
	a.ctxLive = ctx.Err() == nil
	a.mu.Unlock()
	return okVerdict(), nil
}

func TestRun_InFlightJobFinishesAfterCancel(t *testing.T) {
	queue := &mocks.Queue{}
	repo := &mocks.LinkRepository{}
	notifier := &mocks.Notifier{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	an := &cancelMidJobAnalyzer{cancel: cancel}
	pool := NewPool(queue, repo, an, notifier, Config{Concurrency: 1, ShutdownGrace: time.Second})

	queue.On("Lease", mock.Anything, mock.Anything).Return(testJob(), true, nil).Once()
	queue.On("Lease", mock.Anything, mock.Anything).Return(domain.Job{}, false, nil)
	repo.On("GetLink", mock.Anything, mock.Anything).Return(domain.Link{ID: "lnk-1", ProjectID: "prj-1"}, nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Return(nil)
	repo.On("CountUnfinished", mock.Anything, mock.Anything, mock.Anything).Return(1, nil)
	queue.On("Complete", mock.Anything, "job-1").Return(nil)
	notifier.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	pool.run(ctx, "w0")

	// The cancel landed mid-job, yet the verdict was persisted and the
	// lease completed under the grace window.
	an.mu.Lock()
	assert.True(t, an.ctxLive)
	an.mu.Unlock()
	repo.AssertNumberOfCalls(t, "UpsertLink", 2)
	queue.AssertCalled(t, "Complete", mock.Anything, "job-1")
}

func TestRun_LeaseErrorBacksOff(t *testing.T) {
	queue := &mocks.Queue{}
	pool := NewPool(queue, &mocks.LinkRepository{}, &stubAnalyzer{}, &mocks.Notifier{}, Config{IdleSleep: time.Millisecond})

	queue.On("Lease", mock.Anything, mock.Anything).Return(domain.Job{}, false, errors.New("redis down"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	pool.run(ctx, "w0")
	// Returns once the context expires instead of hot-looping.
}
