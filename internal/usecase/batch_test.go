package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
	"github.com/fairyhunter13/link-sentinel/internal/domain/mocks"
)

func newBatchFixture() (*BatchService, *mocks.LinkRepository, *mocks.UserRepository, *mocks.Queue, *mocks.Notifier) {
	repo := &mocks.LinkRepository{}
	users := &mocks.UserRepository{}
	queue := &mocks.Queue{}
	notifier := &mocks.Notifier{}
	return NewBatchService(repo, users, queue, notifier), repo, users, queue, notifier
}

func TestBatchSubmit_HappyPath(t *testing.T) {
	svc, repo, users, queue, notifier := newBatchFixture()
	users.On("GetUserPriority", mock.Anything, "user-1").Return(2, nil)
	repo.On("ResetAnalysis", mock.Anything, "prj-1", domain.KindBatch).Return(nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Return(nil)
	queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	notifier.On("Publish", mock.Anything, "prj-1", mock.Anything).Return(nil)

	res, err := svc.Submit(context.Background(), BatchRequest{
		ProjectID:    "prj-1",
		UserID:       "user-1",
		TargetDomain: "https://WWW.Example.com/landing",
		SourceURLs:   []string{"https://a.io/1", "https://b.io/2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, 2, res.Priority)

	repo.AssertNumberOfCalls(t, "UpsertLink", 2)
	queue.AssertNumberOfCalls(t, "Enqueue", 2)

	// Rows carry the normalised target and start pending.
	link := repo.Calls[1].Arguments.Get(1).(domain.Link)
	assert.Equal(t, "example.com", link.TargetDomain)
	assert.Equal(t, "https://WWW.Example.com/landing", link.OriginalTargetDomain)
	assert.Equal(t, domain.StatePending, link.State)

	job := queue.Calls[0].Arguments.Get(1).(domain.Job)
	assert.Equal(t, domain.JobID(domain.KindBatch, "https://a.io/1", "prj-1"), job.ID)
	assert.Equal(t, 2, job.Priority)

	ev := notifier.Calls[0].Arguments.Get(2).(domain.Event)
	assert.Equal(t, domain.EventAnalysisStarted, ev.Kind)
}

func TestBatchSubmit_SkipsInvalidAndDuplicateURLs(t *testing.T) {
	svc, repo, users, queue, notifier := newBatchFixture()
	users.On("GetUserPriority", mock.Anything, mock.Anything).Return(4, nil)
	repo.On("ResetAnalysis", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Return(nil)
	queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	notifier.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	res, err := svc.Submit(context.Background(), BatchRequest{
		ProjectID:    "prj-1",
		UserID:       "user-1",
		TargetDomain: "example.com",
		SourceURLs: []string{
			"https://a.io/1",
			"ftp://bad.scheme/x",
			"https://a.io/1",
			"not a url at all ://",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Len(t, res.Rejected, 2)
	queue.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestBatchSubmit_AllURLsInvalid(t *testing.T) {
	svc, _, _, queue, _ := newBatchFixture()

	res, err := svc.Submit(context.Background(), BatchRequest{
		ProjectID:    "prj-1",
		UserID:       "user-1",
		TargetDomain: "example.com",
		SourceURLs:   []string{"ftp://bad/x"},
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Len(t, res.Rejected, 1)
	queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestBatchSubmit_ValidationFailures(t *testing.T) {
	svc, _, _, _, _ := newBatchFixture()

	_, err := svc.Submit(context.Background(), BatchRequest{UserID: "u", TargetDomain: "x.com", SourceURLs: []string{"https://a.io"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Submit(context.Background(), BatchRequest{ProjectID: "p", UserID: "u", TargetDomain: "x.com"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Submit(context.Background(), BatchRequest{ProjectID: "p", UserID: "u", TargetDomain: "not-a-domain", SourceURLs: []string{"https://a.io"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBatchSubmit_ResetThenStartEventBeforeFirstJob(t *testing.T) {
	svc, repo, users, queue, notifier := newBatchFixture()
	users.On("GetUserPriority", mock.Anything, mock.Anything).Return(1, nil)
	var order []string
	repo.On("ResetAnalysis", mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		order = append(order, "reset")
	}).Return(nil)
	repo.On("UpsertLink", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		order = append(order, "upsert")
	}).Return(nil)
	queue.On("Enqueue", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		order = append(order, "enqueue")
	}).Return(nil)
	notifier.On("Publish", mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		order = append(order, "publish")
	}).Return(nil)

	_, err := svc.Submit(context.Background(), BatchRequest{
		ProjectID:    "prj-1",
		UserID:       "user-1",
		TargetDomain: "example.com",
		SourceURLs:   []string{"https://a.io/1"},
	})
	require.NoError(t, err)
	// The start event precedes every job so a fast worker's
	// link_updated can never arrive before the run announcement.
	require.Equal(t, []string{"reset", "publish", "upsert", "enqueue"}, order)
}
