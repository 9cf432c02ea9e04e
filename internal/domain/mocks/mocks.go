// Package mocks provides hand-written testify mocks for the domain
// ports, shared by the usecase, worker, and scheduler tests.
package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

type Queue struct{ mock.Mock }

func (m *Queue) Enqueue(ctx domain.Context, job domain.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *Queue) Lease(ctx domain.Context, workerID string) (domain.Job, bool, error) {
	args := m.Called(ctx, workerID)
	return args.Get(0).(domain.Job), args.Bool(1), args.Error(2)
}

func (m *Queue) Complete(ctx domain.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *Queue) Fail(ctx domain.Context, jobID string, reason string) (domain.FailOutcome, error) {
	args := m.Called(ctx, jobID, reason)
	return args.Get(0).(domain.FailOutcome), args.Error(1)
}

func (m *Queue) Recover(ctx domain.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *Queue) Stats(ctx domain.Context) (domain.QueueStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.QueueStats), args.Error(1)
}

func (m *Queue) ListByProject(ctx domain.Context, projectID string) ([]domain.Job, error) {
	args := m.Called(ctx, projectID)
	jobs, _ := args.Get(0).([]domain.Job)
	return jobs, args.Error(1)
}

func (m *Queue) ListDead(ctx domain.Context) ([]domain.DeadLetter, error) {
	args := m.Called(ctx)
	dead, _ := args.Get(0).([]domain.DeadLetter)
	return dead, args.Error(1)
}

type LinkRepository struct{ mock.Mock }

func (m *LinkRepository) GetLink(ctx domain.Context, id string) (domain.Link, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Link), args.Error(1)
}

func (m *LinkRepository) UpsertLink(ctx domain.Context, l domain.Link) error {
	return m.Called(ctx, l).Error(0)
}

func (m *LinkRepository) ResetAnalysis(ctx domain.Context, projectID string, kind domain.LinkKind) error {
	return m.Called(ctx, projectID, kind).Error(0)
}

func (m *LinkRepository) ListByProjectAndKind(ctx domain.Context, projectID string, kind domain.LinkKind) ([]domain.Link, error) {
	args := m.Called(ctx, projectID, kind)
	links, _ := args.Get(0).([]domain.Link)
	return links, args.Error(1)
}

func (m *LinkRepository) CountUnfinished(ctx domain.Context, projectID string, kind domain.LinkKind) (int, error) {
	args := m.Called(ctx, projectID, kind)
	return args.Int(0), args.Error(1)
}

type SheetRepository struct{ mock.Mock }

func (m *SheetRepository) GetSheet(ctx domain.Context, id string) (domain.Sheet, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Sheet), args.Error(1)
}

func (m *SheetRepository) UpdateSheet(ctx domain.Context, s domain.Sheet) error {
	return m.Called(ctx, s).Error(0)
}

func (m *SheetRepository) ListActiveSheets(ctx domain.Context) ([]domain.Sheet, error) {
	args := m.Called(ctx)
	sheets, _ := args.Get(0).([]domain.Sheet)
	return sheets, args.Error(1)
}

type UserRepository struct{ mock.Mock }

func (m *UserRepository) GetUserPriority(ctx domain.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type Notifier struct{ mock.Mock }

func (m *Notifier) Publish(ctx domain.Context, projectID string, ev domain.Event) error {
	return m.Called(ctx, projectID, ev).Error(0)
}

type Renderer struct{ mock.Mock }

func (m *Renderer) Render(ctx domain.Context, req domain.RenderRequest) (domain.RenderedPage, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.RenderedPage), args.Error(1)
}

type RenderProxy struct{ mock.Mock }

func (m *RenderProxy) Enabled() bool {
	return m.Called().Bool(0)
}

func (m *RenderProxy) Fetch(ctx domain.Context, req domain.ProxyRequest) (domain.ProxyResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.ProxyResult), args.Error(1)
}

type SheetService struct{ mock.Mock }

func (m *SheetService) Read(ctx domain.Context, ref domain.SpreadsheetRef, urlCol, targetCol, resultRange, defaultTarget string) (domain.SheetReadResult, error) {
	args := m.Called(ctx, ref, urlCol, targetCol, resultRange, defaultTarget)
	return args.Get(0).(domain.SheetReadResult), args.Error(1)
}

func (m *SheetService) WriteVerdicts(ctx domain.Context, ref domain.SpreadsheetRef, resultRange string, rows []domain.VerdictRow) error {
	return m.Called(ctx, ref, resultRange, rows).Error(0)
}

func (m *SheetService) Format(ctx domain.Context, ref domain.SpreadsheetRef, resultRange string, rows []domain.VerdictRow) error {
	return m.Called(ctx, ref, resultRange, rows).Error(0)
}
