package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
	"github.com/fairyhunter13/link-sentinel/internal/domain/mocks"
)

func TestRouter_Healthz(t *testing.T) {
	srv := httptest.NewServer(BuildRouter(&mocks.Queue{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_QueueStats(t *testing.T) {
	queue := &mocks.Queue{}
	queue.On("Stats", mock.Anything).Return(domain.QueueStats{Waiting: 3, Leased: 1, Dead: 2}, nil)
	srv := httptest.NewServer(BuildRouter(queue))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats domain.QueueStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 3, stats.Waiting)
	assert.Equal(t, 2, stats.Dead)
}

func TestRouter_QueueStatsBackendDown(t *testing.T) {
	queue := &mocks.Queue{}
	queue.On("Stats", mock.Anything).Return(domain.QueueStats{}, fmt.Errorf("op=queue.Stats: %w", domain.ErrBackendUnavailable))
	srv := httptest.NewServer(BuildRouter(queue))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRouter_ProjectJobs(t *testing.T) {
	queue := &mocks.Queue{}
	queue.On("ListByProject", mock.Anything, "prj-1").Return([]domain.Job{{ID: "job-1", ProjectID: "prj-1"}}, nil)
	srv := httptest.NewServer(BuildRouter(queue))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue/projects/prj-1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ProjectID string       `json:"projectId"`
		Jobs      []domain.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "prj-1", body.ProjectID)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "job-1", body.Jobs[0].ID)
}

func TestRouter_DeadLettersEmptyIsArray(t *testing.T) {
	queue := &mocks.Queue{}
	queue.On("ListDead", mock.Anything).Return(nil, nil)
	srv := httptest.NewServer(BuildRouter(queue))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue/dead")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Dead []domain.DeadLetter `json:"dead"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotNil(t, body.Dead)
	assert.Empty(t, body.Dead)
}

func TestReadyz(t *testing.T) {
	ok := ReadinessCheck{Name: "ok", Check: func(context.Context) error { return nil }}
	bad := ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("down") }}

	rec := httptest.NewRecorder()
	ReadyzHandler(ok)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ReadyzHandler(ok, bad)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}
