package redpanda_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/link-sentinel/internal/adapter/notify/redpanda"
	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

type recordingSink struct {
	events []domain.Event
	err    error
}

func (r *recordingSink) Publish(_ domain.Context, _ string, ev domain.Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestFanout_PublishesToAllSinks(t *testing.T) {
	t.Parallel()
	a := &recordingSink{}
	b := &recordingSink{}
	f := redpanda.Fanout{a, b}

	err := f.Publish(context.Background(), "p1", domain.Event{Kind: domain.EventAnalysisStarted})
	require.NoError(t, err)
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestFanout_FirstErrorWinsButAllSinksRun(t *testing.T) {
	t.Parallel()
	errA := errors.New("sink a down")
	a := &recordingSink{err: errA}
	b := &recordingSink{}
	f := redpanda.Fanout{a, b}

	err := f.Publish(context.Background(), "p1", domain.Event{Kind: domain.EventAnalysisCompleted})
	assert.ErrorIs(t, err, errA)
	assert.Len(t, b.events, 1, "later sinks still receive the event")
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	t.Parallel()
	_, err := redpanda.NewProducer(nil, "")
	require.Error(t, err)
}
