package redisnotify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisnotify "github.com/fairyhunter13/link-sentinel/internal/adapter/notify/redis"
	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

func TestNotifier_PublishAndListen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	n := redisnotify.New(rdb)
	l := redisnotify.NewListener(rdb)

	got := make(chan domain.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = l.Listen(ctx, func(ev domain.Event) { got <- ev })
	}()
	// Give the pattern subscription a moment to attach.
	time.Sleep(50 * time.Millisecond)

	ev := domain.Event{
		Kind: domain.EventLinkUpdated,
		Payload: domain.LinkUpdatedPayload{
			LinkID:       "l1",
			Status:       domain.StateOK,
			ResponseCode: 200,
			Indexable:    true,
			LinkClass:    domain.ClassDofollow,
			LoadTime:     1500,
			CheckedAt:    time.Now().UTC(),
		},
	}
	require.NoError(t, n.Publish(context.Background(), "p1", ev))

	select {
	case received := <-got:
		assert.Equal(t, domain.EventLinkUpdated, received.Kind)
		assert.Equal(t, "p1", received.ProjectID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNotifier_PublishWithoutSubscribersIsNotAnError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	n := redisnotify.New(rdb)
	err := n.Publish(context.Background(), "lonely", domain.Event{Kind: domain.EventAnalysisStarted})
	require.NoError(t, err)
}

func TestNotifier_WireSchema(t *testing.T) {
	t.Parallel()
	checked := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	p := domain.NewLinkUpdatedPayload("p1", "l1", domain.Verdict{
		Status:       domain.StateOK,
		ResponseCode: 200,
		Indexable:    true,
		LinkClass:    domain.ClassDofollow,
		LoadTimeMS:   1234,
		CheckedAt:    checked,
	})
	b, err := json.Marshal(p)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"projectId":"p1"`)
	assert.Contains(t, s, `"linkId":"l1"`)
	assert.Contains(t, s, `"responseCode":200`)
	assert.Contains(t, s, `"linkClass":"dofollow"`)
	assert.Contains(t, s, `"loadTime":1234`)
	assert.Contains(t, s, `"checkedAt":"2026-08-26T10:00:00Z"`)
	// Optional columns stay off the wire when absent.
	assert.NotContains(t, s, "canonicalUrl")
	assert.NotContains(t, s, "nonIndexableReason")
}
