// Package redisnotify publishes execution-plane events to observers
// over Redis pub/sub, one channel per project.
package redisnotify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/link-sentinel/internal/adapter/observability"
	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

const channelPrefix = "project:"

// Notifier implements domain.Notifier on Redis pub/sub.
type Notifier struct {
	rdb redis.UniversalClient
}

// New constructs a Notifier. The client is shared; the notifier does
// not close it.
func New(rdb redis.UniversalClient) *Notifier { return &Notifier{rdb: rdb} }

// Publish sends one event on the project channel. Delivery is
// best-effort: there may be zero subscribers, which is not an error.
func (n *Notifier) Publish(ctx domain.Context, projectID string, ev domain.Event) error {
	ev.ProjectID = projectID
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=notify.publish: marshal: %w", err)
	}
	if err := n.rdb.Publish(ctx, channelPrefix+projectID, payload).Err(); err != nil {
		return fmt.Errorf("op=notify.publish: %w: %v", domain.ErrBackendUnavailable, err)
	}
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Listener receives events for all projects; the scheduler uses it to
// observe run completion without coupling to the worker pool.
type Listener struct {
	rdb redis.UniversalClient
}

// NewListener constructs a Listener over the same Redis instance the
// Notifier publishes to.
func NewListener(rdb redis.UniversalClient) *Listener { return &Listener{rdb: rdb} }

// Listen subscribes to every project channel and invokes fn for each
// decoded event until ctx is cancelled. Malformed payloads are logged
// and skipped.
func (l *Listener) Listen(ctx domain.Context, fn func(domain.Event)) error {
	sub := l.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("op=notify.listen: subscription closed: %w", domain.ErrBackendUnavailable)
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed event",
					slog.String("channel", msg.Channel),
					slog.Any("error", err))
				continue
			}
			if ev.ProjectID == "" {
				ev.ProjectID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			fn(ev)
		}
	}
}
