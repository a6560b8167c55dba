package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/rebound-engine/notify"
)

func TestLogPublisher_WritesOneLinePerEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := notify.NewLogPublisher(zap.New(core))

	err := p.Publish(context.Background(), notify.Event{
		Type:    notify.EventBadgeUnlocked,
		UserID:  "u1",
		At:      time.Now(),
		Payload: map[string]string{"badge_id": "first-ritual"},
	})
	require.NoError(t, err)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "event", entry.Message)
	assert.Equal(t, "first-ritual", entry.ContextMap()["badge_id"])
	assert.Equal(t, notify.EventBadgeUnlocked, entry.ContextMap()["type"])
}

type failing struct{ calls int }

func (f *failing) Publish(context.Context, notify.Event) error {
	f.calls++
	return errors.New("down")
}

func TestPublishAll_AttemptsEveryEvent(t *testing.T) {
	f := &failing{}
	err := notify.PublishAll(context.Background(), f, []notify.Event{{Type: "a"}, {Type: "b"}})

	assert.Error(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestRedisPublisher_ReportsConnectionFailure(t *testing.T) {
	// GIVEN: nothing listens on port 1
	client := notify.NewRedisClient("127.0.0.1:1", "", 0)
	t.Cleanup(func() { _ = client.Close() })
	p := notify.NewRedisPublisher(client, "rebound:events")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// THEN: the error is returned, not swallowed
	err := p.Publish(ctx, notify.Event{Type: notify.EventRewardCredited, UserID: "u1"})
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	var r notify.Recorder
	require.NoError(t, r.Publish(context.Background(), notify.Event{Type: "x"}))
	assert.Len(t, r.Events(), 1)
}
