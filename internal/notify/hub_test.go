package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/cs2-scanner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSubscriber struct {
	id string
}

func (f *failingSubscriber) ID() string {
	return f.id
}

func (f *failingSubscriber) Send(ctx context.Context, event *types.ScanEvent) error {
	return errors.New("broken pipe")
}

func testEvent() *types.ScanEvent {
	return &types.ScanEvent{
		Type:  types.EventScanComplete,
		Stats: types.CycleSummary{DisappearedCount: 1, TotalCurrent: 3},
	}
}

func TestHub_PublishDelivers(t *testing.T) {
	h := NewHub(10, nil)
	a := NewChanSubscriber("a", 1)
	b := NewChanSubscriber("b", 1)
	require.NoError(t, h.Subscribe(a))
	require.NoError(t, h.Subscribe(b))

	delivered := h.Publish(context.Background(), testEvent())
	assert.Equal(t, 2, delivered)

	got := <-a.Events()
	assert.Equal(t, 1, got.Stats.DisappearedCount)
	<-b.Events()
}

func TestHub_DropsFailingSubscriber(t *testing.T) {
	h := NewHub(10, nil)
	good := NewChanSubscriber("good", 1)
	require.NoError(t, h.Subscribe(good))
	require.NoError(t, h.Subscribe(&failingSubscriber{id: "bad"}))

	delivered := h.Publish(context.Background(), testEvent())
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, h.Count())
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	h := NewHub(10, nil)
	slow := NewChanSubscriber("slow", 1)
	require.NoError(t, h.Subscribe(slow))

	assert.Equal(t, 1, h.Publish(context.Background(), testEvent()))
	// buffer still full from the first event
	assert.Equal(t, 0, h.Publish(context.Background(), testEvent()))
	assert.Equal(t, 0, h.Count())
}

func TestHub_Bounded(t *testing.T) {
	h := NewHub(1, nil)
	require.NoError(t, h.Subscribe(NewChanSubscriber("a", 1)))

	err := h.Subscribe(NewChanSubscriber("b", 1))
	assert.True(t, errors.Is(err, ErrHubFull))
}

func TestHub_DuplicateID(t *testing.T) {
	h := NewHub(0, nil)
	require.NoError(t, h.Subscribe(NewChanSubscriber("a", 1)))

	err := h.Subscribe(NewChanSubscriber("a", 1))
	assert.True(t, errors.Is(err, ErrDuplicateID))
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub(0, nil)
	require.NoError(t, h.Subscribe(NewChanSubscriber("a", 1)))

	h.Unsubscribe("a")
	h.Unsubscribe("missing")
	assert.Equal(t, 0, h.Count())
	assert.Equal(t, 0, h.Publish(context.Background(), testEvent()))
}
