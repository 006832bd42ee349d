package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/cs2-scanner/internal/metrics"
	"github.com/cs2-scanner/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrHubFull        = errors.New("subscriber limit reached")
	ErrDuplicateID    = errors.New("subscriber already registered")
	ErrSubscriberFull = errors.New("subscriber buffer full")
)

// Subscriber receives scan events. A Send error removes the subscriber.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, event *types.ScanEvent) error
}

// Hub fans events out to a bounded set of subscribers. Delivery is best
// effort and at most once.
type Hub struct {
	maxSubscribers int
	metrics        *metrics.Collector

	mu          sync.RWMutex
	subscribers map[string]Subscriber
}

func NewHub(maxSubscribers int, metricsCollector *metrics.Collector) *Hub {
	return &Hub{
		maxSubscribers: maxSubscribers,
		metrics:        metricsCollector,
		subscribers:    make(map[string]Subscriber),
	}
}

func (h *Hub) Subscribe(s Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subscribers[s.ID()]; exists {
		return ErrDuplicateID
	}
	if h.maxSubscribers > 0 && len(h.subscribers) >= h.maxSubscribers {
		return ErrHubFull
	}

	h.subscribers[s.ID()] = s
	h.metrics.SetSubscribers(len(h.subscribers))
	log.Debugf("Subscriber %s registered (%d total)", s.ID(), len(h.subscribers))
	return nil
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subscribers[id]; !exists {
		return
	}
	delete(h.subscribers, id)
	h.metrics.SetSubscribers(len(h.subscribers))
	log.Debugf("Subscriber %s removed (%d total)", id, len(h.subscribers))
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish sends event to every subscriber and drops the ones that fail.
// It returns the number of successful deliveries.
func (h *Hub) Publish(ctx context.Context, event *types.ScanEvent) int {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	failed := make([]bool, len(targets))

	var g errgroup.Group
	g.SetLimit(16)
	for i, s := range targets {
		i, s := i, s
		g.Go(func() error {
			if err := s.Send(ctx, event); err != nil {
				log.Warnf("Dropping subscriber %s: %v", s.ID(), err)
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	delivered := 0
	for i, s := range targets {
		if failed[i] {
			h.Unsubscribe(s.ID())
			h.metrics.RecordPublishFailure()
			continue
		}
		delivered++
	}

	log.Debugf("Published %s to %d/%d subscribers", event.Type, delivered, len(targets))
	return delivered
}

// ChanSubscriber delivers events into a buffered channel without blocking
type ChanSubscriber struct {
	id     string
	events chan *types.ScanEvent
}

func NewChanSubscriber(id string, buffer int) *ChanSubscriber {
	return &ChanSubscriber{id: id, events: make(chan *types.ScanEvent, buffer)}
}

func (c *ChanSubscriber) ID() string {
	return c.id
}

func (c *ChanSubscriber) Events() <-chan *types.ScanEvent {
	return c.events
}

func (c *ChanSubscriber) Send(ctx context.Context, event *types.ScanEvent) error {
	select {
	case c.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrSubscriberFull
	}
}
