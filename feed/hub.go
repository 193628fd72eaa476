// Package feed keeps live subscriptions to the post feed. Every change to
// the posts pushes the complete, freshly queried result set to every
// subscriber.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"microblog/domain"
	"microblog/metrics"
)

// publishTimeout bounds one relay publish; past it the change is applied
// locally.
const publishTimeout = 2 * time.Second

type Source interface {
	Feed(ctx context.Context) ([]domain.Post, error)
}

// Subscriber receives encoded snapshots. Only the newest undelivered
// snapshot is kept.
type Subscriber struct {
	ch chan []byte
}

func (s *Subscriber) C() <-chan []byte { return s.ch }

func (s *Subscriber) offer(data []byte) {
	for {
		select {
		case s.ch <- data:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

type Hub struct {
	source Source
	log    echo.Logger

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	latest []byte

	refresh chan struct{}
	publish chan struct{}
	relay   *Relay
}

func NewHub(source Source, logger echo.Logger) *Hub {
	return &Hub{
		source:  source,
		log:     logger,
		subs:    make(map[*Subscriber]struct{}),
		refresh: make(chan struct{}, 1),
		publish: make(chan struct{}, 1),
	}
}

// UseRelay routes change notifications through r so that every instance
// sharing it refreshes its subscribers.
func (h *Hub) UseRelay(ctx context.Context, r *Relay) error {
	if err := r.Subscribe(ctx, h.Notify); err != nil {
		return err
	}
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
	return nil
}

// Changed is the store's commit hook. It never waits on the relay; Run
// does the publishing.
func (h *Hub) Changed(context.Context) {
	h.mu.Lock()
	r := h.relay
	h.mu.Unlock()

	if r == nil {
		h.Notify()
		return
	}
	select {
	case h.publish <- struct{}{}:
	default:
	}
}

func (h *Hub) publishChange(ctx context.Context) {
	h.mu.Lock()
	r := h.relay
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.Publish(ctx); err != nil {
		h.log.Warnf("feed relay publish failed, refreshing locally: %v", err)
		h.Notify()
	}
}

// Notify schedules a refresh. Notifications arriving while one is pending
// collapse into it.
func (h *Hub) Notify() {
	select {
	case h.refresh <- struct{}{}:
	default:
	}
}

// Run refreshes subscribers on every notification until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-h.publish:
			h.publishChange(ctx)
		case <-h.refresh:
			if err := h.Refresh(ctx); err != nil {
				h.log.Errorf("feed refresh: %v", err)
			}
		}
	}
}

// Refresh queries the feed and pushes it to every subscriber. After a
// failed query the cached result set is dropped so the next subscriber
// queries again.
func (h *Hub) Refresh(ctx context.Context) error {
	data, err := h.snapshot(ctx)
	if err != nil {
		h.mu.Lock()
		h.latest = nil
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = data
	for s := range h.subs {
		s.offer(data)
	}
	metrics.LiveSnapshotsTotal.Add(float64(len(h.subs)))
	return nil
}

func (h *Hub) snapshot(ctx context.Context) ([]byte, error) {
	start := time.Now()
	posts, err := h.source.Feed(ctx)
	metrics.LiveQueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	data, err := json.Marshal(Snapshot{Posts: View(posts)})
	if err != nil {
		return nil, fmt.Errorf("encode feed: %w", err)
	}
	return data, nil
}

// Subscribe registers a subscriber and hands it the current result set.
func (h *Hub) Subscribe(ctx context.Context) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.latest == nil {
		data, err := h.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		h.latest = data
	}

	s := &Subscriber{ch: make(chan []byte, 1)}
	h.subs[s] = struct{}{}
	s.offer(h.latest)
	metrics.LiveSubscribers.Inc()
	return s, nil
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
	metrics.LiveSubscribers.Dec()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
		metrics.LiveSubscribers.Dec()
	}
}
