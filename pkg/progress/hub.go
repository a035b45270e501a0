package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// ErrSubscriptionClosed is returned by Next once a subscription is closed and drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Observer receives hub activity for metrics. Implementations must be safe for concurrent use.
type Observer interface {
	SubscriberAdded()
	SubscriberRemoved()
	EventPublished(kind string)
	EventsCoalesced(n int)
}

// Config tunes the hub.
type Config struct {
	ReplaySize       int
	ReplayTTL        time.Duration
	SubscriberBuffer int
	Observer         Observer
	Logger           *zap.Logger
}

// Hub fans progress events out to subscribers per download id.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]map[string]*Subscription
	last     *expirable.LRU[string, Envelope]
	seq      uint64
	capacity int
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// NewHub builds a hub that remembers the last event of up to ReplaySize downloads.
func NewHub(cfg Config) *Hub {
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = 4096
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = time.Hour
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		subs:     make(map[string]map[string]*Subscription),
		last:     expirable.NewLRU[string, Envelope](cfg.ReplaySize, nil, cfg.ReplayTTL),
		capacity: cfg.SubscriberBuffer,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Subscribe registers a new subscriber. The last known event for downloadID, if any,
// is queued before anything published afterwards.
func (h *Hub) Subscribe(downloadID string) *Subscription {
	sub := &Subscription{
		ID:         uuid.NewString(),
		DownloadID: downloadID,
		capacity:   h.capacity,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	if _, ok := h.subs[downloadID]; !ok {
		h.subs[downloadID] = make(map[string]*Subscription)
	}
	h.subs[downloadID][sub.ID] = sub
	if env, ok := h.last.Get(downloadID); ok {
		sub.push(env)
	}
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.SubscriberAdded()
	}
	return sub
}

// Unsubscribe closes and removes one subscriber. It reports whether it was registered.
func (h *Hub) Unsubscribe(downloadID, subscriptionID string) bool {
	h.mu.Lock()
	subs, ok := h.subs[downloadID]
	var sub *Subscription
	if ok {
		sub = subs[subscriptionID]
		delete(subs, subscriptionID)
		if len(subs) == 0 {
			delete(h.subs, downloadID)
		}
	}
	h.mu.Unlock()

	if sub == nil {
		return false
	}
	sub.close()
	if h.observer != nil {
		h.observer.SubscriberRemoved()
	}
	return true
}

// Publish records ev as the last known state of downloadID and queues it for every subscriber.
func (h *Hub) Publish(downloadID string, ev Event) Envelope {
	h.mu.Lock()
	h.seq++
	env := Envelope{Seq: h.seq, DownloadID: downloadID, Event: ev, At: h.now()}
	h.last.Add(downloadID, env)
	dropped := 0
	for _, sub := range h.subs[downloadID] {
		dropped += sub.push(env)
	}
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.EventPublished(string(ev.Kind()))
		if dropped > 0 {
			h.observer.EventsCoalesced(dropped)
		}
	}
	if dropped > 0 {
		h.logger.Sugar().Debugw("coalesced progress events", "download_id", downloadID, "dropped", dropped)
	}
	return env
}

// Last returns the last known event for downloadID.
func (h *Hub) Last(downloadID string) (Envelope, bool) {
	return h.last.Peek(downloadID)
}

// SubscriberCount returns the number of live subscribers for downloadID.
func (h *Hub) SubscriberCount(downloadID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[downloadID])
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.close()
			if h.observer != nil {
				h.observer.SubscriberRemoved()
			}
		}
	}
}

// Subscription is an ordered event queue for one subscriber.
type Subscription struct {
	ID         string
	DownloadID string

	mu       sync.Mutex
	queue    []Envelope
	capacity int
	closed   bool
	notify   chan struct{}
	done     chan struct{}
}

// Next blocks until an event is available, the subscription closes, or ctx ends.
// Events queued before close are still delivered.
func (s *Subscription) Next(ctx context.Context) (Envelope, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue[0] = Envelope{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return env, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Envelope{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Done is closed when the subscription is unsubscribed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// push appends env and returns how many superseded events were dropped to make room.
func (s *Subscription) push(env Envelope) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	dropped := 0
	if len(s.queue) >= s.capacity {
		if i := s.supersededIndex(env.Event.Kind()); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			dropped = 1
		}
	}
	s.queue = append(s.queue, env)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// supersededIndex finds the oldest non-terminal progress snapshot that a later
// queued or incoming event of the same kind replaces.
func (s *Subscription) supersededIndex(incoming Kind) int {
	for i, queued := range s.queue {
		kind := queued.Event.Kind()
		if (kind != KindGenerationProgress && kind != KindDownloadProgress) || queued.Event.Terminal() {
			continue
		}
		if kind == incoming {
			return i
		}
		for _, later := range s.queue[i+1:] {
			if later.Event.Kind() == kind {
				return i
			}
		}
	}
	return -1
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
