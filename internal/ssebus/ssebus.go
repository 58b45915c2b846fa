// Package ssebus is the SSE Event Bus: a per-Story fan-out of typed
// Events to zero or more subscribers, built on buffered channels
// registered per consumer rather than a generic observer library. A
// slow subscriber is dropped with a terminal error event instead of
// back-pressuring the scheduler.
package ssebus

import (
	"sync"
	"time"

	"aura/pkg/proto"
)

// subscriberBuffer is the per-subscription channel depth. A consumer
// slower than this falls behind and is dropped.
const subscriberBuffer = 64

// Event is one SSE payload.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type Event struct {
	Type       proto.EventKind `json:"type"`
	StoryID    string          `json:"storyId"`
	Timestamp  time.Time       `json:"timestamp"`
	Wave       *int            `json:"wave,omitempty"`
	TotalWaves *int            `json:"totalWaves,omitempty"`
	StepID     string          `json:"stepId,omitempty"`
	StepName   string          `json:"stepName,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	GateResult any             `json:"gateResult,omitempty"`
}

// subscription is one live SSE consumer of a single Story's events.
type subscription struct {
	ch     chan Event
	closed bool
}

// Bus fans Story events out to subscribers. One Bus serves every Story a
// host runs; subscriptions are partitioned internally by storyID.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]*subscription
	next int
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]*subscription)}
}

// Subscribe registers a new consumer for storyID's events. Cancel must be
// called when the caller stops reading (e.g. the HTTP client disconnects)
// to release the subscription's channel.
func (b *Bus) Subscribe(storyID string) (events <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, subscriberBuffer)}
	id := b.next
	b.next++

	if b.subs[storyID] == nil {
		b.subs[storyID] = make(map[int]*subscription)
	}
	b.subs[storyID][id] = sub

	return sub.ch, func() { b.remove(storyID, id) }
}

func (b *Bus) remove(storyID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[storyID]
	if !ok {
		return
	}
	if sub, ok := subs[id]; ok && !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subs, storyID)
	}
}

// Publish delivers ev to every live subscriber of ev.StoryID. Delivery is
// non-blocking and best-effort: a subscriber whose buffer is full is sent
// a terminal EventError and dropped rather than stalling the Scheduler's
// sequential decision order.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	subs := b.subs[ev.StoryID]
	ids := make([]int, 0, len(subs))
	targets := make([]*subscription, 0, len(subs))
	for id, sub := range subs {
		ids = append(ids, id)
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for i, sub := range targets {
		// The last buffer slot is kept free for the terminal error event.
		if len(sub.ch) >= cap(sub.ch)-1 {
			b.dropSlowSubscriber(ev.StoryID, ids[i], sub)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropSlowSubscriber(ev.StoryID, ids[i], sub)
		}
	}
}

func (b *Bus) dropSlowSubscriber(storyID string, id int, sub *subscription) {
	terminal := Event{
		Type:      proto.EventError,
		StoryID:   storyID,
		Timestamp: time.Now().UTC(),
		Error:     "subscriber too slow, dropped",
	}
	select {
	case sub.ch <- terminal:
	default:
		// Buffer still full even for the terminal event; the subscriber
		// is gone either way once we close below.
	}
	b.remove(storyID, id)
}

// CloseStory closes every live subscription for storyID, first delivering
// a terminal EventDone so HTTP handlers streaming the SSE response know
// to end cleanly.
func (b *Bus) CloseStory(storyID string) {
	b.Publish(Event{Type: proto.EventDone, StoryID: storyID})

	b.mu.Lock()
	subs := b.subs[storyID]
	delete(b.subs, storyID)
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
}
