package ssebus

import (
	"testing"
	"time"

	"aura/pkg/proto"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New()
	events, cancel := bus.Subscribe("story-1")
	defer cancel()

	bus.Publish(Event{Type: proto.EventStepStarted, StoryID: "story-1", StepID: "step-1"})

	select {
	case ev := <-events:
		if ev.StepID != "step-1" {
			t.Errorf("StepID = %q, want step-1", ev.StepID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishScopedToStory(t *testing.T) {
	bus := New()
	events, cancel := bus.Subscribe("story-1")
	defer cancel()

	bus.Publish(Event{Type: proto.EventStepStarted, StoryID: "story-2"})

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for story-1 subscriber: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseStorySendsDoneThenCloses(t *testing.T) {
	bus := New()
	events, cancel := bus.Subscribe("story-1")
	defer cancel()

	bus.CloseStory("story-1")

	ev, ok := <-events
	if !ok {
		t.Fatal("channel closed before delivering the done event")
	}
	if ev.Type != proto.EventDone {
		t.Errorf("Type = %q, want done", ev.Type)
	}

	if _, ok := <-events; ok {
		t.Error("expected channel closed after done event")
	}
}

func TestSlowSubscriberDroppedWithTerminalError(t *testing.T) {
	bus := New()
	events, cancel := bus.Subscribe("story-1")
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		bus.Publish(Event{Type: proto.EventStepProgress, StoryID: "story-1"})
	}

	var sawError bool
	drained := 0
	for ev := range events {
		drained++
		if ev.Type == proto.EventError {
			sawError = true
		}
		if drained > subscriberBuffer+5 {
			t.Fatal("channel never closed after drop")
		}
	}
	if !sawError {
		t.Error("expected a terminal error event after overflowing the subscriber buffer")
	}
}
