package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	b := NewBus(4)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.PublishStatus(Status{Kind: StatusInfo, Message: "hello", At: time.Now()})

	select {
	case ev := <-sub.C():
		if ev.Status == nil || ev.Status.Message != "hello" {
			t.Fatalf("got %+v, want status with message 'hello'", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus(1)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.PublishLevel(LevelChanged{Source: SourceMic, RMS: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full, unread subscriber channel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(4)
	sub := b.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.C()
	if ok {
		t.Fatal("expected channel closed after Unsubscribe")
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := NewBus(4)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	b.Close()

	if _, ok := <-sub1.C(); ok {
		t.Fatal("expected sub1 channel closed")
	}
	if _, ok := <-sub2.C(); ok {
		t.Fatal("expected sub2 channel closed")
	}
}

func TestSourceAndStatusKindStringers(t *testing.T) {
	if SourceSystem.String() != "system" || SourceMic.String() != "mic" {
		t.Fatalf("unexpected Source strings: %q %q", SourceSystem, SourceMic)
	}
	if StatusStopped.String() != "stopped" {
		t.Fatalf("unexpected StatusKind string: %q", StatusStopped)
	}
}
