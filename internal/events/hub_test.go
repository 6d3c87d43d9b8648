package events

import (
	"fmt"
	"testing"
	"time"
)

func TestPublishAndSnapshot(t *testing.T) {
	t.Parallel()

	hub := NewHub(8)
	hub.Publish(TypeWorkerStarted, "cam", "RUNNING", "")
	hub.Publish(TypeWorkerStopped, "cam", "STOPPED", "")

	all := hub.SnapshotSince(0)
	if len(all) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(all))
	}
	if all[0].Type != TypeWorkerStarted || all[1].Type != TypeWorkerStopped {
		t.Fatalf("snapshot order = %s, %s", all[0].Type, all[1].Type)
	}
	if all[0].ID >= all[1].ID {
		t.Fatalf("event IDs not increasing: %d then %d", all[0].ID, all[1].ID)
	}

	since := hub.SnapshotSince(all[0].ID)
	if len(since) != 1 || since[0].ID != all[1].ID {
		t.Fatalf("SnapshotSince(%d) = %+v, want only the second event", all[0].ID, since)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	hub := NewHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish(TypeWorkerStarted, fmt.Sprintf("w%d", i), "RUNNING", "")
	}

	got := hub.SnapshotSince(0)
	if len(got) != 3 {
		t.Fatalf("snapshot length = %d, want 3", len(got))
	}
	if got[0].Worker != "w2" || got[2].Worker != "w4" {
		t.Fatalf("snapshot window = %s..%s, want w2..w4", got[0].Worker, got[2].Worker)
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub(8)
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(TypeWorkerFailed, "eeg", "FAILED", "exit status 1")

	select {
	case ev := <-ch:
		if ev.Type != TypeWorkerFailed || ev.Worker != "eeg" || ev.Detail != "exit status 1" {
			t.Fatalf("received %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered within 1s")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	hub := NewHub(8)
	ch, cancel := hub.Subscribe()
	defer cancel()

	// Never drain ch; publishing past its buffer must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			hub.Publish(TypeWorkerStarted, "cam", "RUNNING", "")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	_ = ch
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	hub := NewHub(4)
	ch, cancel := hub.Subscribe()
	cancel()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
	hub.Publish(TypeWorkerStarted, "cam", "RUNNING", "")
}
