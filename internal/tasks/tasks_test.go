package tasks

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueRunsTasks(t *testing.T) {
	q := NewQueue(testLogger())

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		if !q.Submit("test", func(context.Context) error { ran.Add(1); return nil }) {
			t.Fatal("submit rejected")
		}
	}

	q.Close()
	if got := ran.Load(); got != 20 {
		t.Fatalf("ran %d tasks, want 20", got)
	}
}

func TestQueueCloseAwaitsInFlight(t *testing.T) {
	q := NewQueue(testLogger())

	done := make(chan struct{})
	var finished atomic.Bool
	q.Submit("slow", func(context.Context) error {
		<-done
		finished.Store(true)
		return nil
	})

	go func() { close(done) }()
	q.Close()

	if !finished.Load() {
		t.Fatal("Close returned before in-flight task finished")
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := NewQueue(testLogger())
	q.Close()
	if q.Submit("late", func(context.Context) error { return nil }) {
		t.Fatal("submit after Close should be rejected")
	}
}

func TestQueueSurvivesPanic(t *testing.T) {
	q := NewQueue(testLogger())

	q.Submit("boom", func(context.Context) error { panic("boom") })

	var ran atomic.Bool
	q.Submit("after", func(context.Context) error { ran.Store(true); return nil })
	q.Close()

	if !ran.Load() {
		t.Fatal("task after panic did not run")
	}
}
