package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ategon/placecrawler/internal/scraper"
)

func item(id string) scraper.QueueItem {
	return scraper.QueueItem{JobID: id, Submitted: time.Now().Unix()}
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, item(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected length 3, got %d", q.Len())
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got.JobID != want {
			t.Fatalf("expected %s, got %s", want, got.JobID)
		}
	}
}

func TestTryEnqueueFull(t *testing.T) {
	q := NewQueue(1)

	if err := q.TryEnqueue(item("a")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.TryEnqueue(item("b")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestEnqueueCancellation(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := q.Enqueue(ctx, item("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cancel()
	err := q.Enqueue(ctx, item("b"))
	if err == nil {
		t.Fatal("expected error from canceled enqueue")
	}
	if err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDequeueCancellation(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if err == nil {
		t.Fatal("expected error from canceled dequeue")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	done := make(chan scraper.QueueItem, 1)
	go func() {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("dequeue: %v", err)
		}
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	if err := q.Enqueue(ctx, item("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case got := <-done:
		if got.JobID != "a" {
			t.Fatalf("expected a, got %s", got.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not complete")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	q.Close()

	if _, err := q.Dequeue(context.Background()); err == nil {
		t.Fatal("expected error from closed queue")
	}
}
