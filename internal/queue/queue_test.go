package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"extractd/internal/job"
)

func TestQueue_PriorityThenFIFO(t *testing.T) {
	t.Parallel()
	q := New()
	in := []job.Job{
		{ID: "1", Topic: "low", Priority: 1},
		{ID: "2", Topic: "a", Priority: 10},
		{ID: "3", Topic: "mid", Priority: 5},
		{ID: "4", Topic: "b", Priority: 10},
		{ID: "5", Topic: "mid2", Priority: 5},
	}
	for _, j := range in {
		if !q.Push(j) {
			t.Fatalf("push %s rejected", j.ID)
		}
	}
	want := []string{"a", "b", "mid", "mid2", "low"}
	for i, w := range want {
		it, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if it.Topic != w {
			t.Fatalf("pop %d: got %q want %q", i, it.Topic, w)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len=%d want 0", q.Len())
	}
}

func TestQueue_PushDedupesByID(t *testing.T) {
	t.Parallel()
	q := New()
	j := job.Job{ID: "x", Topic: "t", Priority: 5}
	if !q.Push(j) {
		t.Fatalf("first push rejected")
	}
	if q.Push(j) {
		t.Fatalf("duplicate push accepted")
	}
	if q.Len() != 1 {
		t.Fatalf("len=%d want 1", q.Len())
	}
	if _, err := q.Pop(context.Background()); err != nil {
		t.Fatalf("pop: %v", err)
	}
	// Once popped the id may be pushed again (auto retry).
	if !q.Push(j) {
		t.Fatalf("push after pop rejected")
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := New()
	got := make(chan Item, 1)
	go func() {
		it, err := q.Pop(context.Background())
		if err == nil {
			got <- it
		}
	}()

	select {
	case <-got:
		t.Fatalf("pop returned on empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(job.Job{ID: "late", Topic: "late", Priority: 1})
	select {
	case it := <-got:
		if it.JobID != "late" {
			t.Fatalf("got %q", it.JobID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pop did not wake after push")
	}
}

func TestQueue_CloseWakesAllPoppers(t *testing.T) {
	t.Parallel()
	q := New()
	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("err=%v want ErrClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("popper %d not woken by Close", i)
		}
	}
	if q.Push(job.Job{ID: "after"}) {
		t.Fatalf("push accepted after close")
	}
	q.Close() // idempotent
}

func TestQueue_PopHonorsContext(t *testing.T) {
	t.Parallel()
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}
