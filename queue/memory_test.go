package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain closes q and consumes what is left, redeliveries included.
func drain(t *testing.T, q *Memory, h Handler) {
	t.Helper()
	q.Close()
	if err := q.Consume(context.Background(), h); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
}

type job struct {
	ID int `json:"id"`
}

func TestMemoryDeliversInOrder(t *testing.T) {
	q := NewMemory("test", 3, time.Second, testLogger())
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := q.Publish(ctx, job{ID: i}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	var got []int
	drain(t, q, func(_ context.Context, data []byte) error {
		var j job
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		got = append(got, j.ID)
		return nil
	})

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("delivered %v, want [1 2 3]", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after consuming", q.Len())
	}
}

func TestMemoryRedeliversUntilSuccess(t *testing.T) {
	q := NewMemory("test", 5, time.Second, testLogger())
	ctx := context.Background()
	if err := q.Publish(ctx, job{ID: 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	calls := 0
	drain(t, q, func(context.Context, []byte) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if calls != 3 {
		t.Errorf("handler called %d times, want 3", calls)
	}
	if len(q.DeadLetters()) != 0 {
		t.Error("no message should be dead-lettered")
	}
}

func TestMemoryDeadLettersAfterCeiling(t *testing.T) {
	q := NewMemory("test", 2, time.Second, testLogger())
	ctx := context.Background()
	if err := q.Publish(ctx, job{ID: 9}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	calls := 0
	drain(t, q, func(context.Context, []byte) error {
		calls++
		return errors.New("permanent")
	})

	if calls != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || string(dead[0]) != `{"id":9}` {
		t.Errorf("DeadLetters() = %q", dead)
	}
}

func TestMemoryJobTimeout(t *testing.T) {
	q := NewMemory("test", 1, 10*time.Millisecond, testLogger())
	ctx := context.Background()
	if err := q.Publish(ctx, job{ID: 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	drain(t, q, func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if len(q.DeadLetters()) != 1 {
		t.Error("timed out job should be dead-lettered with a single delivery allowed")
	}
}

func TestMemoryConsumeStopsWhenClosed(t *testing.T) {
	q := NewMemory("test", 3, time.Second, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan int, 2)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(_ context.Context, data []byte) error {
			var j job
			if err := json.Unmarshal(data, &j); err != nil {
				return err
			}
			received <- j.ID
			return nil
		})
	}()

	if err := q.Publish(ctx, job{ID: 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case id := <-received:
		if id != 1 {
			t.Errorf("received %d, want 1", id)
		}
	case <-ctx.Done():
		t.Fatal("message was not consumed")
	}

	q.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Consume() error = %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Consume() did not return after Close()")
	}

	if err := q.Publish(context.Background(), job{ID: 2}); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close() error = %v, want ErrClosed", err)
	}
	q.Close()
}

func TestMemoryPublishCanceled(t *testing.T) {
	q := NewMemory("test", 3, time.Second, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Publish(ctx, job{ID: 1}); err == nil {
		t.Error("Publish() with a canceled context should fail")
	}
}
