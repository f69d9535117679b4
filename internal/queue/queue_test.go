package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"claude-link/internal/protocol"
)

func makeCommand(content string) *Command {
	return &Command{
		ID:          uuid.New(),
		Kind:        protocol.KindClaudeCommand,
		Frame:       protocol.NewCommand(content, "/p", "", false),
		ProjectPath: "/p",
		CreatedAt:   time.Now().UTC(),
		Retryable:   true,
		MaxRetries:  DefaultMaxRetries,
	}
}

func contentOf(t *testing.T, cmd *Command) string {
	t.Helper()
	p, err := cmd.Frame.Command()
	if err != nil {
		t.Fatalf("decode queued frame: %v", err)
	}
	return p.Content
}

func TestQueue_FIFOOrder(t *testing.T) {
	q, err := New(10, nil, nil, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(makeCommand(fmt.Sprintf("cmd-%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var got []string
	q.Flush(func(cmd *Command) error {
		got = append(got, contentOf(t, cmd))
		return nil
	})

	want := []string{"cmd-0", "cmd-1", "cmd-2"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("position %d: expected %s, got %s", i, w, got[i])
		}
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after flush, got %d", q.Len())
	}
}

func TestQueue_DropOldestAtCapacity(t *testing.T) {
	var dropped []*Command
	q, err := New(2, nil, func(cmd *Command, reason string) {
		dropped = append(dropped, cmd)
	}, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	q.Enqueue(makeCommand("a"))
	q.Enqueue(makeCommand("b"))
	q.Enqueue(makeCommand("c"))

	if q.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", q.Len())
	}
	if len(dropped) != 1 || contentOf(t, dropped[0]) != "a" {
		t.Errorf("expected oldest command dropped, got %v", dropped)
	}
	items := q.Snapshot()
	if contentOf(t, items[0]) != "b" || contentOf(t, items[1]) != "c" {
		t.Error("expected b, c remaining in order")
	}
}

func TestQueue_EnqueueDuringFlush(t *testing.T) {
	q, err := New(10, nil, nil, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.Enqueue(makeCommand("old-1"))
	q.Enqueue(makeCommand("old-2"))

	var mu sync.Mutex
	var sent []string
	sentOnce := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Flush(func(cmd *Command) error {
			mu.Lock()
			sent = append(sent, contentOf(t, cmd))
			mu.Unlock()
			select {
			case <-sentOnce:
			default:
				close(sentOnce)
			}
			// Give the concurrent enqueue a window.
			time.Sleep(10 * time.Millisecond)
			return nil
		})
	}()

	<-sentOnce
	if err := q.Enqueue(makeCommand("during-flush")); err != nil {
		t.Fatalf("enqueue during flush: %v", err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, s := range sent {
		if s == "during-flush" {
			t.Fatal("command enqueued during flush must wait for the next flush")
		}
	}
	if q.Len() != 1 {
		t.Fatalf("expected the new command to survive, got %d items", q.Len())
	}
	if contentOf(t, q.Snapshot()[0]) != "during-flush" {
		t.Error("expected during-flush to be queued")
	}
}

func TestQueue_RetryableRequeuedAtBack(t *testing.T) {
	q, err := New(10, nil, nil, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	bad := makeCommand("flaky")
	q.Enqueue(bad)
	q.Enqueue(makeCommand("good"))

	sendErr := errors.New("transmit failed")
	var order []string
	q.Flush(func(cmd *Command) error {
		order = append(order, contentOf(t, cmd))
		if cmd.ID == bad.ID {
			return sendErr
		}
		return nil
	})

	if q.Len() != 1 {
		t.Fatalf("expected flaky requeued, got %d items", q.Len())
	}
	if q.Snapshot()[0].Attempts != 1 {
		t.Errorf("expected 1 attempt recorded, got %d", q.Snapshot()[0].Attempts)
	}
}

func TestQueue_RetriesExhausted(t *testing.T) {
	var abandoned []*Command
	q, err := New(10, nil, func(cmd *Command, reason string) {
		abandoned = append(abandoned, cmd)
	}, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	cmd := makeCommand("doomed")
	cmd.MaxRetries = 2
	q.Enqueue(cmd)

	fail := func(*Command) error { return errors.New("down") }
	q.Flush(fail) // attempt 1, requeued
	q.Flush(fail) // attempt 2, abandoned

	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
	if len(abandoned) != 1 || abandoned[0].ID != cmd.ID {
		t.Errorf("expected doomed command reported, got %v", abandoned)
	}
}

func TestQueue_NonRetryableAbandonedAfterOneFailure(t *testing.T) {
	var abandoned []*Command
	q, _ := New(10, nil, func(cmd *Command, reason string) {
		abandoned = append(abandoned, cmd)
	}, nil)

	abort := makeCommand("abort")
	abort.Retryable = false
	abort.MaxRetries = 1
	q.Enqueue(abort)

	q.Flush(func(*Command) error { return errors.New("down") })

	if q.Len() != 0 || len(abandoned) != 1 {
		t.Errorf("expected non-retryable command abandoned after one failure, queue=%d reported=%d",
			q.Len(), len(abandoned))
	}
}

func TestQueue_NilFrameRejected(t *testing.T) {
	q, _ := New(10, nil, nil, nil)
	err := q.Enqueue(&Command{ID: uuid.New()})
	if !errors.Is(err, ErrUnencodable) {
		t.Fatalf("expected ErrUnencodable, got %v", err)
	}
}

func TestQueue_PersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	q, err := New(10, store, nil, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.Enqueue(makeCommand("survive-1"))
	q.Enqueue(makeCommand("survive-2"))
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store2, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	q2, err := New(10, store2, nil, nil)
	if err != nil {
		t.Fatalf("new queue from store: %v", err)
	}
	if q2.Len() != 2 {
		t.Fatalf("expected 2 restored commands, got %d", q2.Len())
	}
	items := q2.Snapshot()
	if contentOf(t, items[0]) != "survive-1" || contentOf(t, items[1]) != "survive-2" {
		t.Error("expected FIFO order preserved across restart")
	}
	if !items[0].Retryable || items[0].MaxRetries != DefaultMaxRetries {
		t.Errorf("expected retry metadata restored, got %+v", items[0])
	}
}

func TestQueue_PersistenceAckRemovesRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	q, _ := New(10, store, nil, nil)
	q.Enqueue(makeCommand("sent"))
	q.Flush(func(*Command) error { return nil })
	store.Close()

	store2, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()
	q2, _ := New(10, store2, nil, nil)
	if q2.Len() != 0 {
		t.Errorf("expected acknowledged command removed from disk, got %d", q2.Len())
	}
}
