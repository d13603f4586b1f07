package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDispatcherRunsRoomCommandsInOrder(t *testing.T) {
	d := NewDispatcher(time.Second, 0, zerolog.Nop())
	var (
		mu       sync.Mutex
		order    []int
		inflight atomic.Int32
		overlap  atomic.Bool
		wg       sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		i := i
		if err := d.Submit("ROOM01", func(context.Context) {
			defer wg.Done()
			if inflight.Add(1) > 1 {
				overlap.Store(true)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			inflight.Add(-1)
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("commands of one room overlapped")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d", i, v)
		}
	}
	d.Close()
}

func TestDispatcherRoomsRunInParallel(t *testing.T) {
	d := NewDispatcher(time.Second, 0, zerolog.Nop())
	defer d.Close()

	release := make(chan struct{})
	done := make(chan struct{})
	_ = d.Submit("ROOM01", func(context.Context) { <-release })
	_ = d.Submit("ROOM02", func(context.Context) { close(release); close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a blocked room held up another room")
	}
}

func TestDispatcherSurvivesPanicAndIdles(t *testing.T) {
	d := NewDispatcher(time.Second, 0, zerolog.Nop())
	ran := make(chan struct{})
	_ = d.Submit("ROOM01", func(context.Context) { panic("boom") })
	_ = d.Submit("ROOM01", func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("command after panic did not run")
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Active() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.Active() != 0 {
		t.Errorf("idle mailboxes = %d, want 0", d.Active())
	}

	d.Close()
	if err := d.Submit("ROOM01", func(context.Context) {}); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("submit after close err = %v", err)
	}
}

func TestDispatcherMailboxFull(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		capacity int
	}{
		{"configured", 4, 4},
		{"default fits a large class", 0, DefaultMailboxSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(time.Second, tt.size, zerolog.Nop())
			release := make(chan struct{})
			started := make(chan struct{})
			_ = d.Submit("ROOM01", func(context.Context) { close(started); <-release })
			<-started

			for i := 0; i < tt.capacity; i++ {
				if err := d.Submit("ROOM01", func(context.Context) {}); err != nil {
					t.Fatalf("submit %d: %v", i, err)
				}
			}
			if err := d.Submit("ROOM01", func(context.Context) {}); !errors.Is(err, ErrMailboxFull) {
				t.Errorf("overflow err = %v, want ErrMailboxFull", err)
			}
			close(release)
			d.Close()
		})
	}
}

func TestDispatcherCommandDeadline(t *testing.T) {
	d := NewDispatcher(20*time.Millisecond, 0, zerolog.Nop())
	defer d.Close()
	got := make(chan error, 1)
	_ = d.Submit("ROOM01", func(ctx context.Context) {
		<-ctx.Done()
		got <- ctx.Err()
	})
	select {
	case err := <-got:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("ctx err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command context never expired")
	}
}
