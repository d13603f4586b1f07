package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/logger"
)

// Dispatcher errors.
var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrMailboxFull      = errors.New("room mailbox full")
)

// DefaultMailboxSize is used when NewDispatcher gets a non-positive size.
const DefaultMailboxSize = 1024

// Command is one unit of work for a room.
type Command func(ctx context.Context)

// Dispatcher runs commands one at a time per room, in submission order.
// Different rooms proceed in parallel. A room's goroutine exits once its
// mailbox is empty and is recreated on the next command.
type Dispatcher struct {
	timeout time.Duration
	size    int
	log     zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]chan Command
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher giving each command at most timeout
// and queueing at most size commands per room.
func NewDispatcher(timeout time.Duration, size int, log zerolog.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Dispatcher{
		timeout: timeout,
		size:    size,
		log:     logger.Component(log, "dispatcher"),
		rooms:   make(map[string]chan Command),
	}
}

// Submit queues cmd on the room's mailbox without blocking.
func (d *Dispatcher) Submit(room string, cmd Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	mailbox, ok := d.rooms[room]
	if !ok {
		mailbox = make(chan Command, d.size)
		d.rooms[room] = mailbox
		d.wg.Add(1)
		go d.drain(room, mailbox)
	}
	select {
	case mailbox <- cmd:
		return nil
	default:
		return ErrMailboxFull
	}
}

func (d *Dispatcher) drain(room string, mailbox chan Command) {
	defer d.wg.Done()
	for {
		select {
		case cmd := <-mailbox:
			d.run(room, cmd)
		default:
			// Submit enqueues under the lock, so an empty mailbox seen
			// under the lock stays empty until the entry is gone.
			d.mu.Lock()
			if len(mailbox) == 0 {
				delete(d.rooms, room)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) run(room string, cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("room_code", room).Msg("Command panicked")
		}
	}()
	cmd(ctx)
}

// Active returns the number of rooms with a live mailbox.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

// Close rejects new commands and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
