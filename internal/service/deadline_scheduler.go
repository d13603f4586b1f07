package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/logger"
)

// DeadlineScheduler keeps at most one pending deadline per room.
type DeadlineScheduler struct {
	clock clockwork.Clock
	fire  func(roomID uuid.UUID)
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*deadline
}

type deadline struct {
	at    time.Time
	timer clockwork.Timer
}

// NewDeadlineScheduler creates a scheduler calling fire when a deadline passes.
func NewDeadlineScheduler(clk clockwork.Clock, fire func(roomID uuid.UUID), log zerolog.Logger) *DeadlineScheduler {
	return &DeadlineScheduler{
		clock:   clk,
		fire:    fire,
		log:     logger.Component(log, "deadline_scheduler"),
		pending: make(map[uuid.UUID]*deadline),
	}
}

// Schedule arms the deadline for a room, replacing any different one.
// Scheduling the same instant twice keeps the existing timer. A deadline
// already in the past fires right away on its own goroutine.
func (s *DeadlineScheduler) Schedule(roomID uuid.UUID, at time.Time) {
	wait := at.Sub(s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.pending[roomID]; ok {
		if cur.at.Equal(at) {
			return
		}
		cur.timer.Stop()
		delete(s.pending, roomID)
	}

	if wait <= 0 {
		go s.fire(roomID)
		return
	}

	entry := &deadline{at: at}
	entry.timer = s.clock.AfterFunc(wait, func() { s.expire(roomID, entry) })
	s.pending[roomID] = entry
	s.log.Debug().Str("room_id", roomID.String()).Time("deadline", at).Msg("Deadline armed")
}

func (s *DeadlineScheduler) expire(roomID uuid.UUID, entry *deadline) {
	s.mu.Lock()
	if s.pending[roomID] != entry {
		s.mu.Unlock()
		return
	}
	delete(s.pending, roomID)
	s.mu.Unlock()

	s.fire(roomID)
}

// Cancel disarms the room's deadline. It reports whether one was pending.
func (s *DeadlineScheduler) Cancel(roomID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pending[roomID]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(s.pending, roomID)
	return true
}

// Deadline returns the pending deadline of a room.
func (s *DeadlineScheduler) Deadline(roomID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pending[roomID]
	if !ok {
		return time.Time{}, false
	}
	return cur.at, true
}

// Len returns the number of pending deadlines.
func (s *DeadlineScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop disarms everything. Used on shutdown; recovery re-arms on the next boot.
func (s *DeadlineScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.pending {
		cur.timer.Stop()
		delete(s.pending, id)
	}
}
