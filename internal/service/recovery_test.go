package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingRecoverer struct{ calls atomic.Int32 }

func (c *countingRecoverer) Recover(context.Context) (*RecoveryReport, error) {
	c.calls.Add(1)
	return &RecoveryReport{}, nil
}

func TestRecoveryJobRunsAtStartAndOnSchedule(t *testing.T) {
	rec := &countingRecoverer{}
	job := NewRecoveryJob(rec, "@every 1s", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := job.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.calls.Load() != 1 {
		t.Fatalf("calls after Start = %d, want 1", rec.calls.Load())
	}

	deadline := time.Now().Add(3 * time.Second)
	for rec.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if rec.calls.Load() < 2 {
		t.Error("scheduled pass did not run")
	}
}

func TestRecoveryJobBadSchedule(t *testing.T) {
	job := NewRecoveryJob(&countingRecoverer{}, "every now and then", zerolog.Nop())
	if err := job.Start(context.Background()); err == nil {
		t.Error("want error for bad schedule")
	}
}
