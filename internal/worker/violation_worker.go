package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/config"
	"github.com/stemsi/exroom-backend/internal/logger"
	"github.com/stemsi/exroom-backend/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationSink persists audit rows. The repository implements it with
// CopyFrom for batches and a plain insert for single rows.
type ViolationSink interface {
	BulkInsert(ctx context.Context, events []model.ViolationEvent) error
	InsertOne(ctx context.Context, e model.ViolationEvent) error
}

// ViolationWorker drains the violation queue into the audit table. Live
// counters stay in Redis; this is only the durable trail.
type ViolationWorker struct {
	sink ViolationSink
	rdb  *redis.Client
	log  zerolog.Logger

	batchSize    int
	batchTimeout time.Duration
	backoff      time.Duration
	queue        string
}

func NewViolationWorker(sink ViolationSink, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		sink:         sink,
		rdb:          rdb,
		log:          logger.Component(log, "violation_worker"),
		batchSize:    BatchSize,
		batchTimeout: BatchTimeout,
		backoff:      2 * time.Second,
		queue:        config.WorkerKey.PersistViolationsQueue,
	}
}

// Start blocks until ctx is cancelled, then flushes what it holds.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Str("queue", w.queue).Msg("ViolationWorker started")

	buffer := make([]model.ViolationEvent, 0, w.batchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= w.batchSize || time.Since(lastFlushTime) >= w.batchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis. BLPop returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // Queue empty, loop back to check the flush timer
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var event model.ViolationEvent
		if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
			// Malformed JSON cannot be retried.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed violation event")
			continue
		}

		buffer = append(buffer, event)
	}
}

// flushSafe attempts bulk insert, then row-by-row insert, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []model.ViolationEvent) {
	if err := w.sink.BulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []model.ViolationEvent) {
	var requeueList []model.ViolationEvent

	for _, e := range batch {
		if err := w.sink.InsertOne(ctx, e); err != nil {
			w.log.Error().Err(err).
				Str("room_id", e.RoomID).
				Str("student_id", e.StudentID).
				Msg("Insert failed, requeueing")
			requeueList = append(requeueList, e)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []model.ViolationEvent) {
	pipe := w.rdb.Pipeline()
	for _, e := range items {
		data, _ := json.Marshal(e)
		pipe.RPush(ctx, w.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violation events. Audit rows lost.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	sleep(ctx, w.backoff)
}

func (w *ViolationWorker) shutdown(buffer []model.ViolationEvent) {
	w.log.Info().Int("pending", len(buffer)).Msg("Worker stopping, flushing remaining buffer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
