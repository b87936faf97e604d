package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/observability"
	"github.com/noah-isme/gema-exam-engine/internal/service"
)

// MaxGradingAttempts bounds how often a failing session is requeued.
const MaxGradingAttempts = 3

type gradingJob struct {
	SessionID  uint      `json:"session_id"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// GradingQueue pushes finished sessions onto a Redis list. Jobs being graded sit on a
// processing list until acknowledged.
type GradingQueue struct {
	rdb        *redis.Client
	key        string
	processing string
}

// NewGradingQueue constructs the queue backed by the configured list key.
func NewGradingQueue(rdb *redis.Client, cfg config.ExamEngine) *GradingQueue {
	key := cfg.GradingQueue
	if key == "" {
		key = config.DefaultExamEngine().GradingQueue
	}
	return &GradingQueue{rdb: rdb, key: key, processing: key + ":processing"}
}

// Enqueue schedules asynchronous grading of a finished session.
func (q *GradingQueue) Enqueue(ctx context.Context, sessionID uint) error {
	return q.push(ctx, gradingJob{SessionID: sessionID, EnqueuedAt: time.Now().UTC()})
}

func (q *GradingQueue) push(ctx context.Context, job gradingJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue grading job: %w", err)
	}
	return nil
}

func (q *GradingQueue) ack(ctx context.Context, raw string) error {
	return q.rdb.LRem(ctx, q.processing, 1, raw).Err()
}

// Recover moves jobs left on the processing list by a crashed worker back onto the queue.
// Grading is idempotent, so a job that was in fact finished is only graded again as a no-op.
func (q *GradingQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.rdb.LMove(ctx, q.processing, q.key, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover grading jobs: %w", err)
		}
		moved++
	}
}

// GradingWorker drains the grading queue and auto-grades each session.
type GradingWorker struct {
	queue   *GradingQueue
	grading service.GradingService
	poll    time.Duration
	log     zerolog.Logger
}

// NewGradingWorker constructs the worker.
func NewGradingWorker(queue *GradingQueue, grading service.GradingService, cfg config.ExamEngine, log zerolog.Logger) *GradingWorker {
	poll := cfg.GradingPollTimeout
	if poll <= 0 {
		poll = time.Second
	}
	return &GradingWorker{
		queue:   queue,
		grading: grading,
		poll:    poll,
		log:     log.With().Str("component", "grading_worker").Logger(),
	}
}

// Start blocks until ctx is cancelled.
func (w *GradingWorker) Start(ctx context.Context) {
	w.log.Info().Str("queue", w.queue.key).Msg("grading worker started")
	if moved, err := w.queue.Recover(ctx); err != nil {
		w.log.Error().Err(err).Msg("failed to recover in-flight grading jobs")
	} else if moved > 0 {
		w.log.Warn().Int("jobs", moved).Msg("requeued grading jobs from a previous run")
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("grading worker stopped")
			return
		default:
			w.ProcessOne(ctx)
		}
	}
}

// ProcessOne waits up to the poll timeout for a job and handles it. It reports whether a
// job was taken off the queue. The job stays on the processing list until it is graded,
// dropped or requeued.
func (w *GradingWorker) ProcessOne(ctx context.Context) bool {
	raw, err := w.queue.rdb.BLMove(ctx, w.queue.key, w.queue.processing, "LEFT", "RIGHT", w.poll).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLMove error")
			time.Sleep(w.poll)
		}
		return false
	}
	w.updateDepth(ctx)
	acknowledge := true
	defer func() {
		if !acknowledge {
			return
		}
		if err := w.queue.ack(context.Background(), raw); err != nil {
			w.log.Error().Err(err).Msg("failed to acknowledge grading job")
		}
	}()

	var job gradingJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.log.Error().Err(err).Msg("invalid grading job payload")
		return true
	}

	logger := w.log.With().Uint("session_id", job.SessionID).Int("attempt", job.Attempts+1).Logger()
	resp, err := w.grading.AutoGradeSession(ctx, job.SessionID, service.SystemActor())
	if err != nil {
		if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrInvalidState) {
			logger.Warn().Err(err).Msg("dropping grading job")
			return true
		}
		job.Attempts++
		if job.Attempts >= MaxGradingAttempts {
			logger.Error().Err(err).Msg("grading failed, giving up")
			return true
		}
		logger.Warn().Err(err).Msg("grading failed, requeueing")
		if pushErr := w.queue.push(context.Background(), job); pushErr != nil {
			// Left on the processing list for Recover.
			acknowledge = false
			logger.Error().Err(pushErr).Msg("requeue failed")
		}
		return true
	}

	logger.Info().
		Int("newly_graded", resp.NewlyGraded).
		Int("pending", resp.PendingCount).
		Dur("queued_for", time.Since(job.EnqueuedAt)).
		Msg("session graded")
	return true
}

func (w *GradingWorker) updateDepth(ctx context.Context) {
	depth, err := w.queue.rdb.LLen(ctx, w.queue.key).Result()
	if err != nil {
		return
	}
	observability.GradingQueueDepth().Set(float64(depth))
}
