package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"visionguard/internal/camera"
)

// DefaultQueueCapacity bounds the number of frames waiting for analysis
const DefaultQueueCapacity = 100

// Queue is the bounded hand-off between source loops and analysis workers.
// Producers never block: a full queue drops the new job.
type Queue struct {
	jobs     chan *FrameJob
	enqueued atomic.Uint64
	dropped  atomic.Uint64
	logger   *zap.Logger
	now      func() time.Time
}

var _ camera.Submitter = (*Queue)(nil)

// NewQueue creates a queue holding at most capacity jobs
func NewQueue(capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		jobs:   make(chan *FrameJob, capacity),
		logger: logger.Named("queue"),
		now:    time.Now,
	}
}

// Enqueue offers job to the queue and reports whether it was accepted
func (q *Queue) Enqueue(job *FrameJob) bool {
	if job == nil {
		return false
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	select {
	case q.jobs <- job:
		q.enqueued.Add(1)
		return true
	default:
		dropped := q.dropped.Add(1)
		q.logger.Warn("Analysis queue full, dropping frame",
			zap.String("source_id", job.SourceID),
			zap.Int("capacity", cap(q.jobs)),
			zap.Uint64("dropped_total", dropped))
		return false
	}
}

// Submit implements camera.Submitter
func (q *Queue) Submit(frame *camera.Frame, src camera.Source) bool {
	return q.Enqueue(&FrameJob{
		SourceID:   src.ID,
		Frame:      frame,
		Source:     src,
		CapturedAt: frame.CapturedAt,
	})
}

// Next blocks until a job is available or ctx is done
func (q *Queue) Next(ctx context.Context) (*FrameJob, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case job := <-q.jobs:
		return job, nil
	}
}

// Len returns the number of waiting jobs
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Stats returns a snapshot of queue counters
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Capacity: cap(q.jobs),
		Depth:    len(q.jobs),
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
	}
}
