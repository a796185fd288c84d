package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agentflow/internal/config"
	"agentflow/internal/models"
	"agentflow/internal/telemetry"
)

// JobQueue is the slice of the store the processor depends on.
type JobQueue interface {
	ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.Job, error)
	CompleteJob(ctx context.Context, jobID, workerID string) (bool, error)
	FailJob(ctx context.Context, jobID, workerID, cause string) (bool, error)
	QueueDepth(ctx context.Context) (int64, error)
}

// EventSink receives workflow progress events.
type EventSink interface {
	Emit(sessionID, eventType string, data any, message string) models.Event
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// Processor drives the claim-execute-settle loop for one worker.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	events   EventSink
	log      *zap.Logger
	handlers map[string]Handler
	workerID string
	poll     *PollBackoff
}

func NewProcessor(cfg config.Config, q JobQueue, events EventSink, workerID string, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		events:   events,
		log:      log.Named("worker").With(zap.String("worker_id", workerID)),
		handlers: make(map[string]Handler),
		workerID: workerID,
		poll:     NewPollBackoff(cfg.PollInitial, cfg.PollMax),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run polls for jobs until context cancellation. Store errors and empty
// polls both back off; the store itself never retries on the worker's
// behalf.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if depth, err := p.queue.QueueDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		job, err := p.queue.ClaimNext(ctx, p.workerID, p.cfg.LeaseDuration)
		if err != nil {
			p.log.Warn("claim failed", zap.Error(err))
			if !p.sleep(ctx, p.poll.Next()) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			if !p.sleep(ctx, p.poll.Next()) {
				return ctx.Err()
			}
			continue
		}
		p.poll.Reset()
		telemetry.JobsClaimed.Inc()
		telemetry.InFlightGauge.Inc()
		p.process(ctx, *job)
		telemetry.InFlightGauge.Dec()
	}
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	session := sessionFor(job)
	p.events.Emit(session, models.EventNodeStart, map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempt":  job.RetryCount + 1,
	}, "")

	err := p.runJob(ctx, job)
	if err == nil {
		acked, cerr := p.queue.CompleteJob(ctx, job.ID, p.workerID)
		if cerr != nil {
			p.log.Error("complete failed, job outcome uncertain", zap.String("job_id", job.ID), zap.Error(cerr))
			return
		}
		if !acked {
			// Lease expired and the job was reclaimed; our result is not
			// authoritative, so no completion event either.
			telemetry.OwnershipLost.Inc()
			p.log.Warn("lease lost before completion", zap.String("job_id", job.ID))
			return
		}
		p.events.Emit(session, models.EventNodeComplete, map[string]any{
			"job_id":   job.ID,
			"job_type": job.Type,
		}, "")
		p.events.Emit(session, models.EventWorkflowComplete, map[string]any{
			"job_id": job.ID,
		}, "")
		telemetry.JobsCompleted.Inc()
		return
	}

	p.events.Emit(session, models.EventError, map[string]any{
		"job_id":  job.ID,
		"attempt": job.RetryCount + 1,
	}, err.Error())

	acked, ferr := p.queue.FailJob(ctx, job.ID, p.workerID, err.Error())
	if ferr != nil {
		p.log.Error("fail-job write failed", zap.String("job_id", job.ID), zap.Error(ferr))
		return
	}
	if !acked {
		telemetry.OwnershipLost.Inc()
		p.log.Warn("lease lost before failure could be recorded", zap.String("job_id", job.ID))
		return
	}
	if job.RetryCount >= job.MaxRetries {
		telemetry.JobsFailed.Inc()
		p.log.Warn("job failed permanently", zap.String("job_id", job.ID),
			zap.Int("retries", job.RetryCount), zap.Error(err))
		p.events.Emit(session, models.EventError, map[string]any{
			"job_id":   job.ID,
			"terminal": true,
		}, fmt.Sprintf("retries exhausted: %v", err))
		return
	}
	telemetry.JobsRetried.Inc()
	p.log.Info("job scheduled for retry", zap.String("job_id", job.ID),
		zap.Int("attempt", job.RetryCount+1), zap.Error(err))
}

func (p *Processor) runJob(ctx context.Context, job models.Job) error {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}

// sleep waits d or until cancellation; false means the context ended.
func (p *Processor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// sessionFor extracts the event session for a job. Payloads carry an
// optional session_id; a job with none streams under its own id.
func sessionFor(job models.Job) string {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(job.Payload, &p); err == nil && p.SessionID != "" {
		return p.SessionID
	}
	return job.ID
}
