package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"distill/internal/logging"
	"distill/internal/queue"
	"distill/internal/services"
)

type workerFunc func(ctx context.Context, job *queue.Job) (string, error)

// Dispatcher pulls due jobs off the queue lanes and runs stage workers.
// Each lane gets its own bounded pool so a transcription fan-out cannot
// starve ffmpeg work, and vice versa.
type Dispatcher struct {
	pipeline *Pipeline
	workers  map[string]workerFunc
}

// NewDispatcher builds the dispatcher with the full stage worker table.
func NewDispatcher(p *Pipeline) *Dispatcher {
	return &Dispatcher{
		pipeline: p,
		workers: map[string]workerFunc{
			StageCompressVideo:     p.runCompressVideo,
			StageExtractAudio:      p.runExtractAudio,
			StageSegmentAudio:      p.runSegmentAudio,
			StageTranscribeSegment: p.runTranscribeSegment,
			StageMergeTranscripts:  p.runMergeTranscripts,
			StageGenerateTags:      p.runGenerateTags,
			StageGenerateTitle:     p.runGenerateTitle,
			StageGenerateTodo:      p.runGenerateTodo,
			StageGenerateEmbedding: p.runGenerateEmbedding,
			StageUploadRemote:      p.runUploadRemote,
			StageCleanupLocal:      p.runCleanupLocal,
		},
	}
}

type lane struct {
	queue       string
	concurrency int
}

func (d *Dispatcher) lanes() []lane {
	cfg := d.pipeline.deps.Cfg.Pipeline
	return []lane{
		{QueueMedia, atLeastOne(cfg.MediaConcurrency)},
		{QueueTranscribe, atLeastOne(cfg.TranscribeConcurrency)},
		{QueueAnalysis, atLeastOne(cfg.AnalysisConcurrency)},
		{QueueFinalize, atLeastOne(cfg.FinalizeConcurrency)},
	}
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Run serves all lanes until the context is cancelled. It also reclaims
// jobs whose worker stopped heartbeating, so a crashed process never
// strands work in the running state.
func (d *Dispatcher) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, l := range d.lanes() {
		for i := 0; i < l.concurrency; i++ {
			queueName := l.queue
			group.Go(func() error {
				return d.serve(ctx, queueName)
			})
		}
	}
	group.Go(func() error {
		return d.reclaimLoop(ctx)
	})
	return group.Wait()
}

func (d *Dispatcher) serve(ctx context.Context, queueName string) error {
	poll := secondsOrDefault(d.pipeline.deps.Cfg.Workflow.QueuePollInterval, 2*time.Second)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		job, err := d.pipeline.deps.Queue.ClaimNext(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.pipeline.logger.Error("claim failed",
				logging.String(logging.FieldQueue, queueName),
				logging.Error(err))
			if !sleepCtx(ctx, poll) {
				return nil
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, poll) {
				return nil
			}
			continue
		}
		d.execute(ctx, job)
	}
}

// execute runs one claimed job to a terminal queue state and hands the
// outcome to the orchestrator.
func (d *Dispatcher) execute(ctx context.Context, job *queue.Job) {
	logger := d.pipeline.logger
	worker, ok := d.workers[job.Type]
	if !ok {
		d.finishFailed(ctx, job, fmt.Errorf("no worker registered for stage %q", job.Type), false)
		return
	}

	ctx = services.WithProcessID(ctx, job.ProcessID)
	ctx = services.WithStage(ctx, job.Type)
	ctx = services.WithQueue(ctx, job.Queue)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go d.heartbeat(heartbeatCtx, job.ID)

	logger.Info("job started",
		logging.String(logging.FieldQueue, job.Queue),
		logging.String(logging.FieldStage, job.Type),
		logging.String(logging.FieldProcessID, job.ProcessID),
		logging.Int64(logging.FieldJobID, job.ID))

	result, err := worker(ctx, job)
	stopHeartbeat()
	if err != nil {
		d.finishFailed(ctx, job, err, services.Retryable(err))
		return
	}

	if err := d.pipeline.deps.Queue.MarkDone(ctx, job.ID, result); err != nil {
		logger.Error("mark done failed",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Error(err))
		return
	}
	job.Status = queue.StatusDone
	job.Result = result
	if err := d.pipeline.HandleCompletion(ctx, job); err != nil {
		logger.Error("completion handling failed",
			logging.String(logging.FieldStage, job.Type),
			logging.String(logging.FieldProcessID, job.ProcessID),
			logging.Error(err))
	}
}

func (d *Dispatcher) finishFailed(ctx context.Context, job *queue.Job, cause error, retryable bool) {
	logger := d.pipeline.logger
	logger.Warn("job attempt failed",
		logging.String(logging.FieldStage, job.Type),
		logging.String(logging.FieldProcessID, job.ProcessID),
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Bool("retryable", retryable),
		logging.Error(cause))

	updated, err := d.pipeline.deps.Queue.MarkFailed(ctx, job.ID, cause.Error(), retryable)
	if err != nil {
		logger.Error("mark failed errored",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Error(err))
		return
	}
	if updated.Status != queue.StatusDead {
		return
	}
	if err := d.pipeline.HandleDead(ctx, updated, cause.Error()); err != nil {
		logger.Error("dead-job handling failed",
			logging.String(logging.FieldStage, job.Type),
			logging.String(logging.FieldProcessID, job.ProcessID),
			logging.Error(err))
	}
}

func (d *Dispatcher) heartbeat(ctx context.Context, jobID int64) {
	interval := secondsOrDefault(d.pipeline.deps.Cfg.Workflow.HeartbeatInterval, 15*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.pipeline.deps.Queue.UpdateHeartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
				d.pipeline.logger.Warn("heartbeat failed",
					logging.Int64(logging.FieldJobID, jobID),
					logging.Error(err))
			}
		}
	}
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) error {
	timeout := secondsOrDefault(d.pipeline.deps.Cfg.Workflow.HeartbeatTimeout, 2*time.Minute)
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-timeout)
			reclaimed, err := d.pipeline.deps.Queue.ReclaimStale(ctx, cutoff, AllQueues()...)
			if err != nil {
				if ctx.Err() == nil {
					d.pipeline.logger.Error("reclaim failed", logging.Error(err))
				}
				continue
			}
			if reclaimed > 0 {
				d.pipeline.logger.Warn("reclaimed stale jobs", logging.Int64("count", reclaimed))
			}
		}
	}
}

func secondsOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
