package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/basel-ax/sketchgen/internal/domain"
	"github.com/basel-ax/sketchgen/internal/repository"
)

const defaultBatchSize = 10

// outcomeWriteTimeout bounds the write that records a job outcome. The write
// runs even when the run context is already done.
const outcomeWriteTimeout = 5 * time.Second

// BatchRunner generates images for queued sketch jobs
type BatchRunner struct {
	repo      repository.SketchJobRepository
	client    domain.SketchGenerator
	opts      PollOptions
	batchSize int
	logger    zerolog.Logger
}

// NewBatchRunner creates a runner processing up to batchSize jobs per run
func NewBatchRunner(repo repository.SketchJobRepository, client domain.SketchGenerator, opts PollOptions, batchSize int, logger zerolog.Logger) *BatchRunner {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &BatchRunner{
		repo:      repo,
		client:    client,
		opts:      opts,
		batchSize: batchSize,
		logger:    logger,
	}
}

// RunOnce processes the jobs that are ready, one after another. A failing job
// is recorded as failed and does not stop the batch; only repository errors
// abort the run. When ctx ends mid-job the job goes back to ReadyToGenerate
// and the run stops with the context error.
func (b *BatchRunner) RunOnce(ctx context.Context) (int, error) {
	jobs, err := b.repo.GetAllReadyToGenerate(ctx, b.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get ready jobs: %w", err)
	}

	processed := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := b.process(ctx, job); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (b *BatchRunner) process(ctx context.Context, job domain.SketchJob) error {
	log := b.logger.With().Int("job_id", job.ID).Str("sketch", job.SketchPath).Logger()

	if err := b.repo.UpdateStatus(ctx, job.ID, domain.JobGenerate); err != nil {
		return fmt.Errorf("failed to update status for job %d: %w", job.ID, err)
	}

	asset, err := domain.LoadSketch(job.SketchPath)
	if err != nil {
		log.Warn().Err(err).Msg("sketch unreadable")
		return b.saveError(ctx, job.ID, domain.UserMessage(err))
	}

	client := &recordingClient{SketchGenerator: b.client, repo: b.repo, jobID: job.ID}
	svc := NewImageGenerationService(client, b.opts, log)
	svc.OnChange(func(s domain.Session) {
		if s.Phase() == domain.PhasePolling {
			log.Debug().Float64("progress", s.Progress()).Msg("generation progress")
		}
	})

	if err := svc.GenerateImages(ctx, asset, job.Params); err != nil {
		if cause := ctx.Err(); cause != nil {
			log.Warn().Err(cause).Msg("job interrupted, returning it to the queue")
			return b.requeue(ctx, job.ID, cause)
		}
		return b.saveError(ctx, job.ID, svc.Snapshot().ErrorMessage())
	}

	results := svc.Snapshot().GeneratedImages()
	wctx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := b.repo.SaveResults(wctx, job.ID, results); err != nil {
		return fmt.Errorf("failed to save results for job %d: %w", job.ID, err)
	}
	log.Info().Int("images", len(results)).Msg("job completed")
	return nil
}

func (b *BatchRunner) saveError(ctx context.Context, id int, message string) error {
	wctx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := b.repo.SaveError(wctx, id, message); err != nil {
		return fmt.Errorf("failed to save error for job %d: %w", id, err)
	}
	return nil
}

func (b *BatchRunner) requeue(ctx context.Context, id int, cause error) error {
	wctx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := b.repo.UpdateStatus(wctx, id, domain.JobReadyToGenerate); err != nil {
		return fmt.Errorf("failed to requeue job %d: %w", id, err)
	}
	return fmt.Errorf("job %d interrupted: %w", id, cause)
}

func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
}

// recordingClient stores the generation id of a job as soon as it is known
type recordingClient struct {
	domain.SketchGenerator
	repo  repository.SketchJobRepository
	jobID int
}

func (c *recordingClient) StartGeneration(ctx context.Context, handle domain.SketchHandle, params domain.GenerationParams) (string, error) {
	id, err := c.SketchGenerator.StartGeneration(ctx, handle, params)
	if err != nil {
		return "", err
	}
	if err := c.repo.UpdateGenerationID(ctx, c.jobID, id); err != nil {
		return "", fmt.Errorf("failed to record generation id: %w", err)
	}
	return id, nil
}
