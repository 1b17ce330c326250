package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/basel-ax/sketchgen/internal/domain"
)

// FailedFallbackMessage is reported when a failed job carries no message
const FailedFallbackMessage = "Generation failed"

// StatusFetcher returns job snapshots
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (*domain.GenerationJob, error)
}

// PollOptions bound the status polling loop
type PollOptions struct {
	// Interval is the delay after the first non-terminal status
	Interval time.Duration
	// BackoffFactor multiplies the delay after every tick; values below 1 mean fixed
	BackoffFactor float64
	// MaxInterval caps the grown delay; zero means no cap
	MaxInterval time.Duration
	// MaxAttempts caps the number of status fetches; zero means unlimited
	MaxAttempts int
	// Timeout bounds the whole wait; zero means only ctx bounds it
	Timeout time.Duration
}

// DefaultPollOptions polls every second for up to five minutes
func DefaultPollOptions() PollOptions {
	return PollOptions{
		Interval:      time.Second,
		BackoffFactor: 1,
		MaxInterval:   10 * time.Second,
		MaxAttempts:   300,
	}
}

// Poller drives a generation job until it reaches a terminal status
type Poller struct {
	fetcher StatusFetcher
	opts    PollOptions
	logger  zerolog.Logger
}

// NewPoller creates a poller over the given fetcher
func NewPoller(fetcher StatusFetcher, opts PollOptions, logger zerolog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 1
	}
	return &Poller{fetcher: fetcher, opts: opts, logger: logger}
}

// Wait fetches the job status until it is terminal and returns the result
// references. onProgress, when set, receives every progress value the server
// reports, in arrival order. Transport errors are returned unchanged.
func (p *Poller) Wait(ctx context.Context, jobID string, onProgress func(float64)) ([]string, error) {
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	var results []string
	attempt := 0
	operation := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(domain.CancelledError("poll generation", err))
		}

		job, err := p.fetcher.FetchStatus(ctx, jobID)
		if err != nil {
			return backoff.Permanent(err)
		}

		if job.Progress != nil && onProgress != nil {
			onProgress(*job.Progress)
		}

		p.logger.Debug().
			Str("generation_id", jobID).
			Int("attempt", attempt).
			Str("status", string(job.Status)).
			Msg("generation status")

		switch job.Status {
		case domain.StatusCompleted:
			if len(job.Results) == 0 {
				return backoff.Permanent(domain.WorkflowError(jobID, "generation completed without results"))
			}
			results = job.Results
			return nil
		case domain.StatusFailed:
			msg := job.Error
			if msg == "" {
				msg = FailedFallbackMessage
			}
			return backoff.Permanent(domain.WorkflowError(jobID, msg))
		case domain.StatusPending, domain.StatusProcessing:
			return errStillRunning
		default:
			return backoff.Permanent(domain.WorkflowError(jobID, fmt.Sprintf("unknown status: %q", job.Status)))
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(p.schedule(), ctx))
	var domainErr *domain.Error
	switch {
	case err == nil:
		return results, nil
	case errors.Is(err, errStillRunning):
		return nil, domain.WorkflowError(jobID, fmt.Sprintf("max attempts reached waiting for generation (%d)", p.opts.MaxAttempts))
	case errors.As(err, &domainErr):
		return nil, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, domain.CancelledError("poll generation", err)
	}
	return nil, err
}

// errStillRunning asks the retry loop for another status fetch
var errStillRunning = errors.New("generation still running")

// schedule builds the delays between status fetches. Without jitter and with
// a factor of 1 it is a fixed interval.
func (p *Poller) schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.Interval
	b.Multiplier = p.opts.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxInterval = p.opts.MaxInterval
	switch {
	case b.MaxInterval <= 0:
		b.MaxInterval = time.Duration(math.MaxInt64)
	case b.MaxInterval < b.InitialInterval:
		b.MaxInterval = b.InitialInterval
	}
	// the overall bound is the Timeout context, not the elapsed time
	b.MaxElapsedTime = 0
	b.Reset()

	switch {
	case p.opts.MaxAttempts == 1:
		return &backoff.StopBackOff{}
	case p.opts.MaxAttempts > 1:
		return backoff.WithMaxRetries(b, uint64(p.opts.MaxAttempts-1))
	}
	return b
}
