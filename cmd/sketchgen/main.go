package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/basel-ax/sketchgen/internal/config"
	"github.com/basel-ax/sketchgen/internal/domain"
	"github.com/basel-ax/sketchgen/internal/infrastructure/sketchapi"
	"github.com/basel-ax/sketchgen/internal/logging"
	"github.com/basel-ax/sketchgen/internal/repository"
	"github.com/basel-ax/sketchgen/internal/service"
)

// paramFlags holds the generation parameters read from the command line
type paramFlags struct {
	prompt         string
	temperature    float64
	guidanceScale  float64
	seed           int64
	iterationSteps int
	numImages      int
}

func (p paramFlags) params(set map[string]bool) domain.GenerationParams {
	params := domain.GenerationParams{Prompt: p.prompt}
	if set["temperature"] {
		params.Temperature = domain.Ptr(p.temperature)
	}
	if set["guidance"] {
		params.GuidanceScale = domain.Ptr(p.guidanceScale)
	}
	if set["seed"] {
		params.Seed = domain.Ptr(p.seed)
	}
	if set["steps"] {
		params.IterationSteps = domain.Ptr(p.iterationSteps)
	}
	if set["images"] {
		params.NumImages = domain.Ptr(p.numImages)
	}
	return params
}

func main() {
	var pf paramFlags
	sketchPath := flag.String("sketch", "", "Path to the sketch image (PNG or JPEG)")
	flag.StringVar(&pf.prompt, "prompt", "", "Describe what you want to generate")
	flag.Float64Var(&pf.temperature, "temperature", 0.65, "Sampling temperature (0.1-1.0)")
	flag.Float64Var(&pf.guidanceScale, "guidance", 0.82, "Guidance scale (0.1-2.0)")
	flag.Int64Var(&pf.seed, "seed", 0, "Random seed")
	flag.IntVar(&pf.iterationSteps, "steps", 0, "Iteration steps")
	flag.IntVar(&pf.numImages, "images", 4, "Number of images to generate")
	enqueue := flag.Bool("enqueue", false, "Queue the sketch in the database instead of generating now")
	runQueue := flag.Bool("queue", false, "Process queued sketches once")
	runCron := flag.Bool("cron", false, "Process queued sketches on SKETCH_CRON_SCHEDULE")
	flag.Parse()

	// temperature, guidance and images always carry the drawing UI defaults;
	// seed and steps are forwarded only when given on the command line
	set := map[string]bool{"temperature": true, "guidance": true, "images": true}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	params := pf.params(set)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := sketchapi.NewClient(sketchapi.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
	})
	pollOpts := service.PollOptions{
		Interval:      cfg.Poll.Interval,
		BackoffFactor: cfg.Poll.BackoffFactor,
		MaxInterval:   cfg.Poll.MaxInterval,
		MaxAttempts:   cfg.Poll.MaxAttempts,
		Timeout:       cfg.Poll.Timeout,
	}

	switch {
	case *enqueue, *runQueue, *runCron:
		err = runDatabaseMode(ctx, cfg, logger, client, pollOpts, *sketchPath, params, *enqueue, *runCron)
	default:
		err = generateOnce(ctx, logger, client, pollOpts, *sketchPath, params)
	}
	if err != nil {
		logger.Error().Err(err).Msg("sketchgen failed")
		stop()
		os.Exit(1)
	}
}

func generateOnce(ctx context.Context, logger zerolog.Logger, client domain.SketchGenerator, opts service.PollOptions, sketchPath string, params domain.GenerationParams) error {
	if sketchPath == "" {
		return errors.New("-sketch is required")
	}
	if err := params.Validate(); err != nil {
		return err
	}
	asset, err := domain.LoadSketch(sketchPath)
	if err != nil {
		return err
	}

	svc := service.NewImageGenerationService(client, opts, logger)
	svc.OnChange(func(s domain.Session) {
		switch s.Phase() {
		case domain.PhasePolling:
			fmt.Printf("\rGenerating (%.0f%%)", s.Progress())
		case domain.PhaseCompleted, domain.PhaseFailed:
			fmt.Println()
		default:
			logger.Debug().Str("phase", s.Phase().String()).Msg("session")
		}
	})

	if err := svc.GenerateImages(ctx, asset, params); err != nil {
		return errors.New(svc.Snapshot().ErrorMessage())
	}

	for i, url := range svc.Snapshot().GeneratedImages() {
		fmt.Printf("Generated image %d: %s\n", i+1, url)
	}
	return nil
}

func runDatabaseMode(ctx context.Context, cfg *config.Config, logger zerolog.Logger, client domain.SketchGenerator, opts service.PollOptions, sketchPath string, params domain.GenerationParams, enqueue, scheduled bool) error {
	if err := cfg.ValidateDB(); err != nil {
		return err
	}

	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	repo := repository.NewPostgresSketchJobRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}

	if enqueue {
		if sketchPath == "" {
			return errors.New("-sketch is required")
		}
		if err := params.Validate(); err != nil {
			return err
		}
		if _, err := domain.LoadSketch(sketchPath); err != nil {
			return err
		}
		id, err := repo.Enqueue(ctx, sketchPath, params)
		if err != nil {
			return fmt.Errorf("failed to enqueue sketch: %w", err)
		}
		logger.Info().Int("job_id", id).Str("sketch", sketchPath).Msg("sketch queued")
		return nil
	}

	runner := service.NewBatchRunner(repo, client, opts, cfg.BatchSize, logger)
	if !scheduled {
		n, err := runner.RunOnce(ctx)
		logger.Info().Int("processed", n).Msg("queue run finished")
		return err
	}
	return startCron(ctx, cfg.CronSchedule, runner, logger)
}

func startCron(ctx context.Context, schedule string, runner *service.BatchRunner, logger zerolog.Logger) error {
	c := cron.New(cron.WithSeconds())

	var cronMutex sync.Mutex
	_, err := c.AddFunc(schedule, func() {
		if !cronMutex.TryLock() {
			logger.Info().Msg("[CRON] previous queue run still active, skipping")
			return
		}
		defer cronMutex.Unlock()

		n, err := runner.RunOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("[CRON] queue run failed")
			return
		}
		logger.Info().Int("processed", n).Msg("[CRON] queue run finished")
	})
	if err != nil {
		return fmt.Errorf("error scheduling queue run: %w", err)
	}

	c.Start()
	logger.Info().Str("schedule", schedule).Msg("cron scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info().Msg("cron scheduler stopped")
	return nil
}
