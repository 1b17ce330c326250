package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/basel-ax/sketchgen/internal/domain"
)

// ErrBusy is returned when a generation is already running on the store
var ErrBusy = errors.New("a generation is already in progress")

// Listener is notified with every new session snapshot
type Listener func(domain.Session)

// ImageGenerationService owns the session state of one generation consumer.
// It uploads the sketch, starts the job and polls it, publishing each step
// as a new session snapshot.
type ImageGenerationService struct {
	client domain.SketchGenerator
	poller *Poller
	logger zerolog.Logger

	mu        sync.RWMutex
	session   domain.Session
	running   bool
	listeners []Listener
}

// NewImageGenerationService creates a new image generation service
func NewImageGenerationService(client domain.SketchGenerator, opts PollOptions, logger zerolog.Logger) *ImageGenerationService {
	return &ImageGenerationService{
		client:  client,
		poller:  NewPoller(client, opts, logger),
		logger:  logger,
		session: domain.IdleSession(),
	}
}

// OnChange registers fn to receive every session transition
func (s *ImageGenerationService) OnChange(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns the current session state
func (s *ImageGenerationService) Snapshot() domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// GenerateImages runs upload, start and polling for one sketch. Any previous
// session state is discarded first. The outcome is stored in the session and
// the failure, if any, is also returned. A panic in the generator marks the
// session failed, releases the store and is re-raised.
func (s *ImageGenerationService) GenerateImages(ctx context.Context, asset domain.SketchAsset, params domain.GenerationParams) (err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrBusy
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("sketch generation panicked")
			s.finish(domain.FailedSession(fmt.Errorf("generation panicked: %v", r), s.Snapshot().Progress()))
			panic(r)
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("sketch generation failed")
			s.finish(domain.FailedSession(err, s.Snapshot().Progress()))
		}
	}()

	s.transition(domain.UploadingSession())
	handle, err := s.client.UploadSketch(ctx, asset)
	if err != nil {
		return fmt.Errorf("failed to upload sketch: %w", err)
	}
	s.logger.Info().Str("sketch_id", string(handle)).Msg("sketch uploaded")

	s.transition(domain.StartingSession())
	generationID, err := s.client.StartGeneration(ctx, handle, params)
	if err != nil {
		return fmt.Errorf("failed to start generation: %w", err)
	}
	s.logger.Info().Str("generation_id", generationID).Msg("generation started")

	s.transition(domain.PollingSession(0))
	results, err := s.poller.Wait(ctx, generationID, func(progress float64) {
		s.transition(domain.PollingSession(progress))
	})
	if err != nil {
		return fmt.Errorf("failed to wait for generation: %w", err)
	}

	s.logger.Info().Str("generation_id", generationID).Int("images", len(results)).Msg("generation completed")
	s.finish(domain.CompletedSession(results, s.Snapshot().Progress()))
	return nil
}

// transition publishes an in-flight snapshot
func (s *ImageGenerationService) transition(next domain.Session) {
	s.mu.Lock()
	s.session = next
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}

// finish publishes a terminal snapshot and releases the store. Only the
// running call writes the session, so the progress read before it is current.
func (s *ImageGenerationService) finish(final domain.Session) {
	s.mu.Lock()
	s.session = final
	s.running = false
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(final)
	}
}
