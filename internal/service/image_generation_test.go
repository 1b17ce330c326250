package service

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/basel-ax/sketchgen/internal/domain"
)

var testSketch = domain.SketchAsset{Name: "sketch.png", ContentType: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}}

func testParams() domain.GenerationParams {
	return domain.GenerationParams{
		Prompt:        "a lighthouse at dusk",
		Temperature:   domain.Ptr(0.65),
		GuidanceScale: domain.Ptr(0.82),
		NumImages:     domain.Ptr(4),
	}
}

// recorder keeps every session snapshot a service publishes
type recorder struct {
	mu       sync.Mutex
	sessions []domain.Session
}

func (r *recorder) listen(s domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

// progress skips the Polling(0) snapshot published before the first fetch
func (r *recorder) progress() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, s := range r.sessions {
		if s.Phase() == domain.PhasePolling && s.Progress() != 0 {
			out = append(out, s.Progress())
		}
	}
	return out
}

func TestGenerateImagesSuccess(t *testing.T) {
	fake := &fakeGenerator{
		uploadHandle: "s1",
		generationID: "g1",
		statuses:     []statusReply{processing(40), completed("u1", "u2")},
	}
	svc := NewImageGenerationService(fake, fastPoll(), zerolog.Nop())
	rec := &recorder{}
	svc.OnChange(rec.listen)

	if err := svc.GenerateImages(context.Background(), testSketch, testParams()); err != nil {
		t.Fatalf("GenerateImages error: %v", err)
	}

	if got := rec.progress(); !reflect.DeepEqual(got, []float64{40}) {
		t.Fatalf("progress callbacks = %v, want [40]", got)
	}
	snap := svc.Snapshot()
	if snap.IsGenerating() {
		t.Fatal("session still generating")
	}
	if got := snap.GeneratedImages(); !reflect.DeepEqual(got, []string{"u1", "u2"}) {
		t.Fatalf("generated images = %v", got)
	}
	if snap.ErrorMessage() != "" {
		t.Fatalf("unexpected error: %q", snap.ErrorMessage())
	}
	if fake.startedFor != "s1" {
		t.Fatalf("generation started for %q, want s1", fake.startedFor)
	}
	if fake.params.Prompt != "a lighthouse at dusk" || *fake.params.NumImages != 4 {
		t.Fatalf("params not forwarded: %+v", fake.params)
	}
	if got := fake.callLog(); !reflect.DeepEqual(got, []string{"upload", "start", "status", "status"}) {
		t.Fatalf("call order = %v", got)
	}
}

func TestGenerateImagesPhases(t *testing.T) {
	fake := &fakeGenerator{uploadHandle: "s1", generationID: "g1", statuses: []statusReply{completed("u1")}}
	svc := NewImageGenerationService(fake, fastPoll(), zerolog.Nop())
	rec := &recorder{}
	svc.OnChange(rec.listen)

	if err := svc.GenerateImages(context.Background(), testSketch, testParams()); err != nil {
		t.Fatalf("GenerateImages error: %v", err)
	}

	var phases []domain.Phase
	for _, s := range rec.sessions {
		phases = append(phases, s.Phase())
	}
	want := []domain.Phase{domain.PhaseUploading, domain.PhaseStarting, domain.PhasePolling, domain.PhaseCompleted}
	if !reflect.DeepEqual(phases, want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
}

func TestGenerateImagesFailedJob(t *testing.T) {
	fake := &fakeGenerator{uploadHandle: "s1", generationID: "g1", statuses: []statusReply{failed("model timeout")}}
	svc := NewImageGenerationService(fake, fastPoll(), zerolog.Nop())

	err := svc.GenerateImages(context.Background(), testSketch, testParams())
	if !domain.IsKind(err, domain.KindWorkflow) {
		t.Fatalf("expected workflow error, got %v", err)
	}

	snap := svc.Snapshot()
	if snap.ErrorMessage() != "model timeout" {
		t.Fatalf("error = %q, want %q", snap.ErrorMessage(), "model timeout")
	}
	if len(snap.GeneratedImages()) != 0 {
		t.Fatalf("results should be empty: %v", snap.GeneratedImages())
	}
	if snap.IsGenerating() {
		t.Fatal("session still generating")
	}
}

func TestGenerateImagesKeepsLastProgress(t *testing.T) {
	tests := []struct {
		name     string
		statuses []statusReply
		phase    domain.Phase
		want     float64
	}{
		{name: "failed after 60", statuses: []statusReply{processing(60), failed("model timeout")}, phase: domain.PhaseFailed, want: 60},
		{name: "completed at 90", statuses: []statusReply{completedAt(90, "u1")}, phase: domain.PhaseCompleted, want: 90},
		{name: "completed without progress", statuses: []statusReply{processing(35), completed("u1")}, phase: domain.PhaseCompleted, want: 35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeGenerator{uploadHandle: "s1", generationID: "g1", statuses: tt.statuses}
			svc := NewImageGenerationService(fake, fastPoll(), zerolog.Nop())
			_ = svc.GenerateImages(context.Background(), testSketch, testParams())

			snap := svc.Snapshot()
			if snap.Phase() != tt.phase {
				t.Fatalf("phase = %s, want %s", snap.Phase(), tt.phase)
			}
			if snap.Progress() != tt.want {
				t.Fatalf("progress = %v, want %v", snap.Progress(), tt.want)
			}
		})
	}
}

func TestGenerateImagesFailedJobFallback(t *testing.T) {
	fake := &fakeGenerator{uploadHandle: "s1", generationID: "g1", statuses: []statusReply{failed("")}}
	svc := NewImageGenerationService(fake, fastPoll(), zerolog.Nop())

	_ = svc.GenerateImages(context.Background(), testSketch, testParams())
	if got := svc.Snapshot().ErrorMessage(); got != FailedFallbackMessage {
		t.Fatalf("error = %q, want %q", got, FailedFallbackMessage)
	}
}

func TestGenerateImagesUploadFailure(t *testing.T) {
	uploadErr := domain.TransportError("upload sketch", 0, errors.New("dial tcp: connection refused"))
	fake := &fakeGenerator{uploadErr: uploadErr}
	svc := NewImageGenerationService(fake, fastPoll(), zerolog.Nop())

	err := svc.GenerateImages(context.Background(), testSketch, testParams())
	if !errors.Is(err, uploadErr) {
		t.Fatalf("expected upload error in chain, got %v", err)
	}
	if got := fake.callLog(); !reflect.DeepEqual(got, []string{"upload"}) {
		t.Fatalf("calls after failed upload = %v", got)
	}
	snap := svc.Snapshot()
	if snap.ErrorMessage() != uploadErr.Error() {
		t.Fatalf("error = %q, want %q", snap.ErrorMessage(), uploadErr.Error())
	}
	if snap.IsGenerating() {
		t.Fatal("session still generating")
	}
}

func TestGenerateImagesStartFailure(t *testing.T) {
	fake := &fakeGenerator{uploadHandle: "s1", startErr: domain.TransportError("start generation", 500, errors.New("boom"))}
	svc := NewImageGenerationService(fake, fastPoll(), zerolog.Nop())

	err := svc.GenerateImages(context.Background(), testSketch, testParams())
	if !domain.IsKind(err, domain.KindTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if got := fake.callLog(); !reflect.DeepEqual(got, []string{"upload", "start"}) {
		t.Fatalf("calls = %v", got)
	}
}

func TestGenerateImagesResetsPreviousSession(t *testing.T) {
	fake := &fakeGenerator{
		uploadHandle: "s1",
		generationID: "g1",
		statuses:     []statusReply{processing(70), completed("u1"), processing(10), failed("second run failed")},
	}
	svc := NewImageGenerationService(fake, fastPoll(), zerolog.Nop())

	if err := svc.GenerateImages(context.Background(), testSketch, testParams()); err != nil {
		t.Fatalf("first run error: %v", err)
	}

	var first *domain.Session
	svc.OnChange(func(s domain.Session) {
		if first == nil {
			first = &s
		}
	})
	_ = svc.GenerateImages(context.Background(), testSketch, testParams())

	if first == nil {
		t.Fatal("second run published no state")
	}
	if !first.IsGenerating() || first.Progress() != 0 || len(first.GeneratedImages()) != 0 || first.ErrorMessage() != "" {
		t.Fatalf("second run did not start from a clean session: phase=%s progress=%v images=%v err=%q",
			first.Phase(), first.Progress(), first.GeneratedImages(), first.ErrorMessage())
	}
	if got := svc.Snapshot().ErrorMessage(); got != "second run failed" {
		t.Fatalf("error = %q", got)
	}
	if len(svc.Snapshot().GeneratedImages()) != 0 {
		t.Fatal("results of the first run leaked into the second")
	}
}

func TestGenerateImagesRejectsConcurrentRun(t *testing.T) {
	block := make(chan struct{})
	fake := &blockingGenerator{fakeGenerator: fakeGenerator{uploadHandle: "s1", generationID: "g1", statuses: []statusReply{completed("u1")}}, release: block}
	svc := NewImageGenerationService(fake, fastPoll(), zerolog.Nop())

	started := make(chan struct{})
	svc.OnChange(func(s domain.Session) {
		if s.Phase() == domain.PhaseUploading {
			close(started)
		}
	})

	done := make(chan error, 1)
	go func() { done <- svc.GenerateImages(context.Background(), testSketch, testParams()) }()
	<-started

	if err := svc.GenerateImages(context.Background(), testSketch, testParams()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(block)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not finish")
	}
}

func TestGenerateImagesCancelled(t *testing.T) {
	fake := &fakeGenerator{uploadHandle: "s1", generationID: "g1", statuses: []statusReply{processing(5), processing(6)}}
	svc := NewImageGenerationService(fake, PollOptions{Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	svc.OnChange(func(s domain.Session) {
		if s.Phase() == domain.PhasePolling && s.Progress() == 5 {
			cancel()
		}
	})

	err := svc.GenerateImages(ctx, testSketch, testParams())
	if !domain.IsKind(err, domain.KindCancelled) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if svc.Snapshot().IsGenerating() {
		t.Fatal("session still generating after cancellation")
	}
}

func TestGenerateImagesPanicReleasesStore(t *testing.T) {
	// a nil job with a nil error makes the poller dereference nil
	fake := &fakeGenerator{uploadHandle: "s1", generationID: "g1", statuses: []statusReply{{}, completed("u1")}}
	svc := NewImageGenerationService(fake, fastPoll(), zerolog.Nop())

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected the panic to propagate")
			}
		}()
		_ = svc.GenerateImages(context.Background(), testSketch, testParams())
	}()

	snap := svc.Snapshot()
	if snap.IsGenerating() || snap.Phase() != domain.PhaseFailed {
		t.Fatalf("session after panic: phase=%s", snap.Phase())
	}
	if err := svc.GenerateImages(context.Background(), testSketch, testParams()); err != nil {
		t.Fatalf("store not released after panic: %v", err)
	}
}

// blockingGenerator holds the upload until release is closed
type blockingGenerator struct {
	fakeGenerator
	release chan struct{}
}

func (b *blockingGenerator) UploadSketch(ctx context.Context, asset domain.SketchAsset) (domain.SketchHandle, error) {
	<-b.release
	return b.fakeGenerator.UploadSketch(ctx, asset)
}
