package domain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestJobStatusIsTerminal(t *testing.T) {
	for status, want := range map[JobStatus]bool{
		StatusPending:    false,
		StatusProcessing: false,
		StatusCompleted:  true,
		StatusFailed:     true,
	} {
		if got := status.IsTerminal(); got != want {
			t.Fatalf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
	if JobStatus("queued").Known() {
		t.Fatal("unexpected status reported as known")
	}
}

func TestGenerationParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  GenerationParams
		wantErr bool
	}{
		{name: "prompt only", params: GenerationParams{Prompt: "cat"}},
		{name: "all knobs", params: GenerationParams{Prompt: "cat", Temperature: Ptr(0.65), GuidanceScale: Ptr(0.82), Seed: Ptr(int64(7)), IterationSteps: Ptr(30), NumImages: Ptr(4)}},
		{name: "blank prompt", params: GenerationParams{Prompt: "   "}, wantErr: true},
		{name: "temperature too high", params: GenerationParams{Prompt: "cat", Temperature: Ptr(1.5)}, wantErr: true},
		{name: "guidance too low", params: GenerationParams{Prompt: "cat", GuidanceScale: Ptr(0.0)}, wantErr: true},
		{name: "zero steps", params: GenerationParams{Prompt: "cat", IterationSteps: Ptr(0)}, wantErr: true},
		{name: "too many images", params: GenerationParams{Prompt: "cat", NumImages: Ptr(MaxNumImages + 1)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSketch(t *testing.T) {
	dir := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	path := filepath.Join(dir, "drawing.png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		t.Fatal(err)
	}

	asset, err := LoadSketch(path)
	if err != nil {
		t.Fatalf("LoadSketch error: %v", err)
	}
	if asset.Name != "drawing.png" || asset.ContentType != "image/png" {
		t.Fatalf("unexpected asset: %s %s", asset.Name, asset.ContentType)
	}

	empty := filepath.Join(dir, "empty.png")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSketch(empty); err == nil {
		t.Fatal("expected error for empty sketch")
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")
	transport := TransportError("upload sketch", 0, cause)
	wrapped := fmt.Errorf("failed to upload sketch: %w", transport)

	if !IsKind(wrapped, KindTransport) || IsKind(wrapped, KindWorkflow) {
		t.Fatalf("kind not detected through wrapping")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("cause lost")
	}
	if got := UserMessage(wrapped); got != "upload sketch: connection refused" {
		t.Fatalf("UserMessage = %q", got)
	}

	workflow := fmt.Errorf("failed to wait: %w", WorkflowError("g1", "model timeout"))
	if got := UserMessage(workflow); got != "model timeout" {
		t.Fatalf("UserMessage = %q", got)
	}

	if got := UserMessage(errors.New("")); got != UnknownErrorMessage {
		t.Fatalf("UserMessage of blank error = %q", got)
	}
	if got := UserMessage(nil); got != "" {
		t.Fatalf("UserMessage(nil) = %q", got)
	}
}

func TestSessionVariants(t *testing.T) {
	if s := IdleSession(); s.IsGenerating() || s.ErrorMessage() != "" || len(s.GeneratedImages()) != 0 {
		t.Fatal("idle session should be empty")
	}
	for _, s := range []Session{UploadingSession(), StartingSession(), PollingSession(30)} {
		if !s.IsGenerating() || s.ErrorMessage() != "" || len(s.GeneratedImages()) != 0 {
			t.Fatalf("%s session should be busy with no outcome", s.Phase())
		}
	}
	if p := PollingSession(30).Progress(); p != 30 {
		t.Fatalf("polling progress = %v", p)
	}

	results := []string{"u1"}
	done := CompletedSession(results, 90)
	results[0] = "mutated"
	if done.IsGenerating() || done.GeneratedImages()[0] != "u1" {
		t.Fatalf("completed session not isolated: %+v", done.GeneratedImages())
	}
	if p := done.Progress(); p != 90 {
		t.Fatalf("completed progress = %v, want the last polled 90", p)
	}

	failed := FailedSession(WorkflowError("g1", "model timeout"), 60)
	if failed.IsGenerating() || failed.ErrorMessage() != "model timeout" || len(failed.GeneratedImages()) != 0 {
		t.Fatal("failed session mismatch")
	}
	if p := failed.Progress(); p != 60 {
		t.Fatalf("failed progress = %v, want 60", p)
	}
	if p := UploadingSession().Progress(); p != 0 {
		t.Fatalf("uploading progress = %v", p)
	}
	if FailedSession(nil, 0).ErrorMessage() != UnknownErrorMessage {
		t.Fatal("failed session without error should use the generic message")
	}
}
