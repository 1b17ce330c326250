package domain

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// SketchAsset is the raw image drawn by the user, ready to be uploaded
type SketchAsset struct {
	Name        string
	ContentType string
	Data        []byte
}

// SketchHandle identifies an uploaded sketch on the server
type SketchHandle string

// LoadSketch reads a sketch from disk and sniffs its content type
func LoadSketch(path string) (SketchAsset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SketchAsset{}, fmt.Errorf("failed to read sketch: %w", err)
	}
	if len(data) == 0 {
		return SketchAsset{}, fmt.Errorf("sketch %s is empty", path)
	}

	return SketchAsset{
		Name:        filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}, nil
}

// GenerationParams represents the parameters for a sketch generation.
// Optional knobs are left nil when the server default should apply.
type GenerationParams struct {
	Prompt         string
	Temperature    *float64
	GuidanceScale  *float64
	Seed           *int64
	IterationSteps *int
	NumImages      *int
}

// Ranges offered by the drawing UI controls.
const (
	MinTemperature   = 0.1
	MaxTemperature   = 1.0
	MinGuidanceScale = 0.1
	MaxGuidanceScale = 2.0
	MaxNumImages     = 8
)

// Validate checks the params the way the drawing controls constrain them.
// The transport layer does not call it.
func (p GenerationParams) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if p.Temperature != nil && (*p.Temperature < MinTemperature || *p.Temperature > MaxTemperature) {
		return fmt.Errorf("temperature must be between %.1f and %.1f", MinTemperature, MaxTemperature)
	}
	if p.GuidanceScale != nil && (*p.GuidanceScale < MinGuidanceScale || *p.GuidanceScale > MaxGuidanceScale) {
		return fmt.Errorf("guidance scale must be between %.1f and %.1f", MinGuidanceScale, MaxGuidanceScale)
	}
	if p.IterationSteps != nil && *p.IterationSteps < 1 {
		return fmt.Errorf("iteration steps must be positive")
	}
	if p.NumImages != nil && (*p.NumImages < 1 || *p.NumImages > MaxNumImages) {
		return fmt.Errorf("number of images must be between 1 and %d", MaxNumImages)
	}
	return nil
}

// Ptr returns a pointer to v, handy for filling optional params
func Ptr[T any](v T) *T {
	return &v
}

// JobStatus is the server-side state of a generation job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition can happen
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Known reports whether s is one of the statuses the server may return
func (s JobStatus) Known() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// GenerationJob is a snapshot of a generation job as reported by the server
type GenerationJob struct {
	ID       string
	Status   JobStatus
	Progress *float64
	Results  []string
	Error    string
}

// SketchGenerator is the transport contract the workflow depends on
type SketchGenerator interface {
	// UploadSketch sends the sketch and returns the server handle for it
	UploadSketch(ctx context.Context, asset SketchAsset) (SketchHandle, error)

	// StartGeneration starts a job for an uploaded sketch and returns its id
	StartGeneration(ctx context.Context, handle SketchHandle, params GenerationParams) (string, error)

	// FetchStatus returns the current job snapshot
	FetchStatus(ctx context.Context, jobID string) (*GenerationJob, error)
}
