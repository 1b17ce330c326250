package domain

import "time"

// Queue states of a stored sketch job
const (
	JobReadyToGenerate = "ReadyToGenerate"
	JobGenerate        = "Generate"
	JobCompleted       = "Completed"
	JobFailed          = "Failed"
)

// SketchJob represents a queued sketch generation and its outcome
type SketchJob struct {
	ID           int
	SketchPath   string
	Params       GenerationParams
	Status       string
	GenerationID string
	Results      []string
	Error        string
	CreatedAt    time.Time
}
