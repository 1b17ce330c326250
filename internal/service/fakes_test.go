package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/basel-ax/sketchgen/internal/domain"
)

// fakeGenerator replays scripted responses and records every call
type fakeGenerator struct {
	mu sync.Mutex

	uploadHandle domain.SketchHandle
	uploadErr    error
	generationID string
	startErr     error
	statuses     []statusReply

	calls      []string
	startedFor domain.SketchHandle
	params     domain.GenerationParams
	fetches    int
}

type statusReply struct {
	job *domain.GenerationJob
	err error
}

func (f *fakeGenerator) UploadSketch(ctx context.Context, asset domain.SketchAsset) (domain.SketchHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "upload")
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return f.uploadHandle, nil
}

func (f *fakeGenerator) StartGeneration(ctx context.Context, handle domain.SketchHandle, params domain.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	f.startedFor = handle
	f.params = params
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.generationID, nil
}

func (f *fakeGenerator) FetchStatus(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "status")
	if f.fetches >= len(f.statuses) {
		return nil, errors.New("no more scripted statuses")
	}
	reply := f.statuses[f.fetches]
	f.fetches++
	return reply.job, reply.err
}

func (f *fakeGenerator) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func processing(progress float64) statusReply {
	return statusReply{job: &domain.GenerationJob{ID: "g1", Status: domain.StatusProcessing, Progress: domain.Ptr(progress)}}
}

func completed(results ...string) statusReply {
	return statusReply{job: &domain.GenerationJob{ID: "g1", Status: domain.StatusCompleted, Results: results}}
}

func completedAt(progress float64, results ...string) statusReply {
	reply := completed(results...)
	reply.job.Progress = domain.Ptr(progress)
	return reply
}

func failed(message string) statusReply {
	return statusReply{job: &domain.GenerationJob{ID: "g1", Status: domain.StatusFailed, Error: message}}
}

func fastPoll() PollOptions {
	return PollOptions{Interval: time.Millisecond, BackoffFactor: 1, MaxAttempts: 50}
}
