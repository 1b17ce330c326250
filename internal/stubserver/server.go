// Package stubserver is an in-memory implementation of the sketch generation
// REST API, used for local development and end-to-end tests.
package stubserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basel-ax/sketchgen/internal/domain"
)

const maxUploadSize = 10 << 20

// Options configure the simulated backend
type Options struct {
	// PublicURL prefixes the result URLs handed to clients. When empty it is
	// derived from the status request.
	PublicURL string
	// Steps is the number of status fetches a job spends processing
	Steps int
	// FailWith makes every job end failed with this message
	FailWith string
	Logger   zerolog.Logger
}

type sketch struct {
	contentType string
	data        []byte
}

type job struct {
	id        string
	sketchID  string
	numImages int
	status    domain.JobStatus
	fetches   int
	progress  float64
	results   []string
}

// Server keeps uploaded sketches and simulated jobs in memory
type Server struct {
	opts Options

	mu       sync.Mutex
	sketches map[string]sketch
	jobs     map[string]*job
}

// New creates a stub backend
func New(opts Options) *Server {
	if opts.Steps <= 0 {
		opts.Steps = 1
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	return &Server{
		opts:     opts,
		sketches: make(map[string]sketch),
		jobs:     make(map[string]*job),
	}
}

// Routes returns the API router, to be mounted under the API prefix
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, s.requestLogger)
	r.Post("/upload", s.handleUpload)
	r.Post("/generate", s.handleGenerate)
	r.Get("/status/{generationID}", s.handleStatus)
	r.Get("/results/{generationID}/{index}.png", s.handleResult)
	return r
}

// Handler mounts the API under prefix
func (s *Server) Handler(prefix string) http.Handler {
	r := chi.NewRouter()
	if prefix == "" || prefix == "/" {
		r.Mount("/", s.Routes())
		return r
	}
	r.Mount(prefix, s.Routes())
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.opts.Logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("stub request")
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sketches[id] = sketch{contentType: contentType, data: data}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"sketchId": id})
}

type generateRequest struct {
	SketchID       string   `json:"sketchId"`
	Prompt         string   `json:"prompt"`
	Temperature    *float64 `json:"temperature,omitempty"`
	GuidanceScale  *float64 `json:"guidanceScale,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	IterationSteps *int     `json:"iterationSteps,omitempty"`
	NumImages      *int     `json:"numImages,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	numImages := 1
	if req.NumImages != nil {
		numImages = *req.NumImages
	}
	if numImages < 1 || numImages > domain.MaxNumImages {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("numImages must be between 1 and %d", domain.MaxNumImages))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sketches[req.SketchID]; !ok {
		writeError(w, http.StatusNotFound, "sketch not found")
		return
	}

	id := uuid.NewString()
	s.jobs[id] = &job{
		id:        id,
		sketchID:  req.SketchID,
		numImages: numImages,
		status:    domain.StatusPending,
	}
	writeJSON(w, http.StatusOK, map[string]string{"generationId": id})
}

type statusResponse struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Results  []string `json:"results,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "generationID")

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "generation not found")
		return
	}
	s.advance(j, s.publicURL(r, id))
	resp := statusResponse{ID: j.id, Status: string(j.status)}
	switch j.status {
	case domain.StatusProcessing:
		progress := j.progress
		resp.Progress = &progress
	case domain.StatusCompleted:
		resp.Results = append([]string(nil), j.results...)
	case domain.StatusFailed:
		resp.Error = s.opts.FailWith
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// advance moves a job one step forward. The first fetch sees it pending,
// the next Steps fetches see it processing, then it turns terminal and stays
// there.
func (s *Server) advance(j *job, publicURL string) {
	if j.status.IsTerminal() {
		return
	}
	j.fetches++
	if j.fetches == 1 {
		return
	}

	step := j.fetches - 1
	if step <= s.opts.Steps {
		j.status = domain.StatusProcessing
		j.progress = float64(step*100) / float64(s.opts.Steps+1)
		return
	}

	if s.opts.FailWith != "" {
		j.status = domain.StatusFailed
		return
	}
	j.status = domain.StatusCompleted
	j.progress = 100
	for i := 0; i < j.numImages; i++ {
		j.results = append(j.results, fmt.Sprintf("%s/results/%s/%d.png", publicURL, j.id, i))
	}
}

func (s *Server) publicURL(r *http.Request, id string) string {
	if s.opts.PublicURL != "" {
		return s.opts.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/status/"+id)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "generationID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid result index")
		return
	}

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.status != domain.StatusCompleted || index < 0 || index >= len(j.results) {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	sk := s.sketches[j.sketchID]
	s.mu.Unlock()

	w.Header().Set("Content-Type", sk.contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sk.data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
