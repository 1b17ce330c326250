package sketchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/basel-ax/sketchgen/internal/domain"
)

const (
	defaultBaseURL = "http://localhost:8080/api"
	defaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of a failed response ends up in the error
	maxErrorBody = 4 << 10
)

// Options configure the sketch API client
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     zerolog.Logger
}

// Client talks to the sketch generation REST API
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     zerolog.Logger
}

var _ domain.SketchGenerator = (*Client)(nil)

// NewClient creates a new sketch API client
func NewClient(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.Token),
		logger:     opts.Logger,
	}
}

type uploadResponse struct {
	SketchID string `json:"sketchId"`
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

type generateResponse struct {
	GenerationID string `json:"generationId"`
}

type statusResponse struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Results  []string `json:"results,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// UploadSketch sends the sketch as multipart form data and returns its handle
func (c *Client) UploadSketch(ctx context.Context, asset domain.SketchAsset) (domain.SketchHandle, error) {
	const op = "upload sketch"

	name := asset.Name
	if name == "" {
		name = "sketch.png"
	}
	contentType := asset.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", domain.TransportError(op, 0, fmt.Errorf("failed to create form part: %w", err))
	}
	if _, err := part.Write(asset.Data); err != nil {
		return "", domain.TransportError(op, 0, fmt.Errorf("failed to write sketch: %w", err))
	}
	if err := writer.Close(); err != nil {
		return "", domain.TransportError(op, 0, fmt.Errorf("failed to close writer: %w", err))
	}

	var result uploadResponse
	if err := c.do(ctx, op, http.MethodPost, "/upload", writer.FormDataContentType(), body, &result); err != nil {
		return "", err
	}
	if result.SketchID == "" {
		return "", domain.TransportError(op, http.StatusOK, errors.New("response is missing sketchId"))
	}

	return domain.SketchHandle(result.SketchID), nil
}

// StartGeneration starts a generation job for an uploaded sketch
func (c *Client) StartGeneration(ctx context.Context, handle domain.SketchHandle, params domain.GenerationParams) (string, error) {
	const op = "start generation"

	payload, err := json.Marshal(generateRequest{
		SketchID:       string(handle),
		Prompt:         params.Prompt,
		Temperature:    params.Temperature,
		GuidanceScale:  params.GuidanceScale,
		Seed:           params.Seed,
		IterationSteps: params.IterationSteps,
		NumImages:      params.NumImages,
	})
	if err != nil {
		return "", domain.TransportError(op, 0, fmt.Errorf("failed to marshal params: %w", err))
	}

	var result generateResponse
	if err := c.do(ctx, op, http.MethodPost, "/generate", "application/json", bytes.NewReader(payload), &result); err != nil {
		return "", err
	}
	if result.GenerationID == "" {
		return "", domain.TransportError(op, http.StatusOK, errors.New("response is missing generationId"))
	}

	return result.GenerationID, nil
}

// FetchStatus returns the current snapshot of a generation job
func (c *Client) FetchStatus(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	const op = "fetch status"

	var result statusResponse
	if err := c.do(ctx, op, http.MethodGet, "/status/"+url.PathEscape(jobID), "", nil, &result); err != nil {
		return nil, err
	}

	id := result.ID
	if id == "" {
		id = jobID
	}
	return &domain.GenerationJob{
		ID:       id,
		Status:   domain.JobStatus(result.Status),
		Progress: result.Progress,
		Results:  result.Results,
		Error:    result.Error,
	}, nil
}

// do sends one request and decodes a JSON body into out. Every failure is
// reported as a transport error; there is no retry.
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return domain.TransportError(op, 0, fmt.Errorf("failed to create request: %w", err))
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.CancelledError(op, ctxErr)
		}
		return domain.TransportError(op, 0, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("op", op).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("sketch api call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.TransportError(op, resp.StatusCode,
			fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.TransportError(op, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
