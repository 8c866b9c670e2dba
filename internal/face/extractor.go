package face

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"
)

// LivenessResult is the anti-spoof verdict from the face service.
type LivenessResult struct {
	IsLive     bool
	Confidence float64
	Reason     string
}

// Extractor calls the face embedding microservice. The service detects at
// most the single most prominent face per image and returns its descriptor.
type Extractor struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool

	mu      sync.Mutex
	loaded  bool
	loadErr error
	pending chan struct{}
}

// NewExtractor creates a client with a generous timeout; embedding a frame
// can take a few seconds on cold models.
func NewExtractor(baseURL string, skip bool) *Extractor {
	return &Extractor{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Warmup makes sure the service has its model weights loaded. The first
// caller triggers the load; concurrent callers await the same in-flight
// attempt instead of starting duplicates. A failed load is reported to
// every waiter and may be retried by a later call.
func (e *Extractor) Warmup(ctx context.Context) error {
	if e.Skip {
		return nil
	}

	e.mu.Lock()
	if e.loaded {
		e.mu.Unlock()
		return nil
	}
	if e.pending != nil {
		ch := e.pending
		e.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.loaded {
			return nil
		}
		return e.loadErr
	}
	ch := make(chan struct{})
	e.pending = ch
	e.mu.Unlock()

	err := e.probeReady(ctx)

	e.mu.Lock()
	if err != nil {
		e.loadErr = fmt.Errorf("%w: source %s: %v", ErrModelLoad, e.BaseURL, err)
	} else {
		e.loaded = true
		e.loadErr = nil
	}
	e.pending = nil
	out := e.loadErr
	e.mu.Unlock()
	close(ch)
	return out
}

func (e *Extractor) probeReady(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

// Extract sends a JPEG frame and returns the embedding of the most
// prominent face, or ErrNoFaceDetected when the service finds none.
// Multi-face frames are not an error here; explicit multi-face rejection
// is the liveness check's job.
func (e *Extractor) Extract(ctx context.Context, image []byte) ([]float64, error) {
	if e.Skip {
		return []float64{0.1, 0.2, 0.3}, nil
	}
	if err := e.Warmup(ctx); err != nil {
		return nil, err
	}

	body, err := e.postImage(ctx, "/embed", image)
	if err != nil {
		return nil, err
	}

	var out struct {
		Embedding     []float64 `json:"embedding"`
		FacesDetected int       `json:"faces_detected"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.FacesDetected == 0 || len(out.Embedding) == 0 {
		return nil, ErrNoFaceDetected
	}
	return out.Embedding, nil
}

// Liveness asks the service whether the frame shows exactly one real,
// unobstructed, sharp human face.
func (e *Extractor) Liveness(ctx context.Context, image []byte) (*LivenessResult, error) {
	if e.Skip {
		return &LivenessResult{IsLive: true, Confidence: 0.9}, nil
	}

	body, err := e.postImage(ctx, "/liveness", image)
	if err != nil {
		return nil, err
	}

	var out struct {
		IsLive     bool    `json:"is_live"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &LivenessResult{IsLive: out.IsLive, Confidence: out.Confidence, Reason: out.Reason}, nil
}

// Health checks if the face service is reachable.
func (e *Extractor) Health(ctx context.Context) error {
	if e.Skip {
		return nil
	}
	return e.probeReady(ctx)
}

func (e *Extractor) postImage(ctx context.Context, endpoint string, image []byte) ([]byte, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "capture.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file failed: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write image failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(body))
	}
	return body, nil
}
