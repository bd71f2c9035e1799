// Package tts drives the external speech-synthesis model. Two backends
// implement core.SynthesisGateway: an HTTP inference service and a local
// command-line inference binary.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/speech-broker/internal/core"
	"github.com/book-expert/speech-broker/internal/tts/audio"
)

// API endpoints and paths.
const (
	apiSynthesize = "/v1/synthesize"
	apiHealth     = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
	contentTypeXWAV   = "audio/x-wav"
)

// Error messages.
const (
	errFmtServiceErrorWithCode = "synthesis service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "synthesis service returned non-OK status: %s, body: %s"
	errFmtUnexpectedType       = "%w: expected audio/wav, got %q"
)

var (
	// ErrTextEmpty indicates a request without text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrUnexpectedContentType indicates the service answered with something other than WAV.
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrEmptyAudio indicates the gateway produced no samples.
	ErrEmptyAudio = errors.New("received empty audio data")
)

// HTTPGateway is a client for a standalone inference service.
type HTTPGateway struct {
	httpClient *http.Client
	baseURL    string
}

// ServiceError is the structured error body returned by the inference service.
type ServiceError struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPGateway creates a gateway for the service at baseURL
// (e.g. "http://127.0.0.1:9880"). The timeout bounds each HTTP exchange.
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Synthesize posts req to the service and decodes the WAV it returns.
func (g *HTTPGateway) Synthesize(ctx context.Context, req core.SynthesisRequest) (*core.Synthesis, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		g.baseURL+apiSynthesize,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to send request to synthesis service at %s: %w",
			g.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, g.parseErrorResponse(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get(headerContentType))
	if mediaType != contentTypeWAV && mediaType != contentTypeXWAV {
		return nil, fmt.Errorf(errFmtUnexpectedType, ErrUnexpectedContentType, mediaType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	return decodeSynthesis(audioData)
}

// HealthCheck verifies that the inference service is up.
func (g *HTTPGateway) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(
			"health check failed for service at %s: %w",
			g.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse decodes a structured JSON error, falling back to the raw
// body so diagnostics are never lost.
func (g *HTTPGateway) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var serviceErr ServiceError

	jsonErr := json.Unmarshal(body, &serviceErr)
	if jsonErr == nil && serviceErr.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode,
			resp.Status, serviceErr.Detail, serviceErr.ErrorCode)
	}

	return fmt.Errorf(
		errFmtServiceNonOKStatus,
		resp.Status,
		string(body),
	)
}

func decodeSynthesis(data []byte) (*core.Synthesis, error) {
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}

	sampleRate, samples, err := audio.ReadWAV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode synthesis output: %w", err)
	}

	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}

	return &core.Synthesis{SampleRate: sampleRate, Samples: samples}, nil
}
