// Package faceapi is an HTTP client for the external face-recognition
// service. Matching happens entirely on the service side.
package faceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/campusgate/attendance-portal/internal/faceapi"

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("face api %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Client talks to the face-recognition service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type faceRequest struct {
	IdentityID string `json:"identity_id"`
	// Image is base64 encoded on the wire.
	Image []byte `json:"image"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

type enrollResponse struct {
	Enrolled bool `json:"enrolled"`
}

// Verify asks whether image matches the template enrolled for identityID.
func (c *Client) Verify(ctx context.Context, identityID string, image []byte) (bool, error) {
	var out verifyResponse
	if err := c.post(ctx, "verify", identityID, image, &out); err != nil {
		return false, err
	}
	return out.Verified, nil
}

// Enroll registers image as the template of identityID.
func (c *Client) Enroll(ctx context.Context, identityID string, image []byte) (bool, error) {
	var out enrollResponse
	if err := c.post(ctx, "enroll", identityID, image, &out); err != nil {
		return false, err
	}
	return out.Enrolled, nil
}

func (c *Client) post(ctx context.Context, op, identityID string, image []byte, out any) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "faceapi."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("face.identity_id", identityID),
			attribute.Int("face.image_bytes", len(image)),
		),
	)
	defer span.End()

	body, err := json.Marshal(faceRequest{IdentityID: identityID, Image: image})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.logger.Warn("face api request failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("face api %s: %w", op, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("face api call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.SetStatus(codes.Error, "decode failed")
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// HealthCheck pings the service.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}
