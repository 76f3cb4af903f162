package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/lens/internal/logging"
)

// DefaultTimeout bounds a single classification call.
const DefaultTimeout = 20 * time.Second

const (
	maxResponseBytes = 1 << 20
	maxErrorBody     = 256
)

// HTTPClient calls hosted inference endpoints with a bearer token.
type HTTPClient struct {
	httpc  *http.Client
	logger *zap.Logger
}

// NewHTTPClient builds a client whose calls are bounded by timeout.
func NewHTTPClient(timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		httpc:  &http.Client{Timeout: timeout},
		logger: logger.Named("inference"),
	}
}

// Classify posts the image bytes to req.Endpoint and decodes the predictions.
// Valid JSON that is not an array yields no predictions and no error.
func (c *HTTPClient) Classify(ctx context.Context, req Request) ([]Prediction, error) {
	if req.Endpoint == "" {
		return nil, ErrNoEndpoint
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(req.Image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("Content-Type", "image/jpeg")
	httpReq.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		kind := ErrTransport
		if isTimeout(err) {
			kind = ErrTimeout
		}
		wrapped := logging.NewOperationError("inference.classify", "", fmt.Errorf("%w: %v", kind, err))
		c.logger.Warn("inference call failed", logging.ErrorField(wrapped), zap.String("endpoint", req.Endpoint))
		return nil, wrapped
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		kind := ErrTransport
		if isTimeout(err) {
			kind = ErrTimeout
		}
		return nil, logging.NewOperationError("inference.read_body", "", fmt.Errorf("%w: %v", kind, err))
	}

	c.logger.Debug("inference call finished",
		zap.String("endpoint", req.Endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}

	return decodePredictions(body)
}

func decodePredictions(body []byte) ([]Prediction, error) {
	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	items, ok := payload.([]interface{})
	if !ok {
		return nil, nil
	}

	predictions := make([]Prediction, 0, len(items))
	for _, item := range items {
		var p Prediction
		if fields, ok := item.(map[string]interface{}); ok {
			if label, ok := fields["label"].(string); ok {
				p.Label = label
			}
			if score, ok := fields["score"].(float64); ok {
				p.Score = score
			}
		}
		predictions = append(predictions, p)
	}
	return predictions, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
