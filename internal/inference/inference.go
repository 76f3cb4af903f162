package inference

import (
	"context"
	"errors"
	"fmt"
)

// Prediction is one entry of an image-classification response.
// Label is empty and Score is zero when the remote omitted them.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Request describes a single classification call.
type Request struct {
	Endpoint string
	Token    string
	Image    []byte
}

// Classifier exposes the subset of the inference API used by the diagnosis flow.
type Classifier interface {
	Classify(ctx context.Context, req Request) ([]Prediction, error)
}

var (
	ErrNoEndpoint = errors.New("inference: no endpoint")
	ErrTimeout    = errors.New("inference: request timed out")
	ErrTransport  = errors.New("inference: transport failure")
	ErrDecode     = errors.New("inference: malformed response")
)

// StatusError reports a non-2xx answer from the inference endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("inference: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("inference: unexpected status %d: %s", e.StatusCode, e.Body)
}
