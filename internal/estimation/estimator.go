package estimation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrEstimationFailed wraps every oracle failure: transport errors, timeouts,
// non-2xx responses, and malformed payloads. Callers revert the project to
// draft; retries, if any, are theirs.
var ErrEstimationFailed = errors.New("estimation failed")

const defaultTimeout = 30 * time.Second

// ProjectSummary is what the oracle sees: enough to guess a price, nothing
// more.
type ProjectSummary struct {
	ProjectID   uuid.UUID `json:"project_id"`
	Title       string    `json:"title"`
	RequestText string    `json:"request_text"`
}

// Estimate is the oracle's cost/duration guess. Cost is in dollars; the
// workflow converts to credits when money actually moves.
type Estimate struct {
	Cost          float64         `json:"cost"`
	DurationHours int             `json:"duration_hours"`
	Breakdown     json.RawMessage `json:"breakdown,omitempty"`
	Assumptions   []string        `json:"assumptions,omitempty"`
}

// Estimator produces a cost/duration guess for a project.
type Estimator interface {
	Estimate(ctx context.Context, summary ProjectSummary) (*Estimate, error)
}

// responseSchema rejects oracle replies that are structurally unusable before
// they reach the workflow.
const responseSchema = `{
	"type": "object",
	"required": ["cost", "duration_hours"],
	"properties": {
		"cost": {"type": "number", "exclusiveMinimum": 0},
		"duration_hours": {"type": "integer", "minimum": 0},
		"breakdown": {"type": "object"},
		"assumptions": {"type": "array", "items": {"type": "string"}}
	}
}`

// HTTPEstimator calls the external estimation oracle over HTTP with a bounded
// timeout. The response body is validated against responseSchema.
type HTTPEstimator struct {
	Endpoint string
	APIKey   string
	Client   *http.Client

	schema *jsonschema.Schema
}

// NewHTTPEstimator returns an HTTPEstimator. A zero timeout uses the default.
func NewHTTPEstimator(endpoint, apiKey string, timeout time.Duration) (*HTTPEstimator, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	schema, err := jsonschema.CompileString("estimate.response", responseSchema)
	if err != nil {
		return nil, fmt.Errorf("compile estimate response schema: %w", err)
	}
	return &HTTPEstimator{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
		schema:   schema,
	}, nil
}

var _ Estimator = (*HTTPEstimator)(nil)

// Estimate posts the project summary to the oracle and parses the reply.
func (e *HTTPEstimator) Estimate(ctx context.Context, summary ProjectSummary) (*Estimate, error) {
	body, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal summary: %v", ErrEstimationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrEstimationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEstimationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: oracle returned status %d", ErrEstimationFailed, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrEstimationFailed, err)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrEstimationFailed, err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: response schema: %v", ErrEstimationFailed, err)
	}

	var est Estimate
	if err := json.Unmarshal(raw, &est); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEstimationFailed, err)
	}
	return &est, nil
}
