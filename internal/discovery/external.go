package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PentesterFlow/OpenGateway/internal/errors"
)

// maxExternalResponse bounds the analysis service's answer.
const maxExternalResponse = 10 * 1024 * 1024

// ExternalConfig configures the external analysis service.
type ExternalConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Endpoint   string        `yaml:"endpoint" json:"endpoint"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
}

// DefaultExternalConfig returns the external analyzer defaults.
func DefaultExternalConfig() ExternalConfig {
	return ExternalConfig{
		Enabled:    false,
		Timeout:    30 * time.Second,
		MaxRetries: errors.DefaultRetryConfig().MaxRetries,
	}
}

// externalRequest is the body posted to the analysis service.
type externalRequest struct {
	SourceRef      string `json:"source_ref"`
	TargetRef      string `json:"target_ref"`
	SourceDocument string `json:"source_document"`
	TargetDocument string `json:"target_document"`
}

// External delegates discovery to an HTTP analysis service. The service
// receives both documents and answers with a Result document.
type External struct {
	config  ExternalConfig
	client  *http.Client
	retrier *errors.Retrier
}

// NewExternal creates an external source.
func NewExternal(config ExternalConfig) *External {
	if config.Timeout <= 0 {
		config.Timeout = DefaultExternalConfig().Timeout
	}
	retry := errors.DefaultRetryConfig()
	retry.MaxRetries = config.MaxRetries
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}

	return &External{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		retrier: errors.NewRetrier(retry),
	}
}

// Name implements Source.
func (e *External) Name() string { return SourceExternal }

// Enabled reports whether the source is switched on and has an endpoint.
func (e *External) Enabled() bool {
	return e != nil && e.config.Enabled && e.config.Endpoint != ""
}

// Discover implements Source. Network failures, timeouts and 5xx/429
// answers are retried with backoff.
func (e *External) Discover(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(externalRequest{
		SourceRef:      req.SourceRef,
		TargetRef:      req.TargetRef,
		SourceDocument: string(req.SourceDocument),
		TargetDocument: string(req.TargetDocument),
	})
	if err != nil {
		return nil, errors.NewInternalError("external_discover", err)
	}

	result, res := errors.DoWithResult(ctx, e.retrier, "external_discover", func(ctx context.Context) (*Result, error) {
		return e.post(ctx, body)
	})
	if !res.Success {
		return nil, res.LastError
	}
	return result, nil
}

func (e *External) post(ctx context.Context, body []byte) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInternalError("external_discover", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, errors.Categorize(err, "external_discover")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxExternalResponse))
	if err != nil {
		return nil, errors.Categorize(err, "external_discover")
	}
	if gwErr := errors.CategorizeHTTPStatus(resp.StatusCode, e.config.Endpoint); gwErr != nil {
		return nil, gwErr
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.New(errors.Internal, "external_discover",
			fmt.Sprintf("invalid analysis response: %v", err), nil)
	}
	result.Source = SourceExternal
	return &result, nil
}
