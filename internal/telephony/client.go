package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"dialer-platform/internal/config"
)

// CarrierClient is the outbound call-control boundary.
//
// Rules:
//   - No carrier HTTP calls outside this package.
//   - Request/response types stay carrier-agnostic; raw payloads go to the
//     audit trail, not into business types.
type CarrierClient interface {
	Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error)
	Hangup(ctx context.Context, carrierCallID string) error
	HealthCheck(ctx context.Context) error
}

type OriginateRequest struct {
	From string `json:"from"`
	To   string `json:"to"`

	// ClientRef is our call id, echoed back by the carrier for correlation.
	ClientRef string `json:"client_ref"`
}

type OriginateResult struct {
	// CarrierCallID identifies the call at the carrier from now on.
	CarrierCallID string `json:"call_id"`
}

// CarrierError classifies a failed carrier API request. Retryable failures
// (rate limits, carrier 5xx, transport errors) are eligible for the retry
// coordinator; permanent failures exhaust the target instead.
type CarrierError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *CarrierError) Error() string {
	return fmt.Sprintf("carrier: %s (code=%s status=%d retryable=%t)", e.Message, e.Code, e.StatusCode, e.Retryable)
}

// IsRetryable reports whether err is a carrier failure worth retrying.
// Unknown errors count as retryable: transport-level failures carry no
// carrier verdict.
func IsRetryable(err error) bool {
	var ce *CarrierError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return err != nil
}

// HTTPClient talks to the carrier's REST API.
type HTTPClient struct {
	cfg  config.CarrierConfig
	http *http.Client
}

func NewHTTPClient(cfg config.CarrierConfig) *HTTPClient {
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

func (c *HTTPClient) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	if req.From == "" || req.To == "" {
		return OriginateResult{}, &CarrierError{Code: "invalid_request", Message: "from and to are required", Retryable: false}
	}
	var out OriginateResult
	path := fmt.Sprintf("/v1/accounts/%s/calls", c.cfg.AccountID)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return OriginateResult{}, err
	}
	if out.CarrierCallID == "" {
		return OriginateResult{}, &CarrierError{Code: "bad_response", Message: "carrier returned no call id", Retryable: true}
	}
	return out, nil
}

func (c *HTTPClient) Hangup(ctx context.Context, carrierCallID string) error {
	if carrierCallID == "" {
		return &CarrierError{Code: "invalid_request", Message: "carrier call id required", Retryable: false}
	}
	path := fmt.Sprintf("/v1/accounts/%s/calls/%s/hangup", c.cfg.AccountID, carrierCallID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &CarrierError{Code: "transport", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return &CarrierError{StatusCode: resp.StatusCode, Code: "bad_response", Message: err.Error(), Retryable: true}
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &envelope)
	if envelope.Message == "" {
		envelope.Message = http.StatusText(resp.StatusCode)
	}
	return &CarrierError{
		StatusCode: resp.StatusCode,
		Code:       envelope.Code,
		Message:    envelope.Message,
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}
