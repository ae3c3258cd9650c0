package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sandbox is the contract to the external sandboxed execution runner used for
// HIGH-risk code validation. Run must respect ctx's deadline; the pool treats
// an exceeded deadline as a validation failure.
type Sandbox interface {
	Run(ctx context.Context, modules map[string]string) (Result, error)
}

// HTTPSandbox submits modules to a remote runner over HTTP. The runner
// responds with {"pass": bool, "diagnostics": [...]}.
type HTTPSandbox struct {
	url    string
	client *http.Client
}

// NewHTTPSandbox creates an HTTPSandbox for the given runner endpoint.
func NewHTTPSandbox(url string) (*HTTPSandbox, error) {
	if url == "" {
		return nil, errors.New("sandbox url is required")
	}
	return &HTTPSandbox{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// Run executes the modules remotely and returns the runner's verdict.
func (s *HTTPSandbox) Run(ctx context.Context, modules map[string]string) (Result, error) {
	if s == nil {
		return Result{}, errors.New("nil sandbox")
	}

	body, err := json.Marshal(map[string]any{"modules": modules})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("sandbox runner returned status %d", resp.StatusCode)
	}

	var verdict struct {
		Pass        bool     `json:"pass"`
		Diagnostics []string `json:"diagnostics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return Result{}, fmt.Errorf("decode sandbox verdict: %w", err)
	}
	return Result{Pass: verdict.Pass, Diagnostics: verdict.Diagnostics}, nil
}

// StaticSandbox returns a fixed verdict, used in tests.
type StaticSandbox struct {
	Result Result
	Err    error
	Delay  time.Duration
}

// Run returns the configured verdict after the configured delay.
func (s *StaticSandbox) Run(ctx context.Context, _ map[string]string) (Result, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return s.Result, s.Err
}
