package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/config"
)

var ErrCircuitOpen = errors.New("verifier circuit open")

// RemoteMatcher asks an external identity service. Transport errors and 5xx are
// retried and count against the breaker; other statuses fail immediately.
type RemoteMatcher struct {
	baseURL  string
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

type matchRequest struct {
	SSN       string `json:"ssn"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type matchResponse struct {
	Matching bool `json:"matching"`
}

func NewRemoteMatcher(cfg config.Config) (*RemoteMatcher, error) {
	if strings.TrimSpace(cfg.VerifierURL) == "" {
		return nil, errors.New("VERIFIER_URL is required")
	}
	timeout := time.Duration(cfg.VerifierTimeoutMS) * time.Millisecond
	return &RemoteMatcher{
		baseURL:  strings.TrimRight(cfg.VerifierURL, "/"),
		retryMax: cfg.VerifierRetryMax,
		http:     &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

// MatcherFromConfig returns the matcher selected by VERIFIER_MODE.
func MatcherFromConfig(cfg config.Config) (Matcher, error) {
	if cfg.VerifierMode == config.VerifierModeRemote {
		m, err := NewRemoteMatcher(cfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return StubMatcher{Delay: time.Duration(cfg.VerifierDelayMS) * time.Millisecond}, nil
}

func (m *RemoteMatcher) Match(ctx context.Context, ssn string, firstName string, lastName string) (bool, error) {
	if m.breaker.Open() {
		return false, ErrCircuitOpen
	}
	body, err := json.Marshal(matchRequest{SSN: ssn, FirstName: firstName, LastName: lastName})
	if err != nil {
		return false, err
	}

	var lastErr error
	for attempt := 0; attempt <= m.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		matching, retry, err := m.do(ctx, body)
		if err == nil {
			m.breaker.Success()
			return matching, nil
		}
		lastErr = err
		if !retry {
			return false, err
		}
		m.breaker.Fail()
	}
	return false, lastErr
}

func (m *RemoteMatcher) do(ctx context.Context, body []byte) (bool, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/v1/ssn/match", bytes.NewReader(body))
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.http.Do(req)
	if err != nil {
		return false, ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, true, fmt.Errorf("verifier service error: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return false, false, fmt.Errorf("verifier request failed: status %d", resp.StatusCode)
	}
	var out matchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, false, err
	}
	return out.Matching, false, nil
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
