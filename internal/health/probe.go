// Package health checks that the lab backend is reachable before the stream
// is opened. A failed probe is informational; the stream still connects.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout = 2 * time.Second
	StatusHealthy  = "healthy"
	maxBodyBytes   = 1 << 20
)

var (
	ErrBaseURLRequired = errors.New("health: base url required")
	ErrUnhealthy       = errors.New("health: backend unhealthy")
)

// Status is the subset of the backend health document labwatch reads.
type Status struct {
	Status            string `json:"status"`
	ExperimentName    string `json:"experiment_name,omitempty"`
	ActiveConnections int    `json:"active_connections,omitempty"`
}

type healthDoc struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"active_connections"`
	FSMState          *struct {
		ExperimentName string `json:"experiment_name"`
	} `json:"fsm_state"`
}

type Prober struct {
	baseURL string
	client  *http.Client
}

// NewProber targets baseURL (http://host:port). A nil client gets one with
// DefaultTimeout.
func NewProber(baseURL string, client *http.Client) (*Prober, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Prober{baseURL: baseURL, client: client}, nil
}

// Probe issues GET /health. Non-2xx responses and bodies whose status is
// not "healthy" return ErrUnhealthy alongside whatever was decoded.
func (p *Prober) Probe(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return Status{}, fmt.Errorf("health: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("health: probe %s: %w", p.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Status{}, fmt.Errorf("health: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Status{}, fmt.Errorf("%w: http %d", ErrUnhealthy, resp.StatusCode)
	}

	var doc healthDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return Status{}, fmt.Errorf("health: decode body: %w", err)
	}
	st := Status{Status: doc.Status, ActiveConnections: doc.ActiveConnections}
	if doc.FSMState != nil {
		st.ExperimentName = strings.TrimSpace(doc.FSMState.ExperimentName)
	}
	if !strings.EqualFold(st.Status, StatusHealthy) {
		return st, fmt.Errorf("%w: status %q", ErrUnhealthy, st.Status)
	}
	return st, nil
}

// BaseURL maps a stream target to the matching health base URL.
func BaseURL(server string, secure bool) string {
	scheme := "http://"
	if secure {
		scheme = "https://"
	}
	return scheme + strings.TrimSpace(server)
}
