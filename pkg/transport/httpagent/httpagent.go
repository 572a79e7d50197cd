// Package httpagent invokes and probes agents over JSON HTTP.
//
// Invocation is POST {address}/capabilities/{name} with the step input as the
// JSON body. The probe is GET {address}/health answered with a HealthReport.
package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
)

const maxResponseBytes = 4 << 20

var (
	// ErrAgentAddressInvalid is returned when an agent has no usable address.
	ErrAgentAddressInvalid = errors.New("invalid agent address")
	// ErrAgentServerError is returned for 5xx answers and is retried.
	ErrAgentServerError = errors.New("agent server error")
)

// Client implements models.Invoker and models.Prober.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	headers    map[string]string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithHeader adds a header to every request, e.g. an authorization token.
func WithHeader(key, value string) Option {
	return func(cl *Client) {
		cl.headers[key] = value
	}
}

// New returns a client. Deadlines come from the caller's context, so the
// default http.Client has no timeout of its own.
func New(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		logger:     logger.With("module", "httpagent"),
		headers:    map[string]string{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Invoke(
	ctx context.Context,
	agent *models.RegisteredAgent,
	capability string,
	input map[string]any,
) (map[string]any, error) {
	endpoint, err := endpoint(agent, "capabilities", capability)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, choreoerr.Newf("invoke", agent.ID, choreoerr.ErrInvalidInput, "input is not JSON: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	var out any

	status, err := c.do(req, &out)
	if err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "capability invoked",
		"agent_id", agent.ID,
		"capability", capability,
		"status_code", status,
	)

	if obj, ok := out.(map[string]any); ok {
		return obj, nil
	}

	if out == nil {
		return map[string]any{}, nil
	}

	return map[string]any{"result": out}, nil
}

func (c *Client) Probe(ctx context.Context, agent *models.RegisteredAgent) (models.HealthReport, error) {
	endpoint, err := endpoint(agent, "health")
	if err != nil {
		return models.HealthReport{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.HealthReport{}, fmt.Errorf("failed to create http request: %w", err)
	}

	var report models.HealthReport

	_, err = c.do(req, &report)
	if err != nil {
		return models.HealthReport{}, err
	}

	if !report.Status.Valid() {
		report.Status = models.AgentStatusOnline
	}

	return report, nil
}

// do sends req and decodes a JSON answer into v. 4xx answers are the
// caller's fault and are not retried; 5xx answers are.
func (c *Client) do(req *http.Request, v any) (int, error) {
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return resp.StatusCode, fmt.Errorf("%w (status %d): %s", ErrAgentServerError, resp.StatusCode, snippet(data))
	case resp.StatusCode >= http.StatusBadRequest:
		return resp.StatusCode, choreoerr.Newf("invoke", req.URL.Path, choreoerr.ErrInvalidInput,
			"agent rejected request (status %d): %s", resp.StatusCode, snippet(data))
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to parse response as JSON: %w", err)
	}

	return resp.StatusCode, nil
}

func endpoint(agent *models.RegisteredAgent, segments ...string) (string, error) {
	if agent.Address == "" {
		return "", fmt.Errorf("%w: agent %s has none", ErrAgentAddressInvalid, agent.ID)
	}

	base, err := url.Parse(agent.Address)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrAgentAddressInvalid, agent.Address)
	}

	return base.JoinPath(segments...).String(), nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		return s[:200] + "..."
	}

	return s
}
