package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"agent-chaos/internal/logging"
	"agent-chaos/internal/telemetry"
)

// HTTPClient forwards turns to an out-of-process agent runtime. The runtime
// receives the request (fault snapshot included) as JSON and answers with the
// measured TurnMetrics.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *logging.Logger
}

func NewHTTPClient(endpoint string, timeout time.Duration, logger *logging.Logger) *HTTPClient {
	if logger == nil {
		logger = logging.Discard()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.WithField("component", "agent_http"),
	}
}

func (c *HTTPClient) ExecuteTurn(ctx context.Context, req TurnRequest) (telemetry.TurnMetrics, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return telemetry.TurnMetrics{}, fmt.Errorf("encode turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return telemetry.TurnMetrics{}, fmt.Errorf("build turn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	logging.PropagateCorrelationID(ctx, httpReq)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return telemetry.TurnMetrics{LLMLatencySeconds: time.Since(start).Seconds()}, fmt.Errorf("turn request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return telemetry.TurnMetrics{}, fmt.Errorf("read turn response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return telemetry.TurnMetrics{LLMLatencySeconds: time.Since(start).Seconds()},
			fmt.Errorf("agent returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var m telemetry.TurnMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return telemetry.TurnMetrics{}, fmt.Errorf("decode turn metrics: %w", err)
	}
	if !m.Succeeded {
		reason := m.Error
		if reason == "" {
			reason = "agent reported failure"
		}
		return m, fmt.Errorf("turn %d failed: %s", req.Turn, reason)
	}
	return m, nil
}
