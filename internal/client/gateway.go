// Package client provides the upstream HTTP client for the gateway.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"fuseplane-relay/internal/config"
	"fuseplane-relay/internal/metrics"
	"fuseplane-relay/internal/model"
)

// GatewayClient sends requests to the gateway.
type GatewayClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewGatewayClient creates a GatewayClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewGatewayClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *GatewayClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &GatewayClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "gateway_client"),
		metrics: m,
	}
}

// Do issues a request to the gateway and buffers the whole response body.
// A nil body sends no body at all.
func (c *GatewayClient) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*model.ForwardResponse, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	label := metrics.NormalizeMethod(req.Method)

	if err != nil {
		c.observe(label, "", time.Since(start))
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	c.observe(label, strconv.Itoa(resp.StatusCode), elapsed)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	c.logger.Debug("upstream response",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"bytes_in", len(body),
		"bytes_out", len(data),
		"duration_ms", elapsed.Milliseconds(),
	)

	return &model.ForwardResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// observe records latency and, when a status is known, the response counter.
func (c *GatewayClient) observe(method, status string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(d.Seconds())
	if status != "" {
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}
}
