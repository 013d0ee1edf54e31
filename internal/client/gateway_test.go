package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fuseplane-relay/internal/config"
	"fuseplane-relay/internal/metrics"
)

func testConfig(timeout int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeout,
			IdleConnections: 10,
		},
	}
}

func TestGatewayClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewGatewayClient(testConfig(10), logger, nil)

	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL+"/test", http.Header{}, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(resp.Body), `{"status":"ok"}`)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

func TestGatewayClient_Do_SendsBody(t *testing.T) {
	var gotBody string
	var gotLength int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotLength = r.ContentLength
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewGatewayClient(testConfig(10), logger, nil)

	resp, err := c.Do(context.Background(), http.MethodPost, srv.URL, http.Header{}, []byte(`{"to":"a@b.com"}`))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if gotBody != `{"to":"a@b.com"}` {
		t.Errorf("upstream body = %q, want %q", gotBody, `{"to":"a@b.com"}`)
	}
	if gotLength != int64(len(`{"to":"a@b.com"}`)) {
		t.Errorf("upstream ContentLength = %d, want %d", gotLength, len(`{"to":"a@b.com"}`))
	}
}

func TestGatewayClient_Do_Error(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewGatewayClient(testConfig(1), logger, nil)

	_, err := c.Do(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.Header{}, nil)
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
}

func TestGatewayClient_Do_BadURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewGatewayClient(testConfig(1), logger, nil)

	_, err := c.Do(context.Background(), http.MethodGet, "://bad", http.Header{}, nil)
	if err == nil {
		t.Fatal("Do() expected error for malformed URL, got nil")
	}
}

func TestGatewayClient_Do_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow gateway; the request should be canceled before this completes.
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewGatewayClient(testConfig(30), logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Do(ctx, http.MethodGet, srv.URL+"/slow", http.Header{}, nil)
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
}

func TestGatewayClient_Do_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewGatewayClient(testConfig(10), logger, m)

	if _, err := c.Do(context.Background(), http.MethodGet, srv.URL, http.Header{}, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, f := range families {
		if f.GetName() != "fuseplane_relay_upstream_responses_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == "GET" && labels["status_code"] == "404" {
				if v := metric.GetCounter().GetValue(); v != 1 {
					t.Errorf("counter value = %v, want 1", v)
				}
				return
			}
		}
	}
	t.Error("expected fuseplane_relay_upstream_responses_total with method=GET, status_code=404")
}

func TestGatewayClient_Do_LogsOneDebugLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewGatewayClient(testConfig(10), logger, nil)

	if _, err := c.Do(context.Background(), http.MethodPost, srv.URL+"/12345678/jobs", http.Header{}, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	out := strings.TrimSpace(buf.String())
	if n := strings.Count(out, "\n") + 1; n != 1 {
		t.Fatalf("got %d log lines, want 1:\n%s", n, out)
	}
	for _, want := range []string{"upstream response", "status=202", "path=/12345678/jobs", "bytes_in=7", "bytes_out=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line = %q, want it to contain %q", out, want)
		}
	}
}
