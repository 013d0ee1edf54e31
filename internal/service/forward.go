// Package service implements the core forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"

	"fuseplane-relay/internal/config"
	"fuseplane-relay/internal/metrics"
	"fuseplane-relay/internal/model"
)

// ErrMissingPath is returned when the inbound request has nothing after the route prefix.
var ErrMissingPath = errors.New("missing forwarded path")

// ErrMalformedBody is returned when a JSON request body cannot be re-encoded.
var ErrMalformedBody = errors.New("request body is not valid JSON")

// Forward failure stages, used for logs and the failure counter.
const (
	StageBody     = "body"
	StageBuild    = "build"
	StageUpstream = "upstream"
)

// ForwardError records which stage of a forward failed.
type ForwardError struct {
	Stage string
	Err   error
}

func (e *ForwardError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *ForwardError) Unwrap() error { return e.Err }

// Doer is the subset of the gateway client the service needs.
type Doer interface {
	Do(ctx context.Context, method, url string, header http.Header, body []byte) (*model.ForwardResponse, error)
}

const userAgent = "fuseplane-relay/1.0"

// ProxyService turns inbound requests into gateway requests.
type ProxyService struct {
	client          Doer
	metrics         *metrics.Metrics
	baseURL         string // origin plus path prefix, no trailing slash
	secret          string
	copyContentType bool
}

// NewProxyService creates a ProxyService. The secret is captured once here
// rather than looked up per request. The metrics parameter is optional.
func NewProxyService(c Doer, cfg *config.Config, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Gateway.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway base_url %q is not an absolute URL", cfg.Gateway.BaseURL)
	}

	return &ProxyService{
		client:          c,
		metrics:         m,
		baseURL:         strings.TrimRight(cfg.Gateway.BaseURL, "/") + strings.TrimRight(cfg.Gateway.PathPrefix, "/"),
		secret:          cfg.Gateway.SecretKey,
		copyContentType: cfg.Relay.CopyContentTypeEnabled(),
	}, nil
}

// Forward sends a ForwardRequest to the gateway and returns its response.
// Gateway error statuses are returned as responses, not errors.
func (s *ProxyService) Forward(fr *model.ForwardRequest) (*model.ForwardResponse, error) {
	if strings.Trim(fr.Path, "/") == "" {
		return nil, ErrMissingPath
	}

	target, err := s.buildTargetURL(fr.Path, fr.RawQuery)
	if err != nil {
		return nil, s.fail(StageBuild, err)
	}

	body, err := encodeBody(fr.Method, fr.Header.Get("Content-Type"), fr.Body)
	if err != nil {
		return nil, s.fail(StageBody, err)
	}

	header := s.buildHeaders(fr.Header)

	resp, err := s.client.Do(fr.Ctx, fr.Method, target, header, body)
	if err != nil {
		return nil, s.fail(StageUpstream, err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

func (s *ProxyService) fail(stage string, err error) error {
	if s.metrics != nil {
		s.metrics.ForwardFailures.WithLabelValues(stage).Inc()
	}
	return &ForwardError{Stage: stage, Err: err}
}

// buildTargetURL appends the forwarded path and the untouched query string to
// the gateway base.
func (s *ProxyService) buildTargetURL(path, rawQuery string) (string, error) {
	target := s.baseURL + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		return "", fmt.Errorf("build target url: %w", err)
	}
	return target, nil
}

// buildHeaders returns the fixed outbound header set. The inbound
// Authorization header is never forwarded.
func (s *ProxyService) buildHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	dst.Set("Content-Type", "application/json")
	dst.Set("Authorization", "Bearer "+s.secret)
	dst.Set("User-Agent", userAgent)
	if v := src.Values("Accept"); len(v) > 0 {
		dst["Accept"] = v
	}
	if id := src.Get("X-Request-Id"); id != "" {
		dst.Set("X-Request-Id", id)
	}
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	if !s.copyContentType {
		return dst
	}
	if ct := src.Get("Content-Type"); ct != "" {
		dst.Set("Content-Type", ct)
	}
	return dst
}

// encodeBody applies the body policy: GET and HEAD never carry a body, an
// empty body stays empty, JSON is compacted, a urlencoded form becomes a JSON
// object and other text becomes a JSON string.
func encodeBody(method, contentType string, raw []byte) ([]byte, error) {
	if method == http.MethodGet || method == http.MethodHead {
		return nil, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	if isJSONContentType(contentType) {
		if !json.Valid(raw) {
			return nil, ErrMalformedBody
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		return buf.Bytes(), nil
	}

	if isFormContentType(contentType) {
		return encodeForm(raw)
	}

	out, err := json.MarshalWithOption(string(raw), json.DisableHTMLEscape())
	if err != nil {
		return nil, fmt.Errorf("encode text body: %w", err)
	}
	return out, nil
}

// encodeForm turns a urlencoded form into a flat JSON object in key order.
// A key seen once maps to a string, a repeated key to an array of strings.
func encodeForm(raw []byte) ([]byte, error) {
	form := strings.TrimSpace(string(raw))
	values, err := url.ParseQuery(form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	seen := make(map[string]bool, len(values))
	for _, pair := range strings.Split(form, "&") {
		if pair == "" {
			continue
		}
		k, _, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil || seen[key] {
			continue
		}
		seen[key] = true

		var v any = values[key]
		if len(values[key]) == 1 {
			v = values[key][0]
		}
		kb, err := json.MarshalWithOption(key, json.DisableHTMLEscape())
		if err != nil {
			return nil, fmt.Errorf("encode form key: %w", err)
		}
		vb, err := json.MarshalWithOption(v, json.DisableHTMLEscape())
		if err != nil {
			return nil, fmt.Errorf("encode form value: %w", err)
		}
		if len(seen) > 1 {
			buf.WriteByte(',')
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func isFormContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "application/x-www-form-urlencoded"
}

// isJSONContentType reports whether the body should be treated as JSON.
// A missing Content-Type is treated as JSON.
func isJSONContentType(ct string) bool {
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
