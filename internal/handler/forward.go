package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"fuseplane-relay/internal/model"
	"fuseplane-relay/internal/service"
)

// Messages returned to callers. Gateway responses are relayed as-is; these
// are the only bodies the relay writes itself.
const (
	msgProxyFailed = "Proxy failed"
	msgMissingPath = "Missing path"
)

// Forwarder is implemented by service.ProxyService.
type Forwarder interface {
	Forward(fr *model.ForwardRequest) (*model.ForwardResponse, error)
}

// ForwardHandler relays requests under the wildcard routes to the gateway.
type ForwardHandler struct {
	service Forwarder
	logger  *slog.Logger
}

// NewForwardHandler creates a ForwardHandler.
func NewForwardHandler(svc *service.ProxyService, logger *slog.Logger) *ForwardHandler {
	return &ForwardHandler{
		service: svc,
		logger:  logger.With("component", "forward_handler"),
	}
}

// Handle forwards the request and writes the gateway's status and body back.
func (h *ForwardHandler) Handle(c echo.Context) error {
	req := c.Request()

	fr := &model.ForwardRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     forwardedPath(c.Path(), req.URL.EscapedPath()),
		RawQuery: req.URL.RawQuery,
		Header:   requestHeader(c),
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return h.fail(c, err)
	}
	fr.Body = body

	resp, err := h.service.Forward(fr)
	if err != nil {
		if errors.Is(err, service.ErrMissingPath) {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": msgMissingPath,
			})
		}
		return h.fail(c, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	if req.Method == http.MethodHead {
		return nil
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

// fail logs the error and writes the generic 500. No detail reaches the caller.
func (h *ForwardHandler) fail(c echo.Context, err error) error {
	stage := ""
	var fe *service.ForwardError
	if errors.As(err, &fe) {
		stage = fe.Stage
	}

	h.logger.Error("proxy error",
		"err", err,
		"stage", stage,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": msgProxyFailed,
	})
}

// requestHeader returns the inbound headers, carrying over the request ID the
// RequestID middleware set on the response when the client sent none.
func requestHeader(c echo.Context) http.Header {
	header := c.Request().Header
	if header.Get(echo.HeaderXRequestID) != "" {
		return header
	}
	id := c.Response().Header().Get(echo.HeaderXRequestID)
	if id == "" {
		return header
	}
	header = header.Clone()
	header.Set(echo.HeaderXRequestID, id)
	return header
}

// forwardedPath strips the matched route prefix from the escaped request path.
// route is the echo route pattern, e.g. "/p/*" or "/p".
func forwardedPath(route, escapedPath string) string {
	prefix := strings.TrimSuffix(strings.TrimSuffix(route, "*"), "/")
	if !strings.HasPrefix(escapedPath, prefix) {
		return ""
	}
	return strings.TrimLeft(strings.TrimPrefix(escapedPath, prefix), "/")
}
