package middleware

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// DevPassthrough returns a middleware that reverse-proxies requests whose path
// matches pattern straight to the gateway, keeping the full path and query.
// The Host header is rewritten to the gateway and the bearer secret injected.
// Requests that do not match fall through to the next handler.
//
// A nil transport uses http.DefaultTransport.
func DevPassthrough(gatewayURL, secret, pattern string, transport http.RoundTripper) (echo.MiddlewareFunc, error) {
	target, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("dev passthrough: parse gateway url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("dev passthrough: gateway url %q is not absolute", gatewayURL)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("dev passthrough: compile pattern: %w", err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	return echomw.ProxyWithConfig(echomw.ProxyConfig{
		Skipper: func(c echo.Context) bool {
			return !re.MatchString(c.Request().URL.Path)
		},
		Balancer: echomw.NewRoundRobinBalancer([]*echomw.ProxyTarget{
			{Name: "gateway", URL: target},
		}),
		Transport: &bearerTransport{
			base:   transport,
			bearer: "Bearer " + secret,
			host:   target.Host,
		},
	}), nil
}

// bearerTransport sets Authorization and Host on every outbound request.
type bearerTransport struct {
	base   http.RoundTripper
	bearer string
	host   string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", t.bearer)
	out.Host = t.host
	return t.base.RoundTrip(out)
}
