// Package model defines shared types for the relay.
package model

import (
	"context"
	"net/http"
)

// ForwardRequest is an inbound request reduced to what the gateway needs.
type ForwardRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // forwarded path, escaped, without the route prefix or leading slash
	RawQuery string // inbound query string without "?"
	Header   http.Header
	Body     []byte
}

// ForwardResponse is the gateway's answer, fully buffered.
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
