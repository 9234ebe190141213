// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"strings"

	"hls-proxy/internal/resolve"
)

// ProxyRequest is one validated inbound request. It is built by the handler
// and passed explicitly through the pipeline; nothing outlives it.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target string
	Range  string
	Base   resolve.ProxyBase
}

// UpstreamResponse is the part of an upstream response the proxy relays.
//
// Header keys are lowercase and each key keeps the last value seen for it.
// Exactly one of Bytes and Stream is set: the manifest path always buffers,
// the passthrough path always streams.
type UpstreamResponse struct {
	StatusCode int
	Header     map[string]string
	Bytes      []byte
	Stream     io.ReadCloser
}

// FlattenHeader converts h to the lowercase last-value-wins form.
func FlattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) == 0 {
			continue
		}
		out[strings.ToLower(k)] = vals[len(vals)-1]
	}
	return out
}
