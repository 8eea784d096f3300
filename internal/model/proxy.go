// Package model defines shared types for the gateway.
package model

import "net/http"

// InboundRequest is a client request addressed to one backend prefix.
// The forwarder never mutates it.
type InboundRequest struct {
	Method string
	// Path is the escaped path remainder after the backend prefix.
	Path string
	// RawQuery is forwarded verbatim.
	RawQuery string
	Header   http.Header
	Body     []byte
}

// UpstreamResponse is the response received from a backend.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ClientResponse is the response relayed to the client.
type ClientResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
