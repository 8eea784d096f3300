// Package service implements the gateway's forwarding engine and the merged
// OpenAPI document service.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"securechain-gateway/internal/client"
	"securechain-gateway/internal/model"
)

// hopByHopHeaders apply to a single connection and are never relayed.
// Both "trailer" (RFC 9110) and "trailers" are listed.
var hopByHopHeaders = []string{
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailer",
	"trailers",
	"transfer-encoding",
	"upgrade",
}

// requestSkip lists request headers dropped before forwarding. The outbound
// transport recomputes Host and Content-Length.
var requestSkip = skipSet("host", "content-length")

// responseSkip lists response headers dropped before relaying. Set-Cookie is
// re-attached separately to keep each cookie a distinct header line.
var responseSkip = skipSet("content-length", "date", "server", "set-cookie")

func skipSet(extra ...string) map[string]bool {
	set := make(map[string]bool, len(hopByHopHeaders)+len(extra))
	for _, h := range hopByHopHeaders {
		set[h] = true
	}
	for _, h := range extra {
		set[h] = true
	}
	return set
}

// failureBody is the client body for every forwarding failure.
var failureBody = mustJSON(map[string]string{"code": "internal_error"})

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// upstreamResult is the outcome of one outbound call: a response or the reason there is none.
type upstreamResult struct {
	resp *model.UpstreamResponse
	err  error
}

// Forwarder relays one inbound request to a backend and shapes the backend's
// response for the client. It keeps no per-request state.
type Forwarder struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewForwarder creates a Forwarder using the shared upstream client.
func NewForwarder(c *client.UpstreamClient, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client: c,
		logger: logger.With("component", "forwarder"),
	}
}

// Forward sends in to targetBaseURL and returns the response for the client.
// It never fails: any transport error, timeout, cancellation or unreadable
// response becomes a 502 with body {"code":"internal_error"}. Upstream 3xx,
// 4xx and 5xx responses are relayed as received.
func (f *Forwarder) Forward(ctx context.Context, in *model.InboundRequest, targetBaseURL string) *model.ClientResponse {
	res := f.roundTrip(ctx, in, targetBaseURL)
	if res.err != nil {
		f.logger.Error("proxy request failed",
			"method", in.Method,
			"target", targetBaseURL,
			"path", in.Path,
			"err", res.err,
		)
		return failureResponse()
	}
	return shapeResponse(res.resp)
}

func (f *Forwarder) roundTrip(ctx context.Context, in *model.InboundRequest, targetBaseURL string) upstreamResult {
	target, err := buildTargetURL(targetBaseURL, in.Path, in.RawQuery)
	if err != nil {
		return upstreamResult{err: err}
	}

	var body io.Reader
	if len(in.Body) > 0 {
		body = bytes.NewReader(in.Body)
	}

	f.logger.Debug("forwarding request",
		"method", in.Method,
		"target", target,
	)

	resp, err := f.client.Send(ctx, in.Method, target, filterRequestHeaders(in.Header), body)
	if err != nil {
		return upstreamResult{err: fmt.Errorf("forward to upstream: %w", err)}
	}
	return upstreamResult{resp: resp}
}

// buildTargetURL joins base and the escaped path remainder and appends the raw
// query unchanged.
func buildTargetURL(base, path, rawQuery string) (string, error) {
	target := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("build target url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("build target url: %q is not absolute", target)
	}
	return target, nil
}

// filterRequestHeaders copies src without hop-by-hop headers, Host and
// Content-Length. Names are compared case-insensitively and every value of a
// repeated header is kept.
func filterRequestHeaders(src http.Header) http.Header {
	return filterHeaders(src, requestSkip)
}

// filterResponseHeaders copies src without hop-by-hop headers, Content-Length,
// Date, Server and Set-Cookie.
func filterResponseHeaders(src http.Header) http.Header {
	return filterHeaders(src, responseSkip)
}

func filterHeaders(src http.Header, skip map[string]bool) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if skip[strings.ToLower(key)] {
			continue
		}
		canonical := http.CanonicalHeaderKey(key)
		dst[canonical] = append(dst[canonical], vals...)
	}
	return dst
}

// extractCookies returns every Set-Cookie value in received order. The
// canonical key is used when present; otherwise keys are scanned
// case-insensitively (in sorted key order) for headers stored under a
// non-canonical name.
func extractCookies(h http.Header) []string {
	if cookies := h.Values("Set-Cookie"); len(cookies) > 0 {
		return append([]string(nil), cookies...)
	}

	keys := make([]string, 0, len(h))
	for key := range h {
		if strings.EqualFold(key, "set-cookie") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var cookies []string
	for _, key := range keys {
		cookies = append(cookies, h[key]...)
	}
	return cookies
}

// shapeResponse builds the client response: filtered headers plus each
// upstream Set-Cookie as its own entry.
func shapeResponse(resp *model.UpstreamResponse) *model.ClientResponse {
	header := filterResponseHeaders(resp.Header)
	for _, cookie := range extractCookies(resp.Header) {
		header.Add("Set-Cookie", cookie)
	}
	return &model.ClientResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	}
}

func failureResponse() *model.ClientResponse {
	return &model.ClientResponse{
		StatusCode: http.StatusBadGateway,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       failureBody,
	}
}
