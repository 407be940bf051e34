// Package http issues the single outbound call the gateway makes per
// mapped request.
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/PentesterFlow/OpenGateway/internal/errors"
	"github.com/PentesterFlow/OpenGateway/internal/shardmap"
)

// hopHeaders are never copied between requests and responses.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwarderConfig holds configuration for the outbound client.
type ForwarderConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxBodyBytes        int64
	UserAgent           string
	SkipTLSVerify       bool
	// CircuitBreaker enables per-host circuits when non-nil.
	CircuitBreaker *errors.CircuitBreakerConfig
}

// DefaultForwarderConfig returns defaults for backend calls.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 50,
		MaxBodyBytes:        10 * 1024 * 1024,
		UserAgent:           "OpenGateway/1.0",
	}
}

// Request is an outbound backend call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read backend answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the backend's Content-Type header.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// Forwarder sends requests to backends. Redirects are returned to the
// caller, never followed.
type Forwarder struct {
	client     *http.Client
	userAgent  string
	maxBody    int64
	breakers   *shardmap.Map[*errors.CircuitBreaker]
	breakerCfg *errors.CircuitBreakerConfig
}

// NewForwarder creates a forwarder.
func NewForwarder(config ForwarderConfig) *Forwarder {
	defaults := DefaultForwarderConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.SkipTLSVerify,
		},
	}

	return &Forwarder{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent:  config.UserAgent,
		maxBody:    config.MaxBodyBytes,
		breakers:   shardmap.New[*errors.CircuitBreaker](0, nil),
		breakerCfg: config.CircuitBreaker,
	}
}

func (f *Forwarder) breaker(host string) *errors.CircuitBreaker {
	if f.breakerCfg == nil {
		return nil
	}
	if cb, ok := f.breakers.Load(host); ok {
		return cb
	}
	cb, _ := f.breakers.LoadOrStore(host, errors.NewCircuitBreaker(*f.breakerCfg, nil))
	return cb
}

// Do makes one attempt. A transport failure is an upstream error; any
// backend status, 5xx included, is returned as a Response.
func (f *Forwarder) Do(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.NewInternalError("request_creation", err)
	}

	cb := f.breaker(target.Host)
	if cb != nil && !cb.Allow() {
		return nil, errors.NewCircuitOpenError(target.Host)
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, errors.NewInternalError("request_creation", err)
	}
	CopyHeaders(out.Header, req.Header)
	if out.Header.Get("User-Agent") == "" && f.userAgent != "" {
		out.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(out)
	if err != nil {
		if cb != nil {
			cb.Record(false)
		}
		return nil, errors.NewUpstreamError("forward", req.URL, errors.Categorize(err, "forward"))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		if cb != nil {
			cb.Record(false)
		}
		return nil, errors.NewUpstreamError("body_read", req.URL, err)
	}
	if int64(len(data)) > f.maxBody {
		return nil, errors.NewUpstreamError("body_read", req.URL, fmt.Errorf("response body exceeds %d bytes", f.maxBody))
	}

	if cb != nil {
		cb.Record(resp.StatusCode < 500)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       data,
		Duration:   time.Since(start),
	}, nil
}

// CopyHeaders copies src into dst, leaving out hop-by-hop headers, the
// headers named by Connection, Content-Length and Host.
func CopyHeaders(dst, src http.Header) {
	conn := src["Connection"]
	for k, vv := range src {
		if isHopHeader(k) || k == "Content-Length" || k == "Host" {
			continue
		}
		if httpguts.HeaderValuesContainsToken(conn, k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// Close releases idle connections.
func (f *Forwarder) Close() {
	f.client.CloseIdleConnections()
}
