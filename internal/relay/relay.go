// Package relay forwards station requests to the vendor cloud and rebuilds
// the response with framing the station's HTTP client can parse: a fixed
// Content-Length, no chunking, no compression and Connection: close.
package relay

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout        = 10 * time.Second
	DefaultFallbackStatus = http.StatusOK
	DefaultFallbackBody   = "success"

	maxBodySize = 8 << 20
)

// ErrBodyTooLarge is returned when a request or response body exceeds the
// relay's buffer limit. Such exchanges are answered with the fallback.
var ErrBodyTooLarge = errors.New("body exceeds relay limit")

// Forwarded request headers. Everything else the station sends stays local.
var forwardHeaders = []string{"User-Agent", "Content-Type", "Accept"}

// Upstream response headers that describe framing of the upstream
// connection and are recomputed for the station.
var stripHeaders = []string{
	"Transfer-Encoding",
	"Content-Encoding",
	"Content-Length",
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Trailer",
	"Upgrade",
}

// Outcome is the result of relaying one request.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeFallback Outcome = "fallback"
)

// Options configures an Engine.
type Options struct {
	Upstream       *url.URL
	Timeout        time.Duration
	Insecure       bool   // skip upstream certificate verification
	DialAddr       string // optional host:port to dial instead of resolving Upstream
	FallbackStatus int
	FallbackBody   string
	Logger         *slog.Logger

	// Observe, if set, is called once per relayed request.
	Observe func(outcome Outcome, elapsed time.Duration)
}

// Engine is an http.Handler relaying every request to one upstream origin.
type Engine struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
}

// New creates an Engine. Zero-valued options select the defaults.
func New(opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FallbackStatus == 0 {
		opts.FallbackStatus = DefaultFallbackStatus
	}
	if opts.FallbackBody == "" {
		opts.FallbackBody = DefaultFallbackBody
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: opts.Insecure},
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
	if opts.DialAddr != "" {
		addr := opts.DialAddr
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}
	}

	return &Engine{
		opts: opts,
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			// The station follows nothing; hand redirects back unchanged.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: opts.Logger.With("component", "relay"),
	}
}

// ServeHTTP forwards req upstream and writes the rebuilt response. Upstream
// failures are never reported to the station: it receives the fallback
// response instead and the error is logged.
func (e *Engine) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	logger := e.logger
	if l, ok := req.Context().Value(loggerKey{}).(*slog.Logger); ok {
		logger = l
	}

	resp, err := e.roundTrip(req)
	if err != nil {
		logger.Error("failed to relay to upstream", "upstream", e.opts.Upstream.Host, "error", err)
		e.writeFallback(w)
		e.observe(OutcomeFallback, start)
		return
	}

	dst := w.Header()
	copyHeader(dst, resp.header)
	dst.Set("Connection", "close")
	if req.Method == http.MethodHead {
		// No body was sent; keep the length the upstream declared.
		if resp.length >= 0 {
			dst.Set("Content-Length", strconv.FormatInt(resp.length, 10))
		}
		w.WriteHeader(resp.status)
	} else {
		dst.Set("Content-Length", strconv.Itoa(len(resp.body)))
		w.WriteHeader(resp.status)
		if _, err := w.Write(resp.body); err != nil {
			logger.Warn("write response to station", "error", err)
		}
	}

	logger.Debug("relayed", "status", resp.status, "bytes", len(resp.body), "body", string(resp.body))
	e.observe(OutcomeOK, start)
}

type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
	length int64 // declared Content-Length, -1 if unknown
}

func (e *Engine) roundTrip(req *http.Request) (*upstreamResponse, error) {
	ctx, cancel := context.WithTimeout(req.Context(), e.opts.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil && req.Body != http.NoBody {
		b, err := readLimited(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	target := e.target(req.URL)
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for _, h := range forwardHeaders {
		if v := req.Header.Get(h); v != "" {
			out.Header.Set(h, v)
		}
	}
	out.Header.Set("Accept-Encoding", "identity")

	resp, err := e.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded []byte
	if req.Method != http.MethodHead {
		if decoded, err = decode(resp); err != nil {
			return nil, err
		}
	}
	return &upstreamResponse{
		status: resp.StatusCode,
		header: resp.Header,
		body:   decoded,
		length: resp.ContentLength,
	}, nil
}

// target keeps the station's path and raw query byte for byte.
func (e *Engine) target(in *url.URL) *url.URL {
	u := *e.opts.Upstream
	u.Path = in.Path
	u.RawPath = in.RawPath
	u.RawQuery = in.RawQuery
	u.Fragment = ""
	return &u
}

// decode reads the whole response body, undoing any content encoding the
// upstream applied despite Accept-Encoding: identity.
func decode(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decode gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		r = fl
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}

	b, err := readLimited(r)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return b, nil
}

// readLimited reads all of r, failing instead of truncating when r holds
// more than maxBodySize bytes.
func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxBodySize {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

func (e *Engine) writeFallback(w http.ResponseWriter) {
	h := w.Header()
	for k := range h {
		delete(h, k)
	}
	h.Set("Content-Length", strconv.Itoa(len(e.opts.FallbackBody)))
	h.Set("Connection", "close")
	w.WriteHeader(e.opts.FallbackStatus)
	_, _ = io.WriteString(w, e.opts.FallbackBody)
}

func (e *Engine) observe(o Outcome, start time.Time) {
	if e.opts.Observe != nil {
		e.opts.Observe(o, time.Since(start))
	}
}

// copyHeader mirrors src into dst, leaving out framing headers and any
// header named in src's Connection header.
func copyHeader(dst, src http.Header) {
	skip := make(map[string]bool, len(stripHeaders))
	for _, h := range stripHeaders {
		skip[http.CanonicalHeaderKey(h)] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	for k, vv := range src {
		if skip[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

type loggerKey struct{}

// WithLogger attaches a request-scoped logger used for relay log lines.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}
