// Package client provides the outbound HTTP client used to reach streaming
// origins.
package client

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"

	"hls-proxy/internal/config"
	"hls-proxy/internal/metrics"
	"hls-proxy/internal/model"
	"hls-proxy/internal/target"
)

// Upstream failures. Both map to 502 and are never retried by the proxy.
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timed out")
)

// Fetch modes, used as metric labels.
const (
	modeBuffered = "buffered"
	modeStream   = "stream"
)

// Observer is told about every response status line seen while following a
// request: once per redirect hop and once for the final response.
type Observer func(status int, header http.Header)

type observerKey struct{}

// WithObserver returns a context that makes Open report each response it
// sees to fn.
func WithObserver(ctx context.Context, fn Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, fn)
}

func observerFrom(ctx context.Context) Observer {
	fn, _ := ctx.Value(observerKey{}).(Observer)
	return fn
}

// UpstreamClient sends requests to streaming origins.
//
// Buffered fetches (manifests) are bounded by the configured total timeout
// and size limit. Streams have no total deadline, only connect timeouts,
// because segment downloads can legitimately run for a long time.
type UpstreamClient struct {
	buffered     *http.Client
	stream       *http.Client
	userAgent    string
	maxRedirects int
	manifestMax  int64
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// guard is consulted at dial time when upstream.guard_resolved_addresses is set;
// it may be nil otherwise. The metrics parameter is optional; pass nil to
// disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, guard *target.Validator, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	connectTimeout := time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.Upstream.GuardResolvedAddresses && guard != nil {
		dialer.Control = guardControl(guard)
	}

	dial := dialer.DialContext
	if cfg.Upstream.ForceIPv4 {
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if network == "tcp" {
				network = "tcp4"
			}
			return dialer.DialContext(ctx, network, addr)
		}
	}

	transport := &http.Transport{
		DialContext:           dial,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: time.Second,
		// Bytes on the passthrough path must reach the client untouched, so
		// the transport never negotiates compression on its own.
		DisableCompression: true,
	}
	if cfg.Upstream.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for origins with broken certificates
	}

	c := &UpstreamClient{
		userAgent:    cfg.Upstream.UserAgent,
		maxRedirects: cfg.Upstream.MaxRedirects,
		manifestMax:  cfg.Upstream.ManifestMaxBytes,
		logger:       logger.With("component", "upstream_client"),
		metrics:      m,
	}
	c.buffered = &http.Client{
		Transport:     transport,
		Timeout:       time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		CheckRedirect: c.checkRedirect,
	}
	c.stream = &http.Client{
		Transport:     transport,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

func (c *UpstreamClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > c.maxRedirects {
		return fmt.Errorf("stopped after %d redirects", c.maxRedirects)
	}
	if fn := observerFrom(req.Context()); fn != nil && req.Response != nil {
		fn(req.Response.StatusCode, req.Response.Header)
	}
	c.logger.Debug("following redirect", "hops", len(via), "host", req.URL.Host)
	return nil
}

// Fetch downloads target fully into memory, decoding gzip or brotli content
// encodings. The body is capped at upstream.manifest_max_bytes.
func (c *UpstreamClient) Fetch(ctx context.Context, targetURL string) (*model.UpstreamResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, targetURL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := c.do(c.buffered, req, modeBuffered)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := decodeBody(resp)
	if err != nil {
		c.recordFailure(modeBuffered, "decode")
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(io.LimitReader(body, c.manifestMax+1))
	if err != nil {
		c.recordFailure(modeBuffered, reason(err))
		return nil, classify(fmt.Errorf("read upstream body: %w", err))
	}
	if int64(len(data)) > c.manifestMax {
		c.recordFailure(modeBuffered, "too_large")
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrUpstreamUnavailable, c.manifestMax)
	}

	header := model.FlattenHeader(resp.Header)
	delete(header, "content-encoding")
	delete(header, "content-length")

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Bytes:      data,
	}, nil
}

// Open starts a streamed request and returns as soon as the final response
// headers arrive. method is GET or HEAD; rangeHeader is forwarded verbatim
// when non-empty. The caller is responsible for closing the returned Stream.
// Canceling ctx (e.g. the client disconnected) aborts the transfer.
func (c *UpstreamClient) Open(ctx context.Context, method, targetURL, rangeHeader string) (*model.UpstreamResponse, error) {
	req, err := c.newRequest(ctx, method, targetURL)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.do(c.stream, req, modeStream) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	if err != nil {
		return nil, err
	}
	if fn := observerFrom(ctx); fn != nil {
		fn(resp.StatusCode, resp.Header)
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     model.FlattenHeader(resp.Header),
		Stream:     resp.Body,
	}, nil
}

func (c *UpstreamClient) newRequest(ctx context.Context, method, targetURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")
	return req, nil
}

func (c *UpstreamClient) do(hc *http.Client, req *http.Request, mode string) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"mode", mode,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // closed by callers
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method, mode).Observe(duration)
	}

	if err != nil {
		c.recordFailure(mode, reason(err))
		return nil, classify(fmt.Errorf("upstream request: %w", err))
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, mode, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

func (c *UpstreamClient) recordFailure(mode, why string) {
	if c.metrics != nil {
		c.metrics.UpstreamFailures.WithLabelValues(mode, why).Inc()
	}
}

// classify tags a transport error with ErrUpstreamTimeout or
// ErrUpstreamUnavailable. Errors from the dial-time address guard keep their
// target.ErrBlockedHost identity instead.
func classify(err error) error {
	switch {
	case errors.Is(err, target.ErrBlockedHost):
		return err
	case isTimeout(err):
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func reason(err error) string {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, target.ErrBlockedHost):
		return "blocked"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case isTimeout(err):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns"
	default:
		return "network"
	}
}

// decodeBody undoes the Content-Encoding of resp.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return zr, nil
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// guardControl rejects connections to blocked addresses after DNS
// resolution, covering hostnames the request validator cannot judge.
func guardControl(guard *target.Validator) func(network, address string, _ syscall.RawConn) error {
	return func(_, address string, _ syscall.RawConn) error {
		ap, err := netip.ParseAddrPort(address)
		if err != nil {
			return fmt.Errorf("%w: unparseable dial address %q", target.ErrBlockedHost, address)
		}
		if guard.Blocked(ap.Addr()) {
			return fmt.Errorf("%w: %s resolves to a blocked network", target.ErrBlockedHost, ap.Addr())
		}
		return nil
	}
}
