// Package service implements the core proxy logic: dispatching a validated
// request to the manifest rewriter or to the streaming passthrough.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"hls-proxy/internal/client"
	"hls-proxy/internal/config"
	"hls-proxy/internal/manifest"
	"hls-proxy/internal/metrics"
	"hls-proxy/internal/model"
)

var (
	// ErrProxyMisconfigured is returned when the service has no way to reach
	// upstream at all.
	ErrProxyMisconfigured = errors.New("proxy misconfigured: outbound HTTP client unavailable")

	// ErrStreamAborted is returned when the upstream transfer fails after the
	// response headers were committed. Nothing can be reported to the client
	// any more; the connection has to be torn down.
	ErrStreamAborted = errors.New("upstream stream aborted after headers were sent")

	// ErrClientGone is returned when writing to the client failed.
	ErrClientGone = errors.New("client went away")
)

// passthroughHeaders are the only upstream headers relayed on the passthrough path.
var passthroughHeaders = []string{
	"content-type",
	"accept-ranges",
	"content-range",
	"content-length",
	"cache-control",
}

// chunkSize bounds the memory a single passthrough transfer holds.
const chunkSize = 64 * 1024

// Upstream fetches resources from streaming origins.
type Upstream interface {
	Fetch(ctx context.Context, targetURL string) (*model.UpstreamResponse, error)
	Open(ctx context.Context, method, targetURL, rangeHeader string) (*model.UpstreamResponse, error)
}

// ProxyService relays one request at a time; it keeps no per-request state
// between calls.
type ProxyService struct {
	upstream          Upstream
	classifier        *manifest.Classifier
	detectContentType bool
	manifestMax       int64
	manifestTimeout   time.Duration
	logger            *slog.Logger
	metrics           *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(up Upstream, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		upstream:          up,
		classifier:        manifest.NewClassifier(cfg.Manifest.URITags),
		detectContentType: cfg.Proxy.DetectContentType,
		manifestMax:       cfg.Upstream.ManifestMaxBytes,
		manifestTimeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:            logger.With("component", "proxy_service"),
		metrics:           m,
	}
}

// Serve answers pr on w. Targets ending in .m3u8 are rewritten, everything
// else is streamed through.
//
// Any error other than ErrStreamAborted and ErrClientGone is returned before
// w has been written to, so the caller can still send an error response.
func (s *ProxyService) Serve(w http.ResponseWriter, pr *model.ProxyRequest) error {
	if s.upstream == nil {
		return ErrProxyMisconfigured
	}
	if manifest.IsManifestURL(pr.Target) {
		return s.rewrite(w, pr)
	}
	return s.passthrough(w, pr)
}

func (s *ProxyService) rewrite(w http.ResponseWriter, pr *model.ProxyRequest) error {
	resp, err := s.upstream.Fetch(pr.Ctx, pr.Target)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}
	return s.writeManifest(w, pr, resp.StatusCode, resp.Header, resp.Bytes)
}

// writeManifest rewrites body and sends it. Upstream error statuses are
// relayed with their body untouched: an error page is not a playlist.
func (s *ProxyService) writeManifest(w http.ResponseWriter, pr *model.ProxyRequest, status int, header map[string]string, body []byte) error {
	out := body
	contentType := manifest.ContentType

	if status >= http.StatusBadRequest {
		contentType = header["content-type"]
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
	} else {
		res := s.classifier.Rewrite(string(body), pr.Target, pr.Base)
		out = []byte(res.Body)

		s.logger.Debug("manifest rewritten",
			"lines", res.Lines,
			"rewritten", res.Rewritten,
			"status", status,
		)
		if s.metrics != nil {
			s.metrics.ManifestsRewritten.Inc()
			s.metrics.ManifestLines.WithLabelValues("rewritten").Add(float64(res.Rewritten))
			s.metrics.ManifestLines.WithLabelValues("verbatim").Add(float64(res.Lines - res.Rewritten))
		}
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	if cc := header["cache-control"]; cc != "" {
		h.Set("Cache-Control", cc)
	}
	h.Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(status)

	if pr.Method == http.MethodHead {
		return nil
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	return nil
}

func (s *ProxyService) passthrough(w http.ResponseWriter, pr *model.ProxyRequest) error {
	ctx, cancel := context.WithCancelCause(pr.Ctx)
	defer cancel(nil)

	state := newRelayState()
	ctx = client.WithObserver(ctx, state.reset)

	resp, err := s.upstream.Open(ctx, pr.Method, pr.Target, pr.Range)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = resp.Stream.Close() }()

	if s.isDetectedManifest(pr, state) {
		return s.rewriteDetected(ctx, cancel, w, pr, resp.Stream, state)
	}

	n, err := s.relay(w, resp.Stream, state)
	if s.metrics != nil {
		s.metrics.PassthroughBytes.Add(float64(n))
	}
	if err != nil {
		cancel(nil)
		if pr.Ctx.Err() != nil && !errors.Is(err, ErrClientGone) {
			return fmt.Errorf("%w: %w", ErrClientGone, err)
		}
	}
	return err
}

// isDetectedManifest reports whether a passthrough response is a playlist to
// rewrite. Partial responses never are: a byte range of a playlist cuts
// lines apart and its Content-Range has to reach the client untouched.
func (s *ProxyService) isDetectedManifest(pr *model.ProxyRequest, state *relayState) bool {
	return s.detectContentType &&
		pr.Method == http.MethodGet &&
		pr.Range == "" &&
		state.status != http.StatusPartialContent &&
		manifest.IsManifestContentType(state.header["content-type"])
}

// rewriteDetected buffers a playlist found on the stream path. The read is
// bounded by the same total timeout as a buffered fetch.
func (s *ProxyService) rewriteDetected(ctx context.Context, cancel context.CancelCauseFunc, w http.ResponseWriter, pr *model.ProxyRequest, body io.Reader, state *relayState) error {
	if s.manifestTimeout > 0 {
		timer := time.AfterFunc(s.manifestTimeout, func() { cancel(client.ErrUpstreamTimeout) })
		defer timer.Stop()
	}

	data, err := io.ReadAll(io.LimitReader(body, s.manifestMax+1))
	if err != nil {
		if errors.Is(context.Cause(ctx), client.ErrUpstreamTimeout) {
			return fmt.Errorf("read manifest: %w: %w", client.ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("read manifest: %w: %w", client.ErrUpstreamUnavailable, err)
	}
	if int64(len(data)) > s.manifestMax {
		return fmt.Errorf("%w: manifest exceeds %d bytes", client.ErrUpstreamUnavailable, s.manifestMax)
	}
	s.logger.Debug("manifest detected by content type", "content_type", state.header["content-type"])
	return s.writeManifest(w, pr, state.status, state.header, data)
}

// relay copies body to w chunk by chunk, committing the response headers
// when the first chunk arrives (or at EOF for empty bodies).
func (s *ProxyService) relay(w http.ResponseWriter, body io.Reader, state *relayState) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			state.commit(w)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("%w: %w", ErrClientGone, werr)
			}
			written += int64(n)
			flush(w)
		}

		switch {
		case rerr == nil:
			continue
		case errors.Is(rerr, io.EOF):
			state.commit(w)
			return written, nil
		case state.committed:
			return written, fmt.Errorf("%w: %w", ErrStreamAborted, rerr)
		default:
			return written, fmt.Errorf("read stream: %w: %w", client.ErrUpstreamUnavailable, rerr)
		}
	}
}

// flush pushes the chunk to the client now. Writers that cannot flush are
// fine: the bytes go out with the next write.
func flush(w http.ResponseWriter) {
	_ = http.NewResponseController(w).Flush()
}

// relayState is the response under construction on the passthrough path.
// It is reset every time a status line is observed, once per redirect hop
// and once for the final response, so headers of a redirect never end up in
// the relayed response.
type relayState struct {
	status    int
	header    map[string]string
	committed bool
}

func newRelayState() *relayState {
	return &relayState{status: http.StatusOK, header: map[string]string{}}
}

func (s *relayState) reset(status int, header http.Header) {
	s.status = status
	s.header = model.FlattenHeader(header)
}

// commit writes the status and allow-listed headers once.
func (s *relayState) commit(w http.ResponseWriter) {
	if s.committed {
		return
	}
	h := w.Header()
	for _, key := range passthroughHeaders {
		if v, ok := s.header[key]; ok {
			h.Set(key, v)
		}
	}
	w.WriteHeader(s.status)
	s.committed = true
}
