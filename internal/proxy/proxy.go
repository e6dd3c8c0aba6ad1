// Package proxy implements the core HTTP proxy server: for every incoming
// request it resolves a backend, applies per-backend rate limiting,
// redacts sensitive strings from a JSON request body, forwards the
// request upstream, restores redactions in the streamed response, and
// emits one request log record.
//
// Upstream proxy (corporate proxy) chaining is automatic: Go's net/http
// respects HTTP_PROXY / HTTPS_PROXY / NO_PROXY environment variables
// natively. No extra configuration is needed — just set those env vars
// before starting.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"dlp-proxy/internal/backends"
	"dlp-proxy/internal/config"
	"dlp-proxy/internal/dlp"
	"dlp-proxy/internal/dlperr"
	"dlp-proxy/internal/logger"
	"dlp-proxy/internal/metrics"
	"dlp-proxy/internal/patterns"
	"dlp-proxy/internal/reqlog"
)

// Server is the HTTP proxy server.
type Server struct {
	cfg       *config.Config
	patterns  *patterns.Store
	backends  *backends.Registry
	reqLog    *reqlog.Store
	metrics   *metrics.Metrics
	log       *logger.Logger
	transport *http.Transport
	limiter   *rateLimiter
}

// New creates and configures a new proxy server.
func New(cfg *config.Config, ps *patterns.Store, br *backends.Registry, rl *reqlog.Store, m *metrics.Metrics, log *logger.Logger) *Server {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.UpstreamConnectTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.UpstreamIdleTimeoutSeconds) * time.Second,
		ForceAttemptHTTP2:     true,
	}
	// Upstream LLM APIs (Anthropic, OpenAI-style backends) serve HTTP/2;
	// configure it explicitly rather than relying on ForceAttemptHTTP2's
	// best-effort upgrade alone.
	if err := http2.ConfigureTransport(transport); err != nil && log != nil {
		log.Warnf("transport", "http2 configuration failed, falling back to h1: %v", err)
	}
	return &Server{
		cfg:       cfg,
		patterns:  ps,
		backends:  br,
		reqLog:    rl,
		metrics:   m,
		log:       log,
		limiter:   newRateLimiter(),
		transport: transport,
	}
}

// ServeHTTP dispatches one incoming proxy request through the pipeline:
// route resolution, rate limiting, header preparation, request-body DLP,
// upstream forwarding, response restoration, and async logging.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleHealth(w)
		return
	}

	start := time.Now()
	requestID := uuid.NewString()

	backend, remainder, err := s.backends.Resolve(r.URL.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if backend.Settings.RateLimitRequests > 0 {
		window := time.Duration(backend.Settings.RateLimitMinutes) * time.Minute
		allowed, retryAfter := s.limiter.Allow(backend.Name, backend.Settings.RateLimitRequests, window)
		if !allowed {
			s.metrics.RequestsLimited.Add(1)
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			s.writeError(w, dlperr.New(dlperr.KindRateLimited, "rate limit exceeded for backend "+backend.Name))
			return
		}
	}

	s.metrics.RequestsTotal.Add(1)
	s.handleRouted(w, r, backend, remainder, requestID, start)
}

// requestLogger scopes the server's logger to one in-flight request, so
// every line a single proxied call produces can be correlated by its
// X-Dlp-Proxy-Request-Id. Returns nil if no logger is configured.
func (s *Server) requestLogger(requestID string) *logger.Logger {
	if s.log == nil {
		return nil
	}
	return s.log.WithRequestID(requestID)
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (s *Server) handleRouted(w http.ResponseWriter, r *http.Request, backend backends.Backend, remainder, requestID string, start time.Time) {
	reqLog := s.requestLogger(requestID)

	originalBody, oversized, bodyStream, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, dlperr.Wrap(dlperr.KindClientAborted, "read request body", err))
		return
	}
	defer bodyStream.Close() //nolint:errcheck

	action := reqlog.ActionPassed
	var rm *dlp.RedactionMap
	model := extractModel(originalBody)

	var outboundReader io.Reader = bodyStream
	outboundLen := int64(len(originalBody))
	loggedRequestBody := string(originalBody)

	if oversized {
		// Body exceeds the DLP scan limit: forward it upstream unscanned
		// by streaming straight from the client connection instead of
		// buffering it, rather than truncating it.
		outboundLen = r.ContentLength
		loggedRequestBody = ""
		if reqLog != nil {
			reqLog.Warnf("dlp", "request body for backend %s exceeds %d bytes, forwarding unscanned", backend.Name, s.cfg.MaxBodyBytes)
		}
		s.metrics.RequestsPassed.Add(1)
	} else if eligible := backend.Settings.DLPEnabled && len(originalBody) > 0 &&
		isJSONEligible(r.Header.Get("Content-Type"), originalBody); eligible {
		dlpStart := time.Now()
		compiled, cerr := s.compileEnabledPatterns()
		if cerr != nil {
			s.metrics.ErrorsDLP.Add(1)
			s.metrics.RequestsPassed.Add(1)
			if reqLog != nil {
				reqLog.Errorf("dlp", "failed to compile patterns: %v", cerr)
			}
		} else {
			redacted, redactionMap, blocked, rerr := redactJSONBody(originalBody, compiled)
			s.metrics.RecordDLPLatency(time.Since(dlpStart))
			switch {
			case rerr != nil:
				// Malformed JSON despite looking JSON-shaped: pass through.
				s.metrics.RequestsPassed.Add(1)
				if reqLog != nil {
					reqLog.Warnf("dlp", "body DLP skipped, not valid JSON: %v", rerr)
				}
			case len(blocked) > 0:
				s.metrics.RequestsBlocked.Add(1)
				s.writeBlocked(w, blocked)
				s.logAsync(reqlog.Record{
					Timestamp: start, Backend: backend.Name, Model: model,
					LatencyMs: time.Since(start).Milliseconds(),
					DLPAction: reqlog.ActionBlocked,
					RequestBody: loggedRequestBody,
				})
				return
			default:
				outboundReader = bytes.NewReader(redacted)
				outboundLen = int64(len(redacted))
				loggedRequestBody = string(redacted)
				rm = redactionMap
				if !rm.IsEmpty() {
					action = reqlog.ActionRedacted
					s.metrics.RequestsRedacted.Add(1)
					s.metrics.TokensRedacted.Add(int64(len(rm.Matches())))
				} else {
					s.metrics.RequestsPassed.Add(1)
				}
			}
		}
	} else {
		s.metrics.RequestsPassed.Add(1)
	}
	if rm == nil {
		rm = dlp.NewRedactionMap()
	}

	upstreamURL := backend.BuildUpstreamURL(remainder, r.URL.RawQuery)
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.cfg.UpstreamTotalTimeoutSeconds)*time.Second)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, outboundReader)
	if err != nil {
		s.metrics.ErrorsUpstream.Add(1)
		s.writeError(w, dlperr.Wrap(dlperr.KindUpstreamConnect, "build upstream request", err))
		return
	}
	upstreamReq.Header = backend.PrepareHeaders(r.Header)
	upstreamReq.Header.Set("X-Dlp-Proxy-Request-Id", requestID)
	upstreamReq.ContentLength = outboundLen
	if !rm.IsEmpty() {
		upstreamReq.Header.Set("Accept-Encoding", "identity")
	}

	upstreamStart := time.Now()
	resp, err := s.transport.RoundTrip(upstreamReq)
	if err != nil {
		s.metrics.ErrorsUpstream.Add(1)
		kind := dlperr.KindUpstreamConnect
		if ctx.Err() == context.DeadlineExceeded {
			kind = dlperr.KindUpstreamTimeout
		} else if r.Context().Err() != nil {
			kind = dlperr.KindClientAborted
		}
		s.writeError(w, dlperr.Wrap(kind, "upstream request failed", err))
		s.logAsync(reqlog.Record{
			Timestamp: start, Backend: backend.Name, Model: model,
			LatencyMs: time.Since(start).Milliseconds(), DLPAction: action,
			RequestBody: loggedRequestBody,
		})
		return
	}
	defer resp.Body.Close() //nolint:errcheck
	s.metrics.RecordUpstreamLatency(time.Since(upstreamStart))

	removeHopByHop(resp.Header)
	if !rm.IsEmpty() {
		resp.Header.Del("Content-Length")
		resp.Header.Del("Content-Encoding")
	}
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	restored := dlp.StreamingRestore(resp.Body, rm)
	var respBuf bytes.Buffer
	_, copyErr := io.Copy(io.MultiWriter(w, &respBuf), restored)
	_ = restored.Close()

	usage := backends.ExtractTokenUsage(respBuf.Bytes(), resp.Header.Get("Content-Type"))
	record := reqlog.Record{
		Timestamp: start, Backend: backend.Name, Model: model,
		LatencyMs: time.Since(start).Milliseconds(), DLPAction: action,
		RequestHeaders:  reqlog.MarshalHeaders(upstreamReq.Header),
		RequestBody:     loggedRequestBody,
		ResponseHeaders: reqlog.MarshalHeaders(resp.Header),
		ResponseBody:    respBuf.String(),
	}
	if usage != nil {
		record.InputTokens = usage.InputTokens
		record.OutputTokens = usage.OutputTokens
		record.CacheReadTokens = usage.CacheReadTokens
		record.CacheCreationTokens = usage.CacheCreateTokens
	}
	if copyErr != nil {
		record.ExtraMetadata = fmt.Sprintf(`{"clientAborted":true,"error":%q}`, copyErr.Error())
	}
	s.logAsync(record)
}

// compileEnabledPatterns snapshots the Pattern Store's enabled patterns and
// compiles them. Patterns mutated mid-request never affect an in-flight
// request, since the snapshot is taken once at the start of DLP
// processing.
func (s *Server) compileEnabledPatterns() ([]*patterns.CompiledPattern, error) {
	all, err := s.patterns.List(true)
	if err != nil {
		return nil, err
	}
	out := make([]*patterns.CompiledPattern, 0, len(all))
	for _, p := range all {
		cp, err := s.patterns.Compile(p)
		if err != nil {
			continue // invalid patterns were already rejected at Add/Update time
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Server) logAsync(r reqlog.Record) {
	if s.reqLog != nil {
		s.reqLog.Enqueue(r)
	}
}

func (s *Server) writeBlocked(w http.ResponseWriter, patternIDs []int64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	body := map[string]any{"error": "blocked_by_dlp", "patterns": patternIDs}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	e, ok := dlperr.As(err)
	kind := dlperr.KindUnknown
	msg := err.Error()
	if ok {
		kind = e.Kind
	}
	w.WriteHeader(kind.StatusCode())
	body := map[string]any{"error": kind.String(), "detail": msg}
	_ = json.NewEncoder(w).Encode(body)
}

// readRequestBody buffers up to MaxBodyBytes of the request body for DLP
// scanning. When the body is larger than that, it stops buffering and
// returns oversized=true along with a stream that replays the bytes
// already read followed by whatever remains of r.Body, so the caller can
// still forward the complete body upstream without scanning it.
func (s *Server) readRequestBody(r *http.Request) (peeked []byte, oversized bool, stream io.ReadCloser, err error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false, http.NoBody, nil
	}
	limit := s.cfg.MaxBodyBytes
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		_ = r.Body.Close()
		return nil, false, nil, err
	}
	if int64(len(buf)) <= limit {
		_ = r.Body.Close()
		return buf, false, io.NopCloser(bytes.NewReader(buf)), nil
	}
	return nil, true, bodyStreamCloser{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}, nil
}

// bodyStreamCloser pairs a reader that has already consumed part of a
// body with the Closer of the original stream it was read from.
type bodyStreamCloser struct {
	io.Reader
	io.Closer
}

// isJSONEligible reports whether a request body should go through DLP
// body processing: an explicit application/json content type, or an
// absent/empty content type whose body looks JSON-shaped.
func isJSONEligible(contentType string, body []byte) bool {
	if contentType == "" {
		return looksLikeJSON(body)
	}
	for _, mt := range []string{"application/json", "text/json"} {
		if len(contentType) >= len(mt) && contentType[:len(mt)] == mt {
			return true
		}
	}
	return false
}

// --- header helpers ---

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func removeHopByHop(h http.Header) {
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
