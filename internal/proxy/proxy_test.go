package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.etcd.io/bbolt"

	"dlp-proxy/internal/backends"
	"dlp-proxy/internal/config"
	"dlp-proxy/internal/metrics"
	"dlp-proxy/internal/patterns"
	"dlp-proxy/internal/reqlog"
)

func newTestServer(t *testing.T, upstream string) (*Server, *patterns.Store, *backends.Registry) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, nil)
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ps, err := patterns.NewStore(db, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	br, err := backends.NewRegistry(db, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := br.AddCustom(backends.Backend{
		Name: "custom", Kind: backends.KindCustom, UpstreamBaseURL: upstream,
		Enabled: true, Settings: backends.Settings{DLPEnabled: true},
	}); err != nil {
		t.Fatalf("AddCustom: %v", err)
	}

	rl, err := reqlog.Open(filepath.Join(t.TempDir(), "reqlog.db"), 7, nil)
	if err != nil {
		t.Fatalf("reqlog.Open: %v", err)
	}
	t.Cleanup(func() { rl.Close() })

	cfg := &config.Config{
		MaxBodyBytes:                  32 * 1024 * 1024,
		UpstreamConnectTimeoutSeconds: 5,
		UpstreamIdleTimeoutSeconds:    5,
		UpstreamTotalTimeoutSeconds:   10,
	}
	m := metrics.New()
	s := New(cfg, ps, br, rl, m, nil)
	return s, ps, br
}

func addPattern(t *testing.T, ps *patterns.Store, name, body string, action patterns.Action) int64 {
	t.Helper()
	id, err := ps.Add(patterns.Pattern{
		Name: name, Kind: patterns.KindRegex, Body: body, Enabled: true,
		MinOccurrences: 1, PlaceholderPrefix: "SECRET", Action: action,
	})
	if err != nil {
		t.Fatalf("Add pattern %s: %v", name, err)
	}
	return id
}

func TestServeHTTP_PassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"hello"}`))
	}))
	defer upstream.Close()

	s, _, _ := newTestServer(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/custom/v1/messages", strings.NewReader(`{"model":"m1","prompt":"hi there"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"reply":"hello"}` {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestServeHTTP_RedactsAndRestores(t *testing.T) {
	var seenBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"ack"}`))
	}))
	defer upstream.Close()

	s, ps, _ := newTestServer(t, upstream.URL)
	addPattern(t, ps, "aws-key", `AKIA[0-9A-Z]{16}`, patterns.ActionRedact)

	req := httptest.NewRequest(http.MethodPost, "/custom/v1/messages", strings.NewReader(`{"model":"m1","prompt":"my key is AKIA1234567890ABCDEF ok"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(seenBody) == 0 {
		t.Fatal("upstream never received a body")
	}
	var sent map[string]any
	if err := json.Unmarshal(seenBody, &sent); err != nil {
		t.Fatalf("upstream body not JSON: %v (%s)", err, seenBody)
	}
	prompt, _ := sent["prompt"].(string)
	if prompt == "" {
		t.Fatalf("missing prompt field in %v", sent)
	}
	if strings.Contains(prompt, "AKIA1234567890ABCDEF") {
		t.Errorf("expected redacted prompt, got literal key: %s", prompt)
	}
}

func TestServeHTTP_BlockMode(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s, ps, _ := newTestServer(t, upstream.URL)
	addPattern(t, ps, "secret-token", `sk-[0-9a-zA-Z]{20,}`, patterns.ActionBlock)

	req := httptest.NewRequest(http.MethodPost, "/custom/v1/messages", strings.NewReader(`{"model":"m1","prompt":"token sk-abcdefghijklmnopqrstuvwxyz here"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if called {
		t.Error("upstream should never be called when request is blocked")
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if body["error"] != "blocked_by_dlp" {
		t.Errorf("unexpected error field: %v", body["error"])
	}
}

func TestServeHTTP_RouteNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodPost, "/nope/v1/messages", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestServeHTTP_BackendDisabled(t *testing.T) {
	s, _, br := newTestServer(t, "http://unused.invalid")
	if err := br.SetBuiltinEnabled("claude", false); err != nil {
		t.Fatalf("SetBuiltinEnabled: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/claude/v1/messages", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestServeHTTP_UpstreamUnreachable(t *testing.T) {
	s, _, _ := newTestServer(t, "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodPost, "/custom/v1/messages", strings.NewReader(`{"model":"m1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestServeHTTP_RateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s, _, br := newTestServer(t, upstream.URL)
	if _, err := br.AddCustom(backends.Backend{
		Name: "limited", Kind: backends.KindCustom, UpstreamBaseURL: upstream.URL,
		Enabled: true, Settings: backends.Settings{RateLimitRequests: 1, RateLimitMinutes: 1},
	}); err != nil {
		t.Fatalf("AddCustom: %v", err)
	}

	req1 := httptest.NewRequest(http.MethodGet, "/limited/ping", nil)
	w1 := httptest.NewRecorder()
	s.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", w1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/limited/ping", nil)
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
}

func TestServeHTTP_OversizedBodyStreamsUnscanned(t *testing.T) {
	var seenBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"ack"}`))
	}))
	defer upstream.Close()

	s, ps, _ := newTestServer(t, upstream.URL)
	addPattern(t, ps, "aws-key", `AKIA[0-9A-Z]{16}`, patterns.ActionRedact)
	s.cfg.MaxBodyBytes = 16

	secretKey := "AKIA1234567890ABCDEF"
	payload := `{"model":"m1","prompt":"key ` + secretKey + ` and padding to exceed the limit"}`
	if int64(len(payload)) <= s.cfg.MaxBodyBytes {
		t.Fatalf("test payload too small to exceed MaxBodyBytes: %d", len(payload))
	}

	req := httptest.NewRequest(http.MethodPost, "/custom/v1/messages", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(payload))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if string(seenBody) != payload {
		t.Errorf("expected upstream to receive the full, unscanned body\nwant: %s\ngot:  %s", payload, seenBody)
	}
	if !strings.Contains(string(seenBody), secretKey) {
		t.Error("oversized body must reach upstream untouched, including the secret that DLP never scanned")
	}
}

func TestServeHTTP_SSEResponseExtractsUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		frames := []string{
			`data: {"type":"message_start","message":{"usage":{"input_tokens":120}}}`,
			`data: {"type":"content_block_delta","delta":{"text":"hi"}}`,
			`data: {"type":"message_delta","usage":{"output_tokens":30}}`,
			`data: [DONE]`,
		}
		for _, f := range frames {
			_, _ = w.Write([]byte(f + "\n\n"))
		}
	}))
	defer upstream.Close()

	s, _, _ := newTestServer(t, upstream.URL)
	req := httptest.NewRequest(http.MethodPost, "/custom/v1/messages", strings.NewReader(`{"model":"m1","prompt":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "message_delta") {
		t.Errorf("expected SSE body to reach the client, got: %s", w.Body.String())
	}
}

func TestServeHTTP_Health(t *testing.T) {
	s, _, _ := newTestServer(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestIsJSONEligible(t *testing.T) {
	if !isJSONEligible("application/json", []byte(`{}`)) {
		t.Error("expected application/json to be eligible")
	}
	if !isJSONEligible("", []byte(`  {"a":1}`)) {
		t.Error("expected whitespace-prefixed JSON with empty content-type to be eligible")
	}
	if isJSONEligible("", []byte(`not json`)) {
		t.Error("expected non-JSON body with empty content-type to be ineligible")
	}
	if isJSONEligible("text/plain", []byte(`{}`)) {
		t.Error("expected text/plain to be ineligible regardless of body shape")
	}
}
