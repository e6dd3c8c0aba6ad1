// Package backends implements the Backend Registry: the ordered set of
// named upstream routes (two built-in, plus user-defined custom ones),
// longest-prefix route resolution, header-policy application, and
// per-backend response metadata extraction.
package backends

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.etcd.io/bbolt"

	"dlp-proxy/internal/dlperr"
	"dlp-proxy/internal/logger"
)

var (
	customBucket   = []byte("custom_backends")
	settingsBucket = []byte("settings")
)

// Kind tags which built-in capability set a Backend uses. It is the
// registry's tagged variant in place of open-ended plugin loading: one
// variant per built-in, plus Custom for user-defined backends.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
	KindCustom Kind = "custom"
)

// Settings gates per-backend DLP and rate limiting.
type Settings struct {
	DLPEnabled        bool `json:"dlpEnabled"`
	RateLimitRequests int  `json:"rateLimitRequests"`
	RateLimitMinutes  int  `json:"rateLimitMinutes"`
}

// Backend is one named route: a URL prefix mapping to an upstream base URL
// plus header and metadata-extraction policy.
type Backend struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Kind            Kind     `json:"kind"`
	UpstreamBaseURL string   `json:"upstreamBaseUrl"`
	Settings        Settings `json:"settings"`
	Enabled         bool     `json:"enabled"`
	Builtin         bool     `json:"builtin"`

	// AuthHeaderName/AuthHeaderValue, when set, are injected on every
	// forwarded request — used by codex-style backends that need a
	// configured session credential, and by custom backends with a fixed
	// API key.
	AuthHeaderName  string `json:"authHeaderName,omitempty"`
	AuthHeaderValue string `json:"authHeaderValue,omitempty"`
}

// PathPrefix returns this backend's route prefix, "/" + Name.
func (b Backend) PathPrefix() string { return "/" + b.Name }

// hopByHopHeaders are stripped from every forwarded request regardless of
// header policy.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Te", "Trailer",
}

// PrepareHeaders returns a copy of h with hop-by-hop headers removed and
// this backend's header policy applied.
func (b Backend) PrepareHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, hh := range hopByHopHeaders {
		out.Del(hh)
	}
	for name := range out {
		if strings.HasPrefix(strings.ToLower(name), "proxy-") {
			out.Del(name)
		}
	}

	switch b.Kind {
	case KindClaude:
		// Forward only x-api-key and anthropic-* plus content headers;
		// strip everything else including any client Host/Authorization.
		keep := http.Header{}
		for name, vals := range out {
			lower := strings.ToLower(name)
			if lower == "x-api-key" || strings.HasPrefix(lower, "anthropic-") ||
				lower == "content-type" || lower == "accept" {
				keep[name] = vals
			}
		}
		out = keep
	case KindCodex:
		if b.AuthHeaderName != "" {
			out.Set(b.AuthHeaderName, b.AuthHeaderValue)
		}
		// otherwise pass through whatever the client sent.
	default:
		if b.AuthHeaderName != "" {
			out.Set(b.AuthHeaderName, b.AuthHeaderValue)
		}
	}
	out.Del("Host")
	return out
}

// BuildUpstreamURL joins this backend's base URL with the remainder of the
// client's path (and its raw query string).
func (b Backend) BuildUpstreamURL(remainder, rawQuery string) string {
	base := strings.TrimRight(b.UpstreamBaseURL, "/")
	rem := strings.TrimLeft(remainder, "/")
	u := base
	if rem != "" {
		u += "/" + rem
	}
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// Registry holds the ordered set of backends: the built-ins (held in
// memory, disable-only) plus custom backends persisted in bbolt.
type Registry struct {
	db   *bbolt.DB
	owns bool
	log  *logger.Logger

	mu     sync.RWMutex
	claude Backend
	codex  Backend
}

// NewRegistry wraps an already-open bbolt handle, creating the registry's
// buckets and seeding the built-in backends on first use.
func NewRegistry(db *bbolt.DB, log *logger.Logger) (*Registry, error) {
	r := &Registry{db: db, log: log}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(customBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(settingsBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("init backend buckets: %w", err)
	}
	if err := r.loadBuiltins(); err != nil {
		return nil, err
	}
	return r, nil
}

// Open opens a standalone registry at path, for tests and small tools that
// don't need to share the handle with the Pattern Store.
func Open(path string, log *logger.Logger) (*Registry, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open backend registry: %w", err)
	}
	r, err := NewRegistry(db, log)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	r.owns = true
	return r, nil
}

// Close releases the underlying database handle if this Registry opened it.
func (r *Registry) Close() error {
	if r.owns {
		return r.db.Close()
	}
	return nil
}

func (r *Registry) loadBuiltins() error {
	claude := Backend{
		Name: "claude", Kind: KindClaude, UpstreamBaseURL: "https://api.anthropic.com",
		Settings: Settings{DLPEnabled: true}, Enabled: true, Builtin: true,
	}
	codex := Backend{
		Name: "codex", Kind: KindCodex, UpstreamBaseURL: "https://chatgpt.com/backend-api/codex",
		Settings: Settings{DLPEnabled: true}, Enabled: true, Builtin: true,
	}
	if saved, ok, err := r.loadSetting("builtin:claude"); err != nil {
		return err
	} else if ok {
		if err := json.Unmarshal(saved, &claude); err != nil {
			return fmt.Errorf("decode builtin claude settings: %w", err)
		}
	}
	if saved, ok, err := r.loadSetting("builtin:codex"); err != nil {
		return err
	} else if ok {
		if err := json.Unmarshal(saved, &codex); err != nil {
			return fmt.Errorf("decode builtin codex settings: %w", err)
		}
	}
	r.mu.Lock()
	r.claude, r.codex = claude, codex
	r.mu.Unlock()
	return nil
}

// List returns every backend: the two built-ins followed by custom ones in
// ID order.
func (r *Registry) List() ([]Backend, error) {
	r.mu.RLock()
	out := []Backend{r.claude, r.codex}
	r.mu.RUnlock()

	custom, err := r.listCustom()
	if err != nil {
		return nil, err
	}
	return append(out, custom...), nil
}

// Resolve performs longest-prefix matching of reqPath against every
// enabled backend's PathPrefix, returning the matched backend and the
// remainder of the path after the prefix.
func (r *Registry) Resolve(reqPath string) (Backend, string, error) {
	all, err := r.List()
	if err != nil {
		return Backend{}, "", err
	}
	var best *Backend
	for i := range all {
		b := all[i]
		prefix := b.PathPrefix()
		if reqPath != prefix && !strings.HasPrefix(reqPath, prefix+"/") {
			continue
		}
		if best == nil || len(prefix) > len(best.PathPrefix()) {
			bCopy := b
			best = &bCopy
		}
	}
	if best == nil {
		return Backend{}, "", dlperr.New(dlperr.KindRouteNotFound, "no backend matches "+reqPath)
	}
	if !best.Enabled {
		return Backend{}, "", dlperr.New(dlperr.KindBackendDisabled, "backend "+best.Name+" is disabled")
	}
	remainder := strings.TrimPrefix(reqPath, best.PathPrefix())
	return *best, remainder, nil
}

// SetBuiltinEnabled disables or re-enables claude or codex. The built-ins
// can never be deleted, only disabled.
func (r *Registry) SetBuiltinEnabled(name string, enabled bool) error {
	r.mu.Lock()
	var b *Backend
	switch name {
	case "claude":
		b = &r.claude
	case "codex":
		b = &r.codex
	default:
		r.mu.Unlock()
		return dlperr.New(dlperr.KindRouteNotFound, "no built-in backend named "+name)
	}
	b.Enabled = enabled
	snapshot := *b
	r.mu.Unlock()
	return r.saveSetting("builtin:"+name, snapshot)
}

// UpdateBuiltinSettings changes DLP/rate-limit settings on a built-in backend.
func (r *Registry) UpdateBuiltinSettings(name string, s Settings) error {
	r.mu.Lock()
	var b *Backend
	switch name {
	case "claude":
		b = &r.claude
	case "codex":
		b = &r.codex
	default:
		r.mu.Unlock()
		return dlperr.New(dlperr.KindRouteNotFound, "no built-in backend named "+name)
	}
	b.Settings = s
	snapshot := *b
	r.mu.Unlock()
	return r.saveSetting("builtin:"+name, snapshot)
}

// AddCustom validates and persists a new custom backend.
func (r *Registry) AddCustom(b Backend) (int64, error) {
	if b.Name == "" || b.Name == "claude" || b.Name == "codex" {
		return 0, dlperr.New(dlperr.KindStorage, "invalid backend name")
	}
	if b.UpstreamBaseURL == "" {
		return 0, dlperr.New(dlperr.KindStorage, "upstream base URL required")
	}
	b.Kind = KindCustom
	b.Builtin = false
	var id int64
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(customBucket)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		b.ID = id
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return bkt.Put(idKey(id), data)
	})
	if err != nil {
		return 0, dlperr.Wrap(dlperr.KindStorage, "add custom backend", err)
	}
	return id, nil
}

// UpdateCustom replaces fields on an existing custom backend.
func (r *Registry) UpdateCustom(id int64, mutate func(*Backend)) error {
	existing, err := r.getCustom(id)
	if err != nil {
		return err
	}
	mutate(&existing)
	existing.ID = id
	existing.Kind = KindCustom
	existing.Builtin = false
	data, err := json.Marshal(existing)
	if err != nil {
		return dlperr.Wrap(dlperr.KindStorage, "marshal custom backend", err)
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(customBucket).Put(idKey(id), data)
	})
	if err != nil {
		return dlperr.Wrap(dlperr.KindStorage, "update custom backend", err)
	}
	return nil
}

// SetCustomEnabled toggles a custom backend's enabled flag.
func (r *Registry) SetCustomEnabled(id int64, enabled bool) error {
	return r.UpdateCustom(id, func(b *Backend) { b.Enabled = enabled })
}

// DeleteCustom removes a custom backend permanently.
func (r *Registry) DeleteCustom(id int64) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(customBucket).Delete(idKey(id))
	})
	if err != nil {
		return dlperr.Wrap(dlperr.KindStorage, "delete custom backend", err)
	}
	return nil
}

func (r *Registry) getCustom(id int64) (Backend, error) {
	var b Backend
	found := false
	err := r.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(customBucket).Get(idKey(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &b)
	})
	if err != nil {
		return Backend{}, dlperr.Wrap(dlperr.KindStorage, "get custom backend", err)
	}
	if !found {
		return Backend{}, dlperr.New(dlperr.KindStorage, fmt.Sprintf("custom backend %d not found", id))
	}
	return b, nil
}

func (r *Registry) listCustom() ([]Backend, error) {
	var out []Backend
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(customBucket).ForEach(func(_, v []byte) error {
			var b Backend
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	if err != nil {
		return nil, dlperr.Wrap(dlperr.KindStorage, "list custom backends", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Registry) loadSetting(key string) ([]byte, bool, error) {
	var data []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, dlperr.Wrap(dlperr.KindStorage, "load setting", err)
	}
	return data, data != nil, nil
}

func (r *Registry) saveSetting(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return dlperr.Wrap(dlperr.KindStorage, "marshal setting", err)
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), data)
	})
	if err != nil {
		return dlperr.Wrap(dlperr.KindStorage, "save setting", err)
	}
	return nil
}

// GetPort returns the persisted proxy port setting, if any was saved via
// SavePort (distinct from the config file/env default).
func (r *Registry) GetPort() (int, bool, error) {
	data, ok, err := r.loadSetting("port")
	if err != nil || !ok {
		return 0, false, err
	}
	var port int
	if err := json.Unmarshal(data, &port); err != nil {
		return 0, false, dlperr.Wrap(dlperr.KindStorage, "decode port setting", err)
	}
	return port, true, nil
}

// SavePort persists a new proxy port setting, taking effect on next restart.
func (r *Registry) SavePort(port int) error {
	return r.saveSetting("port", port)
}

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}
