// Package patterns implements the Pattern Store: the persistent set of DLP
// patterns (built-in and user-defined), their CRUD operations, and lazy,
// memoized compilation into matchers consumed by the DLP engine.
package patterns

import (
	"embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"dlp-proxy/internal/dlperr"
	"dlp-proxy/internal/logger"
)

//go:embed builtin.yaml
var builtinFS embed.FS

// Kind distinguishes literal keyword matching from full regex matching.
type Kind string

const (
	KindKeyword Kind = "keyword"
	KindRegex   Kind = "regex"
)

// Action controls what the DLP engine does with surviving matches.
type Action string

const (
	ActionRedact Action = "redact"
	ActionBlock  Action = "block"
)

var bucketName = []byte("dlp_patterns")

// Pattern is one DLP rule: a positive matcher, optional negative
// (context-exclusion) matchers, and the filtering thresholds applied to
// candidates found by the positive matcher.
type Pattern struct {
	ID                int64    `json:"id"`
	Name              string   `json:"name"`
	Group             string   `json:"group"`
	Kind              Kind     `json:"kind"`
	Body              string   `json:"body"`
	Enabled           bool     `json:"enabled"`
	Negatives         []string `json:"negatives"`
	MinUniqueChars    int      `json:"minUniqueChars"`
	MinOccurrences    int      `json:"minOccurrences"`
	ContextWindow     int      `json:"contextWindow"`
	PlaceholderPrefix string   `json:"placeholderPrefix"`
	Action            Action   `json:"action"`
	Builtin           bool     `json:"builtin"`
}

// Normalize fills in default thresholds and a derived placeholder prefix
// for any zero-valued fields. Exported so callers constructing a Pattern
// outside the store (tests, Control Surface handlers) can rely on the same
// defaulting the store applies internally.
func (p Pattern) Normalize() Pattern {
	return p.normalized()
}

func (p Pattern) normalized() Pattern {
	if p.MinUniqueChars < 1 {
		p.MinUniqueChars = 1
	}
	if p.MinOccurrences < 1 {
		p.MinOccurrences = 1
	}
	if p.ContextWindow <= 0 {
		p.ContextWindow = 30
	}
	if p.PlaceholderPrefix == "" {
		p.PlaceholderPrefix = strings.ToUpper(strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
				return r
			}
			return '_'
		}, p.Name))
	}
	if p.Action == "" {
		p.Action = ActionRedact
	}
	return p
}

// seedPattern mirrors Pattern's fields for YAML decoding of the built-in set.
type seedPattern struct {
	Name              string   `yaml:"name"`
	Group             string   `yaml:"group"`
	Kind              string   `yaml:"kind"`
	Body              string   `yaml:"body"`
	Negatives         []string `yaml:"negatives"`
	MinUniqueChars    int      `yaml:"min_unique_chars"`
	MinOccurrences    int      `yaml:"min_occurrences"`
	ContextWindow     int      `yaml:"context_window"`
	PlaceholderPrefix string   `yaml:"placeholder_prefix"`
}

type seedFile struct {
	Patterns []seedPattern `yaml:"patterns"`
}

// CompiledPattern is the matcher form of a Pattern, ready for the DLP engine.
type CompiledPattern struct {
	Pattern   Pattern
	Positive  *regexp.Regexp
	Negatives []*regexp.Regexp
}

// Store is the persistent, bbolt-backed Pattern Store. It operates on a
// bbolt handle that may be shared with other stores (e.g. the Backend
// Registry) living in different buckets of the same database file.
type Store struct {
	db   *bbolt.DB
	owns bool // true if this Store opened db itself and should close it
	log  *logger.Logger

	mu       sync.RWMutex
	compiled sync.Map // compiledKey -> *CompiledPattern
}

// NewStore wraps an already-open bbolt handle, creating the pattern bucket
// and seeding the built-in pattern set on first use. The caller retains
// ownership of db and is responsible for closing it.
func NewStore(db *bbolt.DB, log *logger.Logger) (*Store, error) {
	s := &Store{db: db, log: log}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		return nil, fmt.Errorf("init pattern bucket: %w", err)
	}
	empty, err := s.isEmpty()
	if err != nil {
		return nil, err
	}
	if empty {
		if err := s.seedBuiltins(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Open opens (creating if necessary) a standalone pattern store at path. It
// is a convenience wrapper around NewStore for callers (tests, small
// tools) that don't need to share the handle with other stores.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open pattern store: %w", err)
	}
	s, err := NewStore(db, log)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	s.owns = true
	return s, nil
}

// Close releases the underlying database handle if this Store opened it.
func (s *Store) Close() error {
	if s.owns {
		return s.db.Close()
	}
	return nil
}

func (s *Store) isEmpty() (bool, error) {
	empty := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		if k, _ := c.First(); k != nil {
			empty = false
		}
		return nil
	})
	return empty, err
}

func (s *Store) seedBuiltins() error {
	data, err := builtinFS.ReadFile("builtin.yaml")
	if err != nil {
		return fmt.Errorf("read builtin patterns: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse builtin patterns: %w", err)
	}
	for _, sp := range sf.Patterns {
		p := Pattern{
			Name:              sp.Name,
			Group:             sp.Group,
			Kind:              Kind(sp.Kind),
			Body:              sp.Body,
			Enabled:           true,
			Negatives:         sp.Negatives,
			MinUniqueChars:    sp.MinUniqueChars,
			MinOccurrences:    sp.MinOccurrences,
			ContextWindow:     sp.ContextWindow,
			PlaceholderPrefix: sp.PlaceholderPrefix,
			Action:            ActionRedact,
			Builtin:           true,
		}.normalized()
		if _, err := s.add(p); err != nil {
			return fmt.Errorf("seed pattern %s: %w", sp.Name, err)
		}
	}
	if s.log != nil {
		s.log.Infof("seed", "seeded %d built-in DLP patterns", len(sf.Patterns))
	}
	return nil
}

// List returns all patterns, optionally filtered to enabled ones, ordered
// by ID for stable output.
func (s *Store) List(enabledOnly bool) ([]Pattern, error) {
	var out []Pattern
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(_, v []byte) error {
			var p Pattern
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if !enabledOnly || p.Enabled {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, dlperr.Wrap(dlperr.KindStorage, "list patterns", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Add validates and persists a new pattern, returning its assigned ID.
func (s *Store) Add(p Pattern) (int64, error) {
	if err := validateCompile(p); err != nil {
		return 0, err
	}
	return s.add(p.normalized())
}

func (s *Store) add(p Pattern) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		p.ID = id
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(idKey(id), data)
	})
	if err != nil {
		return 0, dlperr.Wrap(dlperr.KindStorage, "add pattern", err)
	}
	return id, nil
}

// Get returns a single pattern by ID.
func (s *Store) Get(id int64) (Pattern, error) {
	var p Pattern
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(idKey(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &p)
	})
	if err != nil {
		return Pattern{}, dlperr.Wrap(dlperr.KindStorage, "get pattern", err)
	}
	if !found {
		return Pattern{}, dlperr.New(dlperr.KindStorage, fmt.Sprintf("pattern %d not found", id))
	}
	return p, nil
}

// Update applies fields to an existing pattern. Changing Body or Kind
// invalidates any memoized compiled form for the old values.
func (s *Store) Update(id int64, mutate func(*Pattern)) error {
	existing, err := s.Get(id)
	if err != nil {
		return err
	}
	old := existing
	mutate(&existing)
	existing.ID = id
	existing = existing.normalized()
	if err := validateCompile(existing); err != nil {
		return err
	}
	if err := s.put(existing); err != nil {
		return err
	}
	s.invalidate(old)
	return nil
}

// SetEnabled flips the enabled flag on a single pattern.
func (s *Store) SetEnabled(id int64, enabled bool) error {
	return s.Update(id, func(p *Pattern) { p.Enabled = enabled })
}

// BuiltinToggle flips the enabled flag on every pattern in a built-in group.
func (s *Store) BuiltinToggle(group string, enabled bool) error {
	all, err := s.List(false)
	if err != nil {
		return err
	}
	for _, p := range all {
		if p.Group != group {
			continue
		}
		if err := s.SetEnabled(p.ID, enabled); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a pattern permanently.
func (s *Store) Delete(id int64) error {
	existing, err := s.Get(id)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(idKey(id))
	})
	if err != nil {
		return dlperr.Wrap(dlperr.KindStorage, "delete pattern", err)
	}
	s.invalidate(existing)
	return nil
}

func (s *Store) put(p Pattern) error {
	data, err := json.Marshal(p)
	if err != nil {
		return dlperr.Wrap(dlperr.KindStorage, "marshal pattern", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(idKey(p.ID), data)
	})
	if err != nil {
		return dlperr.Wrap(dlperr.KindStorage, "store pattern", err)
	}
	return nil
}

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// Compile returns the memoized compiled form of a pattern, compiling and
// caching it on first use.
func (s *Store) Compile(p Pattern) (*CompiledPattern, error) {
	key := compiledKey(p)
	if v, ok := s.compiled.Load(key); ok {
		return v.(*CompiledPattern), nil
	}
	cp, err := compile(p)
	if err != nil {
		return nil, err
	}
	s.compiled.Store(key, cp)
	return cp, nil
}

func (s *Store) invalidate(p Pattern) {
	s.compiled.Delete(compiledKey(p))
}

func compiledKey(p Pattern) string {
	return string(p.Kind) + "\x00" + p.Body + "\x00" + strings.Join(p.Negatives, "\x00") + "\x00" + boolStr(p.Enabled)
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// validateCompile checks that a pattern's body and negatives compile,
// without mutating any persisted or memoized state. Used to reject
// PatternSyntaxError at the Control Surface boundary, before activation.
func validateCompile(p Pattern) error {
	_, err := compile(p.normalized())
	if err != nil {
		return err
	}
	return nil
}

func compile(p Pattern) (*CompiledPattern, error) {
	pos, err := compileBody(p.Kind, p.Body)
	if err != nil {
		return nil, dlperr.Wrap(dlperr.KindPatternSyntax, fmt.Sprintf("pattern %q body", p.Name), err)
	}
	negs := make([]*regexp.Regexp, 0, len(p.Negatives))
	for _, n := range p.Negatives {
		re, err := compileBody(p.Kind, n)
		if err != nil {
			return nil, dlperr.Wrap(dlperr.KindPatternSyntax, fmt.Sprintf("pattern %q negative %q", p.Name, n), err)
		}
		negs = append(negs, re)
	}
	return &CompiledPattern{Pattern: p, Positive: pos, Negatives: negs}, nil
}

// compileBody compiles one body string under the given Kind's semantics.
// Keyword bodies are escaped and matched literally, case-insensitively.
// Regex bodies compile as given, case-sensitive unless the body embeds its
// own flags.
func compileBody(kind Kind, body string) (*regexp.Regexp, error) {
	switch kind {
	case KindKeyword:
		return regexp.Compile("(?i)" + regexp.QuoteMeta(body))
	case KindRegex:
		return regexp.Compile(body)
	default:
		return nil, fmt.Errorf("unknown pattern kind %q", kind)
	}
}
