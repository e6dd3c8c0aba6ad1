package patterns

import (
	"path/filepath"
	"testing"

	"dlp-proxy/internal/dlperr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "patterns.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_SeedsBuiltins(t *testing.T) {
	s := openTestStore(t)
	all, err := s.List(false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("expected built-in patterns to be seeded")
	}
	for _, p := range all {
		if !p.Builtin {
			t.Errorf("pattern %s expected Builtin=true on seed", p.Name)
		}
		if p.ID == 0 {
			t.Errorf("pattern %s has zero ID", p.Name)
		}
	}
}

func TestOpen_Idempotent_NoDoubleSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.db")
	s1, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := s1.List(false)
	s1.Close()

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	second, _ := s2.List(false)

	if len(first) != len(second) {
		t.Errorf("reopen changed pattern count: %d vs %d", len(first), len(second))
	}
}

func TestAdd_InvalidRegex_Rejected(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Add(Pattern{Name: "bad", Kind: KindRegex, Body: "(unclosed"})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
	e, ok := dlperr.As(err)
	if !ok || e.Kind != dlperr.KindPatternSyntax {
		t.Errorf("expected KindPatternSyntax, got %v", err)
	}
}

func TestAdd_InvalidRegex_NoPartialState(t *testing.T) {
	s := openTestStore(t)
	before, _ := s.List(false)
	_, _ = s.Add(Pattern{Name: "bad", Kind: KindRegex, Body: "(unclosed"})
	after, _ := s.List(false)
	if len(before) != len(after) {
		t.Errorf("pattern count changed after failed add: %d -> %d", len(before), len(after))
	}
}

func TestAdd_Keyword_EscapesMetachars(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Add(Pattern{Name: "literal-dot", Kind: KindKeyword, Body: "a.b"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	p, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := s.Compile(p)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Positive.MatchString("aXb") {
		t.Error("keyword pattern should not treat '.' as wildcard")
	}
	if !cp.Positive.MatchString("A.B") {
		t.Error("keyword pattern should match case-insensitively")
	}
}

func TestUpdate_InvalidatesMemoizedCompile(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Add(Pattern{Name: "x", Kind: KindRegex, Body: "foo"})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := s.Get(id)
	cp1, err := s.Compile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !cp1.Positive.MatchString("foo") {
		t.Fatal("expected initial compile to match 'foo'")
	}

	if err := s.Update(id, func(p *Pattern) { p.Body = "bar" }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	p2, _ := s.Get(id)
	cp2, err := s.Compile(p2)
	if err != nil {
		t.Fatal(err)
	}
	if cp2.Positive.MatchString("foo") {
		t.Error("recompiled pattern should not match the old body")
	}
	if !cp2.Positive.MatchString("bar") {
		t.Error("recompiled pattern should match the new body")
	}
}

func TestSetEnabled(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.Add(Pattern{Name: "x", Kind: KindRegex, Body: "foo", Enabled: true})
	if err := s.SetEnabled(id, false); err != nil {
		t.Fatal(err)
	}
	p, _ := s.Get(id)
	if p.Enabled {
		t.Error("expected Enabled=false")
	}

	enabledOnly, _ := s.List(true)
	for _, p := range enabledOnly {
		if p.ID == id {
			t.Error("disabled pattern should be excluded from enabled_only list")
		}
	}
}

func TestBuiltinToggle(t *testing.T) {
	s := openTestStore(t)
	if err := s.BuiltinToggle("api_keys", false); err != nil {
		t.Fatal(err)
	}
	all, _ := s.List(false)
	for _, p := range all {
		if p.Group == "api_keys" && p.Enabled {
			t.Errorf("pattern %s in api_keys group should be disabled", p.Name)
		}
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.Add(Pattern{Name: "x", Kind: KindRegex, Body: "foo"})
	if err := s.Delete(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(id); err == nil {
		t.Error("expected error getting deleted pattern")
	}
}

func TestNormalized_Defaults(t *testing.T) {
	p := Pattern{Name: "my pattern!"}.normalized()
	if p.MinUniqueChars != 1 {
		t.Errorf("MinUniqueChars: got %d, want 1", p.MinUniqueChars)
	}
	if p.MinOccurrences != 1 {
		t.Errorf("MinOccurrences: got %d, want 1", p.MinOccurrences)
	}
	if p.ContextWindow != 30 {
		t.Errorf("ContextWindow: got %d, want 30", p.ContextWindow)
	}
	if p.Action != ActionRedact {
		t.Errorf("Action: got %v, want ActionRedact", p.Action)
	}
	if p.PlaceholderPrefix != "MY_PATTERN_" {
		t.Errorf("PlaceholderPrefix: got %q", p.PlaceholderPrefix)
	}
}
