package dlp

import "fmt"

// Match records one surviving, substituted occurrence of a pattern within a
// single DLP pass over one piece of text.
type Match struct {
	PatternID   int64
	Start       int
	End         int
	Literal     string
	Placeholder string
}

// RedactionMap is the bidirectional mapping between original literals and
// placeholder tokens for one request. The same original value maps to the
// same placeholder everywhere within the request; numbering is drawn from a
// single counter shared across every pattern and every JSON leaf processed
// for that request.
type RedactionMap struct {
	counter              int
	literalToPlaceholder map[string]string
	placeholderToLiteral map[string]string
	matches              []Match
}

// NewRedactionMap returns an empty map ready for one request.
func NewRedactionMap() *RedactionMap {
	return &RedactionMap{
		literalToPlaceholder: make(map[string]string),
		placeholderToLiteral: make(map[string]string),
	}
}

// AssignPlaceholder returns the placeholder for literal under prefix,
// minting a new one (and bumping the shared counter) the first time a given
// literal is seen within this request.
func (m *RedactionMap) AssignPlaceholder(literal, prefix string) string {
	if ph, ok := m.literalToPlaceholder[literal]; ok {
		return ph
	}
	m.counter++
	ph := fmt.Sprintf("«%s_%03d»", prefix, m.counter)
	m.literalToPlaceholder[literal] = ph
	m.placeholderToLiteral[ph] = literal
	return ph
}

// RecordMatch appends a Match to the map's audit trail. It does not affect
// placeholder assignment.
func (m *RedactionMap) RecordMatch(mt Match) {
	m.matches = append(m.matches, mt)
}

// Matches returns every recorded Match for this request, in the order
// recorded.
func (m *RedactionMap) Matches() []Match {
	return m.matches
}

// IsEmpty reports whether any placeholder has been assigned.
func (m *RedactionMap) IsEmpty() bool {
	return len(m.literalToPlaceholder) == 0
}

// Literal returns the original value for a placeholder, if known.
func (m *RedactionMap) Literal(placeholder string) (string, bool) {
	v, ok := m.placeholderToLiteral[placeholder]
	return v, ok
}

// Placeholders returns every placeholder minted for this request.
func (m *RedactionMap) Placeholders() map[string]string {
	return m.placeholderToLiteral
}

// MaxPlaceholderLen returns the longest placeholder's length in bytes, or 0
// if the map is empty. Used to size the streaming restorer's tail buffer.
func (m *RedactionMap) MaxPlaceholderLen() int {
	max := 0
	for ph := range m.placeholderToLiteral {
		if len(ph) > max {
			max = len(ph)
		}
	}
	return max
}
