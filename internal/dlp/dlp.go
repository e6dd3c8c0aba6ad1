// Package dlp implements the DLP matching engine: candidate discovery over
// a Pattern Store snapshot, contextual negative filtering, entropy and
// occurrence thresholding, deterministic placeholder assignment, and the
// streaming-safe restorer used on upstream response bodies.
package dlp

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"dlp-proxy/internal/dlperr"
	"dlp-proxy/internal/patterns"
)

// sentinelPattern detects placeholder syntax already present in input text,
// so Redact can refuse rather than silently corrupt on collision.
var sentinelPattern = regexp.MustCompile(`«[^»]*»`)

// candidate is one surviving match for a single pattern before placeholder
// assignment and overlap resolution.
type candidate struct {
	pattern patterns.Pattern
	start   int
	end     int
	literal string
}

// RedactLeaf runs the matching pipeline for one JSON string leaf (or any
// single unit of text) against a snapshot of compiled patterns, writing
// surviving, non-overlapping substitutions into redactedText and recording
// them in rm. If any Block-action pattern produces a surviving match,
// RedactLeaf returns immediately with the IDs of the blocking patterns and
// an unmodified redactedText equal to text; callers MUST NOT forward text
// upstream when blocked is non-empty.
func RedactLeaf(text string, compiled []*patterns.CompiledPattern, rm *RedactionMap) (redactedText string, blocked []int64, err error) {
	if sentinelPattern.MatchString(text) {
		return text, nil, dlperr.New(dlperr.KindPlaceholderCollision,
			"request body already contains DLP placeholder syntax")
	}

	var all []candidate
	for _, cp := range compiled {
		if !cp.Pattern.Enabled {
			continue
		}
		cands := findCandidates(text, cp)
		if len(cands) == 0 {
			continue
		}
		if cp.Pattern.Action == patterns.ActionBlock {
			blocked = append(blocked, cp.Pattern.ID)
			continue
		}
		all = append(all, cands...)
	}
	if len(blocked) > 0 {
		return text, blocked, nil
	}
	if len(all) == 0 {
		return text, nil, nil
	}

	kept := resolveOverlaps(all)
	if len(kept) == 0 {
		return text, nil, nil
	}

	var b []byte
	prev := 0
	for _, c := range kept {
		ph := rm.AssignPlaceholder(c.literal, c.pattern.PlaceholderPrefix)
		b = append(b, text[prev:c.start]...)
		b = append(b, ph...)
		rm.RecordMatch(Match{
			PatternID:   c.pattern.ID,
			Start:       c.start,
			End:         c.end,
			Literal:     c.literal,
			Placeholder: ph,
		})
		prev = c.end
	}
	b = append(b, text[prev:]...)
	return string(b), nil, nil
}

// findCandidates runs the full single-pattern pipeline (find, context,
// negative filter, entropy filter, dedup, occurrence threshold) and returns
// every surviving occurrence (not yet deduplicated across patterns).
func findCandidates(text string, cp *patterns.CompiledPattern) []candidate {
	locs := cp.Positive.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	type survivor struct {
		start, end int
		literal    string
	}
	var survivors []survivor
	w := cp.Pattern.ContextWindow

	for _, loc := range locs {
		start, end := loc[0], loc[1]
		literal := text[start:end]

		ctxStart := clampToRuneBoundary(text, maxInt(0, start-w))
		ctxEnd := clampToRuneBoundary(text, minInt(len(text), end+w))
		context := text[ctxStart:ctxEnd]

		if negativeHit(context, ctxStart, start, end, cp.Negatives) {
			continue
		}

		if distinctCodepoints(literal) < cp.Pattern.MinUniqueChars {
			continue
		}

		survivors = append(survivors, survivor{start: start, end: end, literal: literal})
	}
	if len(survivors) == 0 {
		return nil
	}

	byLiteral := make(map[string]int)
	for _, s := range survivors {
		byLiteral[s.literal]++
	}
	if len(byLiteral) < cp.Pattern.MinOccurrences {
		return nil
	}

	out := make([]candidate, 0, len(survivors))
	for _, s := range survivors {
		out = append(out, candidate{pattern: cp.Pattern, start: s.start, end: s.end, literal: s.literal})
	}
	return out
}

// negativeHit reports whether any negative pattern matches somewhere in
// context that does not overlap the candidate span [start,end) in the
// original text's coordinates.
func negativeHit(context string, ctxStart, start, end int, negatives []*regexp.Regexp) bool {
	for _, neg := range negatives {
		for _, loc := range neg.FindAllStringIndex(context, -1) {
			absStart := ctxStart + loc[0]
			absEnd := ctxStart + loc[1]
			if absEnd <= start || absStart >= end {
				return true
			}
		}
	}
	return false
}

func distinctCodepoints(s string) int {
	seen := make(map[rune]struct{})
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return len(seen)
}

// resolveOverlaps sorts candidates by start ascending (longer match wins on
// a tied start) and greedily keeps non-overlapping ones, preferring the
// earlier-starting candidate whenever two overlap.
func resolveOverlaps(all []candidate) []candidate {
	sort.Slice(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return (all[i].end - all[i].start) > (all[j].end - all[j].start)
	})
	var kept []candidate
	lastEnd := -1
	for _, c := range all {
		if c.start < lastEnd {
			continue
		}
		kept = append(kept, c)
		lastEnd = c.end
	}
	return kept
}

func clampToRuneBoundary(s string, idx int) int {
	for idx > 0 && idx < len(s) && !utf8.RuneStart(s[idx]) {
		idx--
	}
	return idx
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Restore replaces every placeholder occurrence in text with its original
// literal. Safe to call on a non-streamed, fully-buffered body.
func Restore(text string, rm *RedactionMap) string {
	if rm.IsEmpty() {
		return text
	}
	oldnew := make([]string, 0, 2*len(rm.Placeholders()))
	for ph, lit := range rm.Placeholders() {
		oldnew = append(oldnew, ph, lit)
	}
	return strings.NewReplacer(oldnew...).Replace(text)
}
