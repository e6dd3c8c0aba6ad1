package proxy

import (
	"encoding/json"

	"dlp-proxy/internal/dlp"
	"dlp-proxy/internal/patterns"
)

// structuralJSONKeys are skipped when walking a request body for string
// leaves: they carry protocol parameters, not user content, and redacting
// them would corrupt the request.
var structuralJSONKeys = map[string]bool{
	"model": true, "temperature": true, "max_tokens": true,
	"top_p": true, "top_k": true, "stream": true, "n": true, "role": true, "type": true,
}

// redactJSONBody parses body as JSON, walks every string leaf depth-first,
// and runs RedactLeaf on each leaf independently so context windows never
// cross field boundaries. It returns the reassembled JSON, the union
// RedactionMap for the whole request, and any pattern IDs that fired in
// Block mode (in which case callers must not use redactedBody).
func redactJSONBody(body []byte, compiled []*patterns.CompiledPattern) (redactedBody []byte, rm *dlp.RedactionMap, blocked []int64, err error) {
	rm = dlp.NewRedactionMap()

	var doc any
	if jsonErr := json.Unmarshal(body, &doc); jsonErr != nil {
		return nil, nil, nil, jsonErr
	}

	walked, walkErr := walkRedact(doc, compiled, rm, &blocked)
	if walkErr != nil {
		return nil, nil, nil, walkErr
	}
	if len(blocked) > 0 {
		return nil, rm, blocked, nil
	}

	out, marshalErr := json.Marshal(walked)
	if marshalErr != nil {
		return nil, nil, nil, marshalErr
	}
	return out, rm, nil, nil
}

func walkRedact(v any, compiled []*patterns.CompiledPattern, rm *dlp.RedactionMap, blocked *[]int64) (any, error) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return val, nil
		}
		redacted, leafBlocked, err := dlp.RedactLeaf(val, compiled, rm)
		if err != nil {
			return nil, err
		}
		if len(leafBlocked) > 0 {
			*blocked = append(*blocked, leafBlocked...)
			return val, nil
		}
		return redacted, nil
	case []any:
		for i, item := range val {
			r, err := walkRedact(item, compiled, rm, blocked)
			if err != nil {
				return nil, err
			}
			val[i] = r
			if len(*blocked) > 0 {
				return val, nil
			}
		}
		return val, nil
	case map[string]any:
		for k, item := range val {
			if structuralJSONKeys[k] {
				continue
			}
			r, err := walkRedact(item, compiled, rm, blocked)
			if err != nil {
				return nil, err
			}
			val[k] = r
			if len(*blocked) > 0 {
				return val, nil
			}
		}
		return val, nil
	default:
		return v, nil
	}
}

// extractModel returns the top-level "model" field of a JSON request body,
// if present.
func extractModel(body []byte) string {
	var doc struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	return doc.Model
}

// looksLikeJSON reports whether body appears to be a JSON object or array,
// used when no (or an empty) content-type header is present.
func looksLikeJSON(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}
