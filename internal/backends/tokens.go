package backends

import (
	"encoding/json"
	"strings"
)

// TokenUsage is the response metadata the proxy extracts per request for
// logging, independent of which backend produced it.
type TokenUsage struct {
	InputTokens       int64 `json:"inputTokens"`
	OutputTokens      int64 `json:"outputTokens"`
	CacheReadTokens   int64 `json:"cacheReadTokens"`
	CacheCreateTokens int64 `json:"cacheCreateTokens"`
	TotalTokens       int64 `json:"totalTokens"`
}

// ExtractTokenUsage extracts response token counts for logging, independent
// of which backend produced the response. contentType decides how body is
// parsed: text/event-stream bodies are scanned frame by frame for the
// terminal usage event; everything else is trial-unmarshaled as a single
// JSON document against the shapes used by the built-in backends.
func ExtractTokenUsage(body []byte, contentType string) *TokenUsage {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "text/event-stream") {
		return extractSSEUsage(body)
	}
	return extractJSONUsage(body)
}

func extractJSONUsage(body []byte) *TokenUsage {
	var anthropic struct {
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(body, &anthropic) == nil {
		u := anthropic.Usage
		if u.InputTokens > 0 || u.OutputTokens > 0 {
			return &TokenUsage{
				InputTokens:       u.InputTokens,
				OutputTokens:      u.OutputTokens,
				CacheReadTokens:   u.CacheReadInputTokens,
				CacheCreateTokens: u.CacheCreationInputTokens,
				TotalTokens:       u.InputTokens + u.OutputTokens,
			}
		}
	}

	var openai struct {
		Usage struct {
			PromptTokens        int64 `json:"prompt_tokens"`
			CompletionTokens    int64 `json:"completion_tokens"`
			TotalTokens         int64 `json:"total_tokens"`
			PromptTokensDetails struct {
				CachedTokens int64 `json:"cached_tokens"`
			} `json:"prompt_tokens_details"`
		} `json:"usage"`
	}
	if json.Unmarshal(body, &openai) == nil && openai.Usage.TotalTokens > 0 {
		return &TokenUsage{
			InputTokens:     openai.Usage.PromptTokens,
			OutputTokens:    openai.Usage.CompletionTokens,
			CacheReadTokens: openai.Usage.PromptTokensDetails.CachedTokens,
			TotalTokens:     openai.Usage.TotalTokens,
		}
	}

	return nil
}

// sseUsageEvent covers both shapes a "data: " frame's usage counters show
// up in: Anthropic's message_start (input side) and message_delta (output
// side) events, and OpenAI/Codex's usage-bearing final stream chunk.
type sseUsageEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		PromptTokens             int64 `json:"prompt_tokens"`
		CompletionTokens         int64 `json:"completion_tokens"`
		TotalTokens              int64 `json:"total_tokens"`
		PromptTokensDetails      struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// extractSSEUsage walks every "data: " frame of a streamed response and
// accumulates the counters from the terminal usage event: Anthropic splits
// input tokens onto message_start and output tokens onto message_delta,
// while OpenAI-style backends attach the whole usage block to one final
// chunk.
func extractSSEUsage(body []byte) *TokenUsage {
	var usage TokenUsage
	found := false

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var event sseUsageEvent
		if json.Unmarshal([]byte(payload), &event) != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message.Usage.InputTokens > 0 {
				usage.InputTokens = event.Message.Usage.InputTokens
				usage.CacheReadTokens = event.Message.Usage.CacheReadInputTokens
				usage.CacheCreateTokens = event.Message.Usage.CacheCreationInputTokens
				found = true
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = event.Usage.OutputTokens
				found = true
			}
		default:
			if event.Usage.TotalTokens > 0 {
				usage.InputTokens = event.Usage.PromptTokens
				usage.OutputTokens = event.Usage.CompletionTokens
				usage.CacheReadTokens = event.Usage.PromptTokensDetails.CachedTokens
				usage.TotalTokens = event.Usage.TotalTokens
				found = true
			}
		}
	}

	if !found {
		return nil
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return &usage
}
