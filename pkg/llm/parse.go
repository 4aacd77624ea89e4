package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amila-ai/amila/pkg/resilience"
)

// StripFences removes markdown code fences models sometimes wrap around
// JSON output despite JSON mode, and trims to the outermost object.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	// Trim any prose around the outermost JSON object.
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end <= start {
		return s
	}
	return s[start : end+1]
}

// Decode parses a model completion into out, tolerating code fences and
// surrounding prose. Failures are classified as llm_error so the caller's
// retry policy treats malformed output as retryable.
func Decode(raw string, out any) error {
	if err := json.Unmarshal([]byte(StripFences(raw)), out); err != nil {
		return resilience.NewError(resilience.KindLLM, "llm_parse",
			fmt.Errorf("decode llm output: %w", err))
	}
	return nil
}
