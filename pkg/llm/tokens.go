package llm

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with tiktoken, caching encodings per model.
// When an encoding cannot be loaded (offline, unknown model) it falls back
// to a conservative 4-characters-per-token estimate.
type TokenCounter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

func NewTokenCounter() *TokenCounter {
	return &TokenCounter{cache: make(map[string]*tiktoken.Tiktoken)}
}

func (c *TokenCounter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.RLock()
	enc, ok := c.cache[model]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("Token encoding unavailable, using estimate", "model", model, "error", err)
			enc = nil
		}
	}
	c.cache[model] = enc
	return enc
}

// Count returns the token count of text for the model.
func (c *TokenCounter) Count(model, text string) int {
	if enc := c.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// TrimToBudget truncates text to at most budget tokens, cutting on line
// boundaries so schema fragments stay parseable. budget <= 0 means no trim.
func (c *TokenCounter) TrimToBudget(model, text string, budget int) string {
	if budget <= 0 || c.Count(model, text) <= budget {
		return text
	}
	lines := strings.Split(text, "\n")
	var b strings.Builder
	used := 0
	for _, line := range lines {
		n := c.Count(model, line+"\n")
		if used+n > budget {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
		used += n
	}
	return strings.TrimRight(b.String(), "\n")
}
