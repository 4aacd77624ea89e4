// Package results implements the result store: SQL-keyed caching of full
// query results with reference indirection for large payloads.
package results

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizeSQL canonicalizes a SQL statement for cache keying: comments are
// stripped, string and numeric literals are replaced with ? placeholders,
// whitespace is collapsed, trailing semicolons are dropped and everything is
// lowercased. Normalization is idempotent, so semantically identical queries
// that differ only in formatting or literal values share a cache entry.
func NormalizeSQL(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	runes := []rune(sql)
	n := len(runes)
	for i := 0; i < n; {
		r := runes[i]
		switch {
		// Line comment.
		case r == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}
			b.WriteRune(' ')
		// Block comment.
		case r == '/' && i+1 < n && runes[i+1] == '*':
			i += 2
			for i+1 < n && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i += 2
			b.WriteRune(' ')
		// String literal, with '' escaping.
		case r == '\'':
			i++
			for i < n {
				if runes[i] == '\'' {
					if i+1 < n && runes[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			b.WriteRune('?')
		// Numeric literal, only when not part of an identifier.
		case unicode.IsDigit(r) && !endsWithIdentRune(&b):
			for i < n && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			b.WriteRune('?')
		default:
			b.WriteRune(unicode.ToLower(r))
			i++
		}
	}

	out := strings.Join(strings.Fields(b.String()), " ")
	out = strings.TrimRight(out, "; ")
	return out
}

func endsWithIdentRune(b *strings.Builder) bool {
	s := b.String()
	if s == "" {
		return false
	}
	last := rune(s[len(s)-1])
	return last == '_' || last == '?' || unicode.IsLetter(last) || unicode.IsDigit(last)
}

// CacheKey derives the result-store key for a statement on a given backend:
// sha256 over the normalized SQL concatenated with the database type.
func CacheKey(sql, databaseType string) string {
	h := sha256.Sum256([]byte(NormalizeSQL(sql) + "|" + databaseType))
	return hex.EncodeToString(h[:])
}
