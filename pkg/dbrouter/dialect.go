// Package dbrouter routes SQL execution and schema retrieval to the
// backend adapters (oracle, doris, postgres), wrapping every call in the
// shared breaker, retry, and deadline policy and normalizing backend
// errors into typed kinds.
package dbrouter

import (
	"strings"
	"unicode"

	"github.com/amila-ai/amila/pkg/models"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenSymbol
	tokenString
	tokenNumber
)

type token struct {
	kind tokenKind
	text string
}

// tokenize splits a statement into words, symbols, numbers and string
// literals. Comments are dropped; quoted identifiers come back as symbols
// so they are never re-quoted.
func tokenize(sql string) []token {
	var out []token
	runes := []rune(sql)
	n := len(runes)
	for i := 0; i < n; {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < n && runes[i+1] == '*':
			i += 2
			for i+1 < n && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i += 2
		case r == '\'':
			start := i
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
			out = append(out, token{tokenString, string(runes[start:i])})
		case r == '"' || r == '`':
			quote := r
			start := i
			i++
			for i < n && runes[i] != quote {
				i++
			}
			if i < n {
				i++
			}
			out = append(out, token{tokenSymbol, string(runes[start:i])})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < n && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '$' || runes[i] == '#') {
				i++
			}
			out = append(out, token{tokenWord, string(runes[start:i])})
		case unicode.IsDigit(r):
			start := i
			for i < n && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			out = append(out, token{tokenNumber, string(runes[start:i])})
		case strings.ContainsRune("<>=!%^~|&+*/:", r):
			start := i
			for i < n && strings.ContainsRune("<>=!%^~|&+*/:", runes[i]) {
				i++
			}
			out = append(out, token{tokenSymbol, string(runes[start:i])})
		default:
			out = append(out, token{tokenSymbol, string(r)})
			i++
		}
	}
	return out
}

// WordTokens returns the statement's word tokens, uppercased, with comments
// and string literals stripped. Validation uses it to scan for forbidden
// keywords without tripping on literals.
func WordTokens(sql string) []string {
	var out []string
	for _, tok := range tokenize(sql) {
		if tok.kind == tokenWord {
			out = append(out, strings.ToUpper(tok.text))
		}
	}
	return out
}

// ShouldSkipProbe reports whether a limited probe execution would change the
// statement's semantics and must be skipped: GROUP BY, FETCH FIRST, OFFSET
// and UNION all interact with an injected row limit. The scan is token
// based, so those words inside string literals do not trigger a skip.
func ShouldSkipProbe(sql string) bool {
	toks := tokenize(sql)
	for i, tok := range toks {
		if tok.kind != tokenWord {
			continue
		}
		word := strings.ToUpper(tok.text)
		switch word {
		case "OFFSET", "UNION":
			return true
		case "GROUP", "FETCH":
			if next := nextWord(toks, i); (word == "GROUP" && next == "BY") || (word == "FETCH" && next == "FIRST") {
				return true
			}
		}
	}
	return false
}

func nextWord(toks []token, i int) string {
	for j := i + 1; j < len(toks); j++ {
		if toks[j].kind == tokenWord {
			return strings.ToUpper(toks[j].text)
		}
	}
	return ""
}

// Reserved words that commonly collide with business column names. Quoting
// is applied only in unambiguous identifier positions.
var oracleReserved = map[string]bool{
	"LEVEL": true, "SIZE": true, "COMMENT": true, "ACCESS": true,
	"MODE": true, "SESSION": true, "DATE": true, "NUMBER": true,
	"ROWID": true, "UID": true, "AUDIT": true, "RESOURCE": true,
}

var dorisReserved = map[string]bool{
	"RANK": true, "DATABASE": true, "SCHEMA": true, "KEY": true,
	"INTERVAL": true, "PARTITION": true, "DATE": true, "COMMENT": true,
}

// QuoteIdentifier quotes a single identifier for the dialect. Postgres
// identifiers are passed through unchanged; its folding rules make quoting
// a schema-owner decision, not ours.
func QuoteIdentifier(name string, dbType models.DatabaseType) string {
	switch dbType {
	case models.DatabaseOracle:
		return `"` + name + `"`
	case models.DatabaseDoris:
		return "`" + name + "`"
	default:
		return name
	}
}

// QuoteReservedIdentifiers rewrites a statement so reserved words used as
// identifiers are quoted for the dialect. Only unambiguous identifier
// positions are rewritten: a word following a dot (column access) or
// following AS (an alias). Keyword uses are left alone.
func QuoteReservedIdentifiers(sql string, dbType models.DatabaseType) string {
	var reserved map[string]bool
	switch dbType {
	case models.DatabaseOracle:
		reserved = oracleReserved
	case models.DatabaseDoris:
		reserved = dorisReserved
	default:
		return sql
	}

	toks := tokenize(sql)
	var b strings.Builder
	b.Grow(len(sql))
	for i, tok := range toks {
		text := tok.text
		if tok.kind == tokenWord && reserved[strings.ToUpper(text)] && inIdentifierPosition(toks, i) {
			text = QuoteIdentifier(text, dbType)
		}
		if i > 0 && needsSpace(toks[i-1], tok) {
			b.WriteRune(' ')
		}
		b.WriteString(text)
	}
	return b.String()
}

func inIdentifierPosition(toks []token, i int) bool {
	if i == 0 {
		return false
	}
	prev := toks[i-1]
	if prev.kind == tokenSymbol && prev.text == "." {
		return true
	}
	return prev.kind == tokenWord && strings.EqualFold(prev.text, "AS")
}

func needsSpace(prev, cur token) bool {
	if prev.kind == tokenSymbol && (prev.text == "." || prev.text == "(") {
		return false
	}
	if cur.kind == tokenSymbol && (cur.text == "." || cur.text == "," || cur.text == "(" || cur.text == ")" || cur.text == ";") {
		return false
	}
	return true
}
