// Package sql holds the dialect layer shared by both backends along with
// the statement screening applied to raw escape-hatch queries.
package sql

import (
	"errors"
	"strings"
)

var (
	// ErrMultipleStatements indicates the query contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")
	ErrEmptyStatement     = errors.New("empty SQL statement")
)

// ValidateAndNormalize trims whitespace and a single trailing semicolon,
// then rejects anything that still contains a statement separator outside
// of a quoted literal, identifier or comment. The text is scanned with the
// quoting rules of each backend in turn and a separator seen under either
// is rejected, so "$$a;b$$" fails even though PostgreSQL reads it as one
// literal.
func ValidateAndNormalize(sqlQuery string) (string, error) {
	normalized := stripTrailingSemicolon(strings.TrimSpace(sqlQuery))
	if normalized == "" {
		return "", ErrEmptyStatement
	}

	for _, lex := range []lexicon{sqliteLexicon, postgresLexicon} {
		separator := false
		scanOutsideLiterals(normalized, lex, func(_ int, c byte) bool {
			if c == ';' {
				separator = true
				return false
			}
			return true
		})
		if separator {
			return "", ErrMultipleStatements
		}
	}
	return normalized, nil
}

// lexicon lists the quoting forms a backend recognizes beyond standard
// '...' literals, "..." identifiers and comments.
type lexicon struct {
	escapeStrings bool // E'...' where a backslash escapes the next character
	dollarQuotes  bool // $tag$...$tag$
	bracketIdents bool // [name] and `name`
}

var (
	sqliteLexicon   = lexicon{bracketIdents: true}
	postgresLexicon = lexicon{escapeStrings: true, dollarQuotes: true}
)

// scanOutsideLiterals calls fn for every byte that is not inside a quoted
// literal, a quoted identifier or a comment. Scanning stops when fn returns
// false. A doubled quote inside a literal is an escaped quote; a backslash
// is an ordinary character except in an E'...' literal.
func scanOutsideLiterals(query string, lex lexicon, fn func(offset int, c byte) bool) {
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			if lex.escapeStrings && i > 0 && (query[i-1] == 'E' || query[i-1] == 'e') && (i == 1 || !isIdentByte(query[i-2])) {
				i = skipEscapeString(query, i+1)
			} else {
				i = skipQuoted(query, i+1, '\'')
			}
		case c == '"':
			i = skipQuoted(query, i+1, '"')
		case c == '`' && lex.bracketIdents:
			i = skipQuoted(query, i+1, '`')
		case c == '[' && lex.bracketIdents:
			i = skipPast(query, i+1, "]")
		case c == '-' && strings.HasPrefix(query[i:], "--"):
			i = skipPast(query, i+2, "\n")
		case c == '/' && strings.HasPrefix(query[i:], "/*"):
			i = skipPast(query, i+2, "*/")
		case c == '$' && lex.dollarQuotes && (i == 0 || !isIdentByte(query[i-1])):
			if tag := dollarTag(query[i:]); tag != "" {
				i = skipPast(query, i+len(tag), tag)
				continue
			}
			if !fn(i, c) {
				return
			}
		default:
			if !fn(i, c) {
				return
			}
		}
	}
}

// skipQuoted returns the offset of the quote closing a literal that starts
// at from. A doubled quote re-enters the literal, which the loop in
// scanOutsideLiterals handles by seeing the second quote as a new opening.
func skipQuoted(query string, from int, quote byte) int {
	if n := strings.IndexByte(query[from:], quote); n >= 0 {
		return from + n
	}
	return len(query)
}

func skipEscapeString(query string, from int) int {
	for i := from; i < len(query); i++ {
		switch query[i] {
		case '\\':
			i++
		case '\'':
			if i+1 < len(query) && query[i+1] == '\'' {
				i++
				continue
			}
			return i
		}
	}
	return len(query)
}

// skipPast returns the offset of the last byte of the first end at or after
// from, or the end of query when end never appears.
func skipPast(query string, from int, end string) int {
	if n := strings.Index(query[from:], end); n >= 0 {
		return from + n + len(end) - 1
	}
	return len(query)
}

// dollarTag returns the $tag$ opening s, or "" when s does not start one.
func dollarTag(s string) string {
	for i := 1; i < len(s); i++ {
		switch c := s[i]; {
		case c == '$':
			return s[:i+1]
		case isIdentByte(c) && !(i == 1 && c >= '0' && c <= '9'):
		default:
			return ""
		}
	}
	return ""
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func stripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	if strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimSuffix(sqlQuery, ";")
		sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	}
	return sqlQuery
}
