package strategy

import (
	"fmt"
	"strings"
	"unicode"
)

// ==================== TOKENS ====================

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenOperator // + - * / > < >= <= == != = ( )
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lexLine tokenizes one rule line. Identifiers may be dotted
// (candidate.change_pct); keywords are plain identifiers resolved by the
// parser.
func lexLine(line string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(line) {
		c := rune(line[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '#':
			// Comment runs to end of line.
			i = len(line)
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(line) && unicode.IsDigit(rune(line[i+1]))):
			start := i
			for i < len(line) && (unicode.IsDigit(rune(line[i])) || line[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokenNumber, line[start:i], start})
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(line) && (unicode.IsLetter(rune(line[i])) || unicode.IsDigit(rune(line[i])) || line[i] == '_' || line[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokenIdent, line[start:i], start})
		case c == '"':
			i++
			start := i
			var sb strings.Builder
			for i < len(line) && line[i] != '"' {
				if line[i] == '\\' && i+1 < len(line) {
					i++
				}
				sb.WriteByte(line[i])
				i++
			}
			if i >= len(line) {
				return nil, fmt.Errorf("unterminated string at column %d", start)
			}
			i++ // closing quote
			tokens = append(tokens, token{tokenString, sb.String(), start})
		case strings.ContainsRune("><=!", c):
			start := i
			i++
			if i < len(line) && line[i] == '=' {
				i++
			}
			op := line[start:i]
			if op == "!" {
				return nil, fmt.Errorf("unexpected '!' at column %d (use 'not')", start)
			}
			tokens = append(tokens, token{tokenOperator, op, start})
		case strings.ContainsRune("+-*/()", c):
			tokens = append(tokens, token{tokenOperator, string(c), i})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q at column %d", c, i)
		}
	}
	tokens = append(tokens, token{tokenEOF, "", len(line)})
	return tokens, nil
}
