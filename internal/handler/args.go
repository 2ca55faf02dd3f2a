package handler

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// closingQuote maps each supported opening quote to its closing counterpart.
var closingQuote = map[rune]rune{
	'"': '"',
	'“': '”',
}

// SplitArgs tokenizes s on whitespace. Runs of whitespace count as one
// separator. A span quoted with "…" or “…” is kept as one token, embedded
// whitespace included. When an opening quote has no closing partner the rest of
// the input is split on whitespace literally, quote characters included.
func SplitArgs(s string) []string {
	tokens := []string{}
	i := 0
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if unicode.IsSpace(r) {
			i += size
			continue
		}
		if closer, ok := closingQuote[r]; ok {
			body := s[i+size:]
			end := strings.IndexRune(body, closer)
			if end < 0 {
				return append(tokens, strings.Fields(s[i:])...)
			}
			tokens = append(tokens, body[:end])
			i += size + end + utf8.RuneLen(closer)
			continue
		}
		start := i
		for i < len(s) {
			r, size = utf8.DecodeRuneInString(s[i:])
			if unicode.IsSpace(r) {
				break
			}
			i += size
		}
		tokens = append(tokens, s[start:i])
	}
	return tokens
}

// CommandArgs tokenizes a command message and drops the command word itself.
func CommandArgs(text string) []string {
	tokens := SplitArgs(text)
	if len(tokens) == 0 {
		return tokens
	}
	return tokens[1:]
}
