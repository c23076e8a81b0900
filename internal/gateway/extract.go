package gateway

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")

// ErrNoJSON is returned by ExtractJSON when the text holds no parseable JSON value.
var ErrNoJSON = errors.New("no JSON object found in model output")

// ExtractJSON pulls the structured payload out of free model text. Fenced
// code blocks win; otherwise the first balanced object or array is used.
func ExtractJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoJSON
	}

	if json.Valid([]byte(text)) {
		return []byte(text), nil
	}

	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		block := strings.TrimSpace(m[1])
		if json.Valid([]byte(block)) {
			return []byte(block), nil
		}
		if candidate, ok := balanced(block); ok {
			return candidate, nil
		}
	}

	if candidate, ok := balanced(text); ok {
		return candidate, nil
	}
	return nil, ErrNoJSON
}

// rescanFactor bounds the bytes spent rescanning from brackets that sit
// inside a quoted region, as a multiple of the text length.
const rescanFactor = 8

// balanced returns the first '{' or '[' whose matching close yields valid
// JSON. String literals and escapes are honoured.
func balanced(s string) ([]byte, bool) {
	closes := pairBrackets(s)
	budget := rescanFactor * len(s)
	for start := 0; start < len(s); start++ {
		if s[start] != '{' && s[start] != '[' {
			continue
		}
		end := closes[start]
		if end == quoted {
			if budget <= 0 {
				continue
			}
			end = matchClose(s, start)
			if end < 0 {
				budget -= len(s) - start
			} else {
				budget -= end - start
			}
		}
		if end < 0 {
			continue
		}
		candidate := []byte(s[start : end+1])
		if json.Valid(candidate) {
			return candidate, true
		}
	}
	return nil, false
}

// quoted marks an opening bracket that a scan from the start of the text
// sees inside a string literal. Its close depends on where scanning begins.
const quoted = -2

// pairBrackets scans s once and records, for every opening bracket outside a
// string literal, the index of the close that returns it to its depth, or -1.
// A scan from such a bracket sees the same string boundaries, so the result
// equals matchClose from that position.
func pairBrackets(s string) []int {
	closes := make([]int, len(s))
	for i := range closes {
		closes[i] = -1
	}
	var (
		open     []int
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '{' || c == '[' {
				closes[i] = quoted
			}
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			open = append(open, i)
		case '}', ']':
			if n := len(open); n > 0 {
				closes[open[n-1]] = i
				open = open[:n-1]
			}
		}
	}
	return closes
}

func matchClose(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
