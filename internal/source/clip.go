package source

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

// runesPerToken approximates token length when no encoding is available.
const runesPerToken = 4

var loadEncoding = sync.OnceValues(func() (*tiktoken.Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		slog.Warn("token encoding unavailable, clipping by characters", "encoding", encodingName, "error", err)
	}
	return enc, err
})

// CountTokens returns the number of cl100k_base tokens in text, or an
// estimate when the encoding cannot be loaded.
func CountTokens(text string) int {
	enc, err := loadEncoding()
	if err != nil {
		return (utf8.RuneCountInString(text) + runesPerToken - 1) / runesPerToken
	}
	return len(enc.Encode(text, nil, nil))
}

// Clip shortens text to at most maxTokens tokens. A non-positive maxTokens
// disables clipping.
func Clip(text string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return text
	}
	enc, err := loadEncoding()
	if err != nil {
		return clipRunes(text, maxTokens*runesPerToken)
	}

	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	// A cut can fall inside a multi-byte character.
	return strings.ToValidUTF8(enc.Decode(tokens[:maxTokens]), "")
}

func clipRunes(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n])
}
