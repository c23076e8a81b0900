// Package source turns user-supplied material (plain text, HTML pages, PDF
// files) into normalized source text and clips it to a token budget.
package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmpty is returned when extraction yields no text at all.
var ErrEmpty = errors.New("no text could be extracted")

// Normalize unifies line endings, collapses runs of blanks inside lines and
// keeps at most one empty line between paragraphs.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var (
		b     strings.Builder
		blank bool
	)
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			blank = b.Len() > 0
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
			if blank {
				b.WriteByte('\n')
			}
		}
		blank = false
		b.WriteString(strings.Join(fields, " "))
	}
	return b.String()
}

// FromFile extracts text from a local file. PDF and HTML are recognised by
// extension; everything else is read as UTF-8 text.
func FromFile(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return FromPDF(path)
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return FromHTML(f)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := Normalize(string(data))
	if text == "" {
		return "", fmt.Errorf("%s: %w", path, ErrEmpty)
	}
	return text, nil
}
