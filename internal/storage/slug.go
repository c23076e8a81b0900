package storage

import (
	"crypto/rand"
	"strconv"
	"strings"
	"time"
)

const slugAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewSlug returns a short public identifier: the base36 creation time in
// milliseconds followed by six random base36 characters.
func NewSlug() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 36))
	b.WriteByte('-')

	buf := make([]byte, 6)
	rand.Read(buf)
	for _, c := range buf {
		b.WriteByte(slugAlphabet[int(c)%len(slugAlphabet)])
	}
	return b.String()
}
