package generation

import (
	"fmt"
	"strings"
)

// idPool hands out fallback ids of the form prefix+n that never collide with
// an id the model supplied anywhere in the same list.
type idPool struct {
	prefix string
	taken  map[string]bool
	n      int
}

func newIDPool(prefix string, supplied []string) *idPool {
	p := &idPool{prefix: prefix, taken: make(map[string]bool, len(supplied))}
	for _, id := range supplied {
		if id = strings.TrimSpace(id); id != "" {
			p.taken[id] = true
		}
	}
	return p
}

func (p *idPool) next() string {
	for {
		p.n++
		id := fmt.Sprintf("%s%d", p.prefix, p.n)
		if !p.taken[id] {
			p.taken[id] = true
			return id
		}
	}
}
