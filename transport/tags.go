package transport

import (
	"strconv"
	"sync/atomic"

	imap "github.com/meszmate/imap-engine"
)

// tagGenerator mints tags that are unique for the lifetime of a transport.
type tagGenerator struct {
	counter atomic.Uint64
	prefix  string
}

func newTagGenerator(prefix string) *tagGenerator {
	return &tagGenerator{prefix: prefix}
}

// Next returns the next unique tag.
func (g *tagGenerator) Next() imap.Tag {
	n := g.counter.Add(1)
	return imap.Tag(g.prefix + strconv.FormatUint(n, 10))
}
