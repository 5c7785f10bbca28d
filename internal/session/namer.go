package session

import (
	"strconv"
	"strings"
	"sync"
)

// Namer derives session names from target addresses. Names are unique for
// the lifetime of the Namer and depend only on the order of requests.
type Namer struct {
	prefix string
	mu     sync.Mutex
	issued map[string]struct{}
	seen   map[string]int
}

// NewNamer creates a Namer whose names start with prefix.
func NewNamer(prefix string) *Namer {
	return &Namer{
		prefix: prefix,
		issued: make(map[string]struct{}),
		seen:   make(map[string]int),
	}
}

// Name returns the next name for address: prefix_<address> for the first
// request, then prefix_<address>_2, prefix_<address>_3 and so on.
func (n *Namer) Name(address string) string {
	base := n.prefix + "_" + sanitize(address)

	n.mu.Lock()
	defer n.mu.Unlock()

	count := n.seen[base]
	for {
		count++
		name := base
		if count > 1 {
			name = base + "_" + strconv.Itoa(count)
		}
		if _, taken := n.issued[name]; !taken {
			n.seen[base] = count
			n.issued[name] = struct{}{}
			return name
		}
	}
}

// sanitize keeps characters that are safe in multiplexer session names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
