package imap

import (
	"sort"
	"strings"
	"sync"
)

// Cap represents an IMAP capability.
type Cap string

// Capabilities the engine looks at.
const (
	CapIMAP4rev1     Cap = "IMAP4rev1"
	CapIMAP4rev2     Cap = "IMAP4rev2"
	CapStartTLS      Cap = "STARTTLS"
	CapLoginDisabled Cap = "LOGINDISABLED"
	CapSASLIR        Cap = "SASL-IR"
	CapChildren      Cap = "CHILDREN"
	CapCondStore     Cap = "CONDSTORE"
	CapIdle          Cap = "IDLE"
	CapUnselect      Cap = "UNSELECT"
	CapURLAuth       Cap = "URLAUTH"
	CapBinary        Cap = "BINARY"
)

// CapSet is a set of IMAP capabilities, safe for concurrent use.
type CapSet struct {
	mu   sync.RWMutex
	caps map[Cap]bool
}

// NewCapSet creates a new CapSet with the given capabilities.
func NewCapSet(caps ...Cap) *CapSet {
	cs := &CapSet{caps: make(map[Cap]bool, len(caps))}
	for _, c := range caps {
		cs.caps[normalizeCap(c)] = true
	}
	return cs
}

// ParseCaps parses a space-separated capability list as found after
// "* CAPABILITY" or inside a [CAPABILITY ...] response code.
func ParseCaps(s string) *CapSet {
	fields := strings.Fields(s)
	caps := make([]Cap, len(fields))
	for i, f := range fields {
		caps[i] = Cap(f)
	}
	return NewCapSet(caps...)
}

// Capability names compare case-insensitively; the canonical form is upper case.
func normalizeCap(c Cap) Cap {
	return Cap(strings.ToUpper(string(c)))
}

// Has returns true if the set contains the given capability.
func (cs *CapSet) Has(c Cap) bool {
	if cs == nil {
		return false
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.caps[normalizeCap(c)]
}

// HasAuth returns true if the set advertises AUTH=<mechanism>.
func (cs *CapSet) HasAuth(mechanism string) bool {
	return cs.Has(Cap("AUTH=" + mechanism))
}

// Replace swaps the contents of the set for other's.
func (cs *CapSet) Replace(other *CapSet) {
	all := other.All()
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.caps = make(map[Cap]bool, len(all))
	for _, c := range all {
		cs.caps[c] = true
	}
}

// All returns the capabilities sorted by name.
func (cs *CapSet) All() []Cap {
	if cs == nil {
		return nil
	}
	cs.mu.RLock()
	result := make([]Cap, 0, len(cs.caps))
	for c := range cs.caps {
		result = append(result, c)
	}
	cs.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Len returns the number of capabilities in the set.
func (cs *CapSet) Len() int {
	if cs == nil {
		return 0
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.caps)
}

// String returns the capabilities as a space-separated string.
func (cs *CapSet) String() string {
	caps := cs.All()
	strs := make([]string, len(caps))
	for i, c := range caps {
		strs[i] = string(c)
	}
	return strings.Join(strs, " ")
}
