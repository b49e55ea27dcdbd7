package imap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// UID represents an IMAP unique identifier.
type UID uint32

// NumRange represents a range of UIDs.
// If Start == Stop, it represents a single number.
// If Stop is 0, it represents "Start:*".
type NumRange struct {
	Start uint32
	Stop  uint32 // 0 means "*"
}

// Contains checks if a number is within this range.
func (r NumRange) Contains(num uint32) bool {
	if r.Stop == 0 {
		return num >= r.Start
	}
	start, stop := r.Start, r.Stop
	if start > stop {
		start, stop = stop, start
	}
	return num >= start && num <= stop
}

// String returns the string representation of the range.
func (r NumRange) String() string {
	if r.Start == r.Stop {
		return strconv.FormatUint(uint64(r.Start), 10)
	}
	start := strconv.FormatUint(uint64(r.Start), 10)
	if r.Stop == 0 {
		return start + ":*"
	}
	return start + ":" + strconv.FormatUint(uint64(r.Stop), 10)
}

// UIDSet represents a set of UIDs.
type UIDSet struct {
	Set []NumRange
}

// UIDSetOf builds a compact set from individual UIDs, merging runs of
// consecutive values into ranges.
func UIDSetOf(uids ...UID) *UIDSet {
	sorted := make([]UID, len(uids))
	copy(sorted, uids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	set := &UIDSet{}
	for _, u := range sorted {
		if u == 0 {
			continue
		}
		if n := len(set.Set); n > 0 {
			last := &set.Set[n-1]
			if uint32(u) == last.Stop {
				continue
			}
			if uint32(u) == last.Stop+1 {
				last.Stop = uint32(u)
				continue
			}
		}
		set.Set = append(set.Set, NumRange{Start: uint32(u), Stop: uint32(u)})
	}
	return set
}

// ParseUIDSet parses a UID set string like "1,2:5,10:*".
func ParseUIDSet(s string) (*UIDSet, error) {
	if s == "" {
		return nil, fmt.Errorf("imap: empty number set")
	}

	parts := strings.Split(s, ",")
	ranges := make([]NumRange, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("imap: empty range in number set")
		}
		startStr, stopStr, isRange := strings.Cut(part, ":")
		start, err := parseSetNum(startStr)
		if err != nil {
			return nil, err
		}
		stop := start
		if isRange {
			if stop, err = parseSetNum(stopStr); err != nil {
				return nil, err
			}
		}
		ranges = append(ranges, NumRange{Start: start, Stop: stop})
	}
	return &UIDSet{Set: ranges}, nil
}

// String returns the IMAP string representation.
func (us *UIDSet) String() string {
	parts := make([]string, len(us.Set))
	for i, r := range us.Set {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// Contains checks if a UID is in the set.
func (us *UIDSet) Contains(uid UID) bool {
	for _, r := range us.Set {
		if r.Contains(uint32(uid)) {
			return true
		}
	}
	return false
}

// IsEmpty returns true if the set contains no ranges.
func (us *UIDSet) IsEmpty() bool {
	return len(us.Set) == 0
}

func parseSetNum(s string) (uint32, error) {
	if s == "*" {
		return 0, nil // 0 represents "*"
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("imap: invalid number %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("imap: number must be non-zero")
	}
	return uint32(n), nil
}
