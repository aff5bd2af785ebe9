// Package ranges parses the textual id-range and skip-list grammars used by
// the scan commands.
package ranges

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseInt parses a decimal or 0x-prefixed hex integer.
func ParseInt(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("parse int %q: %w", s, err)
	}
	return uint32(v), nil
}

// Parse expands a comma separated list of single ids or inclusive a-b ranges
// into a sorted, deduplicated slice. Example: "1-3,5" -> [1 2 3 5].
func Parse(listing string) ([]uint32, error) {
	seen := make(map[uint32]struct{})

	for _, elem := range strings.Split(listing, ",") {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			return nil, fmt.Errorf("empty range element in %q", listing)
		}

		if first, last, ok := strings.Cut(elem, "-"); ok {
			lo, err := ParseInt(first)
			if err != nil {
				return nil, err
			}
			hi, err := ParseInt(last)
			if err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, fmt.Errorf("descending range %q", elem)
			}
			for v := lo; ; v++ {
				seen[v] = struct{}{}
				if v == hi {
					break
				}
			}
		} else {
			v, err := ParseInt(elem)
			if err != nil {
				return nil, err
			}
			seen[v] = struct{}{}
		}
	}

	out := make([]uint32, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SkipMap maps a session id to the ids skipped within it. A nil value means
// the whole session is skipped.
type SkipMap map[uint32][]uint32

// SkipsSession reports whether the session is skipped entirely.
func (m SkipMap) SkipsSession(session uint32) bool {
	ids, ok := m[session]
	return ok && ids == nil
}

// Contains reports whether id is skipped within session.
func (m SkipMap) Contains(session, id uint32) bool {
	ids, ok := m[session]
	if !ok {
		return false
	}
	if ids == nil {
		return true
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ParseSkips parses whitespace separated skip entries. Each entry is either a
// session range (skip those sessions entirely) or "session-range:id-range"
// (skip the listed ids within the listed sessions).
func ParseSkips(entries []string) (SkipMap, error) {
	skips := make(SkipMap)

	for _, entry := range entries {
		for _, part := range strings.Fields(entry) {
			sessionPart, idPart, hasIDs := strings.Cut(part, ":")

			sessions, err := Parse(sessionPart)
			if err != nil {
				return nil, fmt.Errorf("malformed skip %q: %w", part, err)
			}

			if !hasIDs {
				for _, session := range sessions {
					skips[session] = nil
				}
				continue
			}

			ids, err := Parse(idPart)
			if err != nil {
				return nil, fmt.Errorf("malformed skip %q: %w", part, err)
			}
			for _, session := range sessions {
				// A whole-session skip wins over per-id skips.
				if existing, ok := skips[session]; ok && existing == nil {
					continue
				}
				skips[session] = append(skips[session], ids...)
			}
		}
	}

	return skips, nil
}
