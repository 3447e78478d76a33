// Package fragment splits log text into the trigram atoms the rest of
// the engine indexes, blooms, and probes on. It is on the hot write
// path: every event written to a minute runs its message through
// Explode once; hosts are indexed verbatim and never exploded.
package fragment

import "strings"

// Explode splits data on whitespace and, for every word, inserts every
// contiguous 3-rune sliding window lowercased into fragments. Words
// shorter than 3 runes contribute nothing. Explode is pure: calling it
// repeatedly with the same arguments always yields the same fragments,
// and it never mutates data.
func Explode(fragments map[string]struct{}, data string) {
	for _, word := range strings.Fields(data) {
		runes := make([]rune, 0, len(word))
		for _, r := range strings.ToLower(word) {
			runes = append(runes, r)
			n := len(runes)
			if n > 2 {
				fragments[string(runes[n-3:])] = struct{}{}
			}
		}
	}
}

// ExplodeSet is a convenience wrapper over Explode that allocates and
// returns a fresh set instead of accumulating into a caller-owned one.
func ExplodeSet(data string) map[string]struct{} {
	fragments := make(map[string]struct{})
	Explode(fragments, data)
	return fragments
}
