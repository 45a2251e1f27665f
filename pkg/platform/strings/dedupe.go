// Package strings provides string manipulation utilities.
package strings

import (
	"strings"
)

// SplitList splits each value on commas and returns the trimmed, non-empty
// parts with duplicates removed. Order of first appearance is preserved, so
// "?state=approved,overdue&state=approved" yields [approved overdue].
func SplitList(values ...string) []string {
	var result []string
	seen := make(map[string]struct{})

	for _, v := range values {
		for part := range strings.SplitSeq(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			result = append(result, part)
		}
	}

	return result
}
