// Package paginate merges sequential statement pages into one ordered record
// set and detects hanging pagination, where a portal keeps returning records
// already seen instead of advancing.
package paginate

import "github.com/jordimassana/bankfeed/internal/domain"

// MaxHangRetries bounds how often a caller should re-request the same page
// after a hang signal before marking the window truncated.
const MaxHangRetries = 2

// Accumulate merges newPage into existing. Pages are compared by natural-key
// sequences only, because mutable fields (balance formatting, cursors)
// change between fetches of the same records.
//
// hanging is true when newPage's key sequence is a contiguous sublist of
// existing's or vice versa; existing is then returned unchanged and the
// caller decides whether to retry the page or stop.
func Accumulate(existing, newPage []domain.Movement) (merged []domain.Movement, hanging bool) {
	if len(newPage) == 0 {
		return existing, false
	}

	existingKeys := domain.NaturalKeys(existing)
	newKeys := domain.NaturalKeys(newPage)

	if len(existingKeys) > 0 && (isSublist(existingKeys, newKeys) || isSublist(newKeys, existingKeys)) {
		return existing, true
	}

	// Adjacent pages may still overlap by a few records (cursor drift);
	// append only the unique tail.
	start := uniqueTailStart(existingKeys, newKeys)
	merged = append(existing, newPage[start:]...)
	return merged, false
}

// isSublist reports whether sub occurs in basic as a contiguous run with the
// same ordering.
func isSublist(basic, sub []string) bool {
	if len(sub) == 0 {
		return true
	}
	if len(sub) > len(basic) {
		return false
	}
	for i := 0; i+len(sub) <= len(basic); i++ {
		if basic[i] != sub[0] {
			continue
		}
		match := true
		for j := 1; j < len(sub); j++ {
			if basic[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// uniqueTailStart returns the index into tail where records stop repeating
// the end of base: the longest suffix of base equal to a prefix of tail.
func uniqueTailStart(base, tail []string) int {
	maxOverlap := len(tail)
	if len(base) < maxOverlap {
		maxOverlap = len(base)
	}
	for k := maxOverlap; k > 0; k-- {
		match := true
		for j := 0; j < k; j++ {
			if tail[j] != base[len(base)-k+j] {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}
