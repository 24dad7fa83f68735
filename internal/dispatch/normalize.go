package dispatch

import "strings"

// Normalize prepares a raw transcript for insertion at the cursor: interior
// whitespace runs collapse to single spaces, leading whitespace is stripped,
// and exactly one trailing space is appended so consecutive dictations join
// cleanly. Empty and whitespace-only input normalizes to the empty string.
// The function is idempotent.
func Normalize(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.Join(fields, " ") + " "
}
