package jobs

import "strings"

// Merge folds a freshly polled output buffer into the stored one. Servers
// resend the whole buffer on every poll, so when incoming extends stored
// only the new suffix is appended. Anything else means the server
// resynchronised or truncated its buffer, and incoming replaces stored.
//
// The prefix test cannot tell a resend from interleaved chunks; a server
// that streamed deltas would have its output replaced rather than joined.
func Merge(stored, incoming string) (merged string, replaced bool) {
	if strings.HasPrefix(incoming, stored) {
		return stored + incoming[len(stored):], false
	}
	return incoming, true
}
