package runner

import (
	"errors"
	"regexp"
)

// ErrRunTimeout marks an invocation killed by the hard timeout.
var ErrRunTimeout = errors.New("agent run timed out")

// ErrRunTransient marks a failure matching the transient pattern set after
// all retries were exhausted.
var ErrRunTransient = errors.New("agent run failed transiently")

// ErrRunFailure marks a non-transient failure.
var ErrRunFailure = errors.New("agent run failed")

// transientPattern matches error text that warrants a retry: network-level
// failures and gateway errors from the backend's API.
var transientPattern = regexp.MustCompile(`(?i)fetch failed|ECONNREFUSED|ECONNRESET|ETIMEDOUT|ENOTFOUND|socket hang up|network error|request timeout|\b50[234]\b`)

// IsTransient reports whether error text matches the transient pattern set.
func IsTransient(text string) bool {
	return transientPattern.MatchString(text)
}
