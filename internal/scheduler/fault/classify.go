package fault

import (
	"strings"
)

// Classification of an execution failure, driving the recovery strategy.
type Classification string

const (
	// Transient failures (timeouts, connection resets, temporary overload)
	// are retried in place with backoff.
	Transient Classification = "transient"
	// Persistent failures (permission denied, invalid input, resource
	// exhaustion) trigger relocation to an alternative resource of the
	// same tier.
	Persistent Classification = "persistent"
	// SystemCritical failures (hardware failure, host unreachable) trigger
	// tier failover if confidentiality allows.
	SystemCritical Classification = "system_critical"
	// Unknown failures are treated as transient exactly once, then
	// re-classified as persistent if they recur.
	Unknown Classification = "unknown"
)

var (
	transientPatterns = []string{
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"temporarily",
		"temporary",
		"overload",
		"too many requests",
		"unavailable",
	}
	persistentPatterns = []string{
		"permission denied",
		"unauthorized",
		"forbidden",
		"invalid",
		"malformed",
		"exhausted",
		"out of memory",
		"quota",
	}
	criticalPatterns = []string{
		"hardware",
		"unreachable",
		"device lost",
		"gpu lost",
		"ecc error",
		"kernel",
		"host down",
	}
)

// Classify pattern-matches a failure message against the known failure
// kinds. Messages matching nothing are Unknown.
func Classify(message string) Classification {
	lowered := strings.ToLower(message)
	for _, pattern := range criticalPatterns {
		if strings.Contains(lowered, pattern) {
			return SystemCritical
		}
	}
	for _, pattern := range persistentPatterns {
		if strings.Contains(lowered, pattern) {
			return Persistent
		}
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(lowered, pattern) {
			return Transient
		}
	}
	return Unknown
}
