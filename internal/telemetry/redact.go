package telemetry

import "regexp"

// redactionPatterns match secret-shaped substrings before they reach the
// audit sink or captured sandbox output included in telemetry. The set is
// deliberately narrow — false negatives are preferable to mangling
// legitimate output wholesale.
var redactionPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*["']?[A-Za-z0-9_\-/+=]{8,}["']?`), "$1=[REDACTED]"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.]{10,}`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED-SSN]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`), "[REDACTED-CC]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[REDACTED-EMAIL]"},
}

// Redact scrubs secret-shaped substrings from s. It is applied to every
// audit field and to captured sandbox output before either is persisted.
func Redact(s string) string {
	for _, p := range redactionPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}
