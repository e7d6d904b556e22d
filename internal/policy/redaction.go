package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// Korean resident registration number: YYMMDD-GNNNNNN.
	rrnPattern   = regexp.MustCompile(`\b\d{6}\s?-\s?[1-8]\d{6}\b`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks high-risk PII before conversation turns leave the process.
// Birth dates are kept on purpose: the persona reads fortunes from them.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		pattern *regexp.Regexp
		marker  string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		// RRN and card run before phone so they are not classified as phone numbers.
		{rrnPattern, "[REDACTED_RRN]"},
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
