package policy

import "regexp"

type redactionRule struct {
	kind    string
	pattern *regexp.Regexp
}

// Rules run in order. Cards and SSNs go before phones since a phone pattern
// would otherwise swallow their digit runs.
var transcriptRules = []redactionRule{
	{"EMAIL", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"CARD", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"PHONE", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// RedactPII masks emails, card numbers, US social security numbers and phone
// numbers in a transcript line. Each match becomes [REDACTED_<KIND>].
func RedactPII(input string) (redacted string, changed bool) {
	kinds := RedactedKinds(input)
	if len(kinds) == 0 {
		return input, false
	}
	out := input
	for _, rule := range transcriptRules {
		out = rule.pattern.ReplaceAllLiteralString(out, "[REDACTED_"+rule.kind+"]")
	}
	return out, true
}

// RedactedKinds lists the PII kinds RedactPII would mask in input, in rule
// order. Matches hidden by an earlier rule are not reported.
func RedactedKinds(input string) []string {
	var kinds []string
	out := input
	for _, rule := range transcriptRules {
		next := rule.pattern.ReplaceAllLiteralString(out, "[REDACTED_"+rule.kind+"]")
		if next != out {
			kinds = append(kinds, rule.kind)
		}
		out = next
	}
	return kinds
}
