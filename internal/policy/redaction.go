package policy

import "regexp"

var (
	googleKeyPattern  = regexp.MustCompile(`AIza[0-9A-Za-z_\-]{30,}`)
	bearerPattern     = regexp.MustCompile(`(?i)bearer\s+[0-9A-Za-z._\-]{8,}`)
	keyParamPattern   = regexp.MustCompile(`(?i)([?&](?:key|api_key|access_token)=)[^&\s"]+`)
	keyFieldPattern   = regexp.MustCompile(`(?i)("?(?:api[_-]?key|token|secret|password)"?\s*[:=]\s*)"?[^",\s]+"?`)
	postgresURLSecret = regexp.MustCompile(`(postgres(?:ql)?://[^:/\s]+:)[^@\s]+(@)`)
)

// ScrubCredentials masks key material that backend errors tend to echo
// back, so the string is safe to show in the call UI and to log.
func ScrubCredentials(input string) (scrubbed string, changed bool) {
	out := input

	next := googleKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "bearer [REDACTED]")
	changed = changed || next != out
	out = next

	next = keyParamPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = keyFieldPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = postgresURLSecret.ReplaceAllString(out, "${1}[REDACTED]${2}")
	changed = changed || next != out
	out = next

	return out, changed
}
