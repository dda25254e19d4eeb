package session

import "regexp"

// sensitivePattern matches variable keys the Session Manager must redact
// from any snapshot handed back across the API boundary.
var sensitivePattern = regexp.MustCompile(`(?i)token|key|secret|password|auth|credential|api.?key`)

const redactedValue = "[REDACTED]"

// redactMap returns a copy of vars with sensitive-looking keys replaced by
// the literal redaction marker. Nested maps are redacted recursively so a
// sensitive key buried inside a structured variable is still caught.
// RedactVariables exposes redactMap to callers outside the package that
// need to render a variables map across the API boundary without going
// through a Session (e.g. the resolved-configuration endpoint).
func RedactVariables(vars map[string]any) map[string]any {
	return redactMap(vars)
}

func redactMap(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if sensitivePattern.MatchString(k) {
			out[k] = redactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
