package orchestration

import "strings"

// sensitiveKeys are matched case-insensitively as substrings of payload
// keys before any payload reaches a log record.
var sensitiveKeys = []string{
	"password", "token", "secret", "authorization", "apikey", "cookie", "credentials",
}

const redactedValue = "[REDACTED]"

// RedactPayload returns a copy of the payload with sensitive values
// replaced, recursing into nested maps. The input is never mutated.
func RedactPayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		if isSensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return map[string]any(RedactPayload(Payload(vv)))
	case Payload:
		return RedactPayload(vv)
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
