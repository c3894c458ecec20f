package eventstore

import "time"

// SanitizePayload normalizes an event payload before persistence: nil values
// are dropped, time values become ISO-8601 UTC strings, and nested maps and
// slices are sanitized recursively. Payloads are trees, so no cycle guard is
// needed.
func SanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		sv, keep := sanitizeValue(v)
		if keep {
			out[k] = sv
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch tv := v.(type) {
	case nil:
		return nil, false
	case time.Time:
		if tv.IsZero() {
			return nil, false
		}
		return tv.UTC().Format(time.RFC3339Nano), true
	case *time.Time:
		if tv == nil || tv.IsZero() {
			return nil, false
		}
		return tv.UTC().Format(time.RFC3339Nano), true
	case map[string]any:
		return SanitizePayload(tv), true
	case []any:
		items := make([]any, 0, len(tv))
		for _, item := range tv {
			si, keep := sanitizeValue(item)
			if keep {
				items = append(items, si)
			}
		}
		return items, true
	default:
		return v, true
	}
}
