package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseValue interprets a raw field value from the remote's key-value store.
//
// Values are stored as text: integers and floats plainly, strings quoted,
// arrays as "[v1,v2,...]". Anything unrecognized stays a string.
func ParseValue(raw string) any {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if inner == "" {
			return []any{}
		}
		parts := strings.Split(inner, ",")
		values := make([]any, len(parts))
		for i, p := range parts {
			values[i] = parseScalar(strings.TrimSpace(p))
		}
		return values
	}

	return parseScalar(s)
}

func parseScalar(s string) any {
	if 2 <= len(s) && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// FormatValue renders a field value into the remote's textual convention,
// the inverse of ParseValue.
func FormatValue(value any) string {
	switch v := value.(type) {
	case string:
		return `"` + v + `"`
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = FormatValue(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}
