package topics

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ParseFlag reports whether v reads as the integer 1 under leading-integer
// parsing: surrounding whitespace and trailing garbage are ignored ("1", " 1",
// "01", "1.9", "1abc" are set), non-numeric text is not ("true", "yes", "").
// Booleans are not numbers and never set a flag.
func ParseFlag(v any) bool {
	n, ok := leadingInt(v)
	return ok && n == "1"
}

// CoerceFlag normalises a flag supplied on creation to 0 or 1. Numeric input
// follows its integer value (any non-zero is 1). Any other non-empty string is
// treated as set, so "true" and "false" both store 1; empty input stores 0.
func CoerceFlag(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		if strings.TrimSpace(x) == "" {
			return 0
		}
		if n, ok := leadingInt(x); ok {
			if n == "0" {
				return 0
			}
			return 1
		}
		return 1
	}
	n, ok := leadingInt(v)
	if !ok || n == "0" {
		return 0
	}
	return 1
}

// leadingInt returns the canonical decimal form (no sign for non-negative
// values, no leading zeros) of the integer prefix of v.
func leadingInt(v any) (string, bool) {
	switch x := v.(type) {
	case int:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float32:
		return leadingInt(float64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		if math.Abs(x) >= 1e21 {
			return leadingInt(strconv.FormatFloat(x, 'e', -1, 64))
		}
		return strconv.FormatFloat(math.Trunc(x), 'f', 0, 64), true
	case string:
		return parseIntPrefix(x)
	default:
		return "", false
	}
}

func parseIntPrefix(s string) (string, bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return "", false
	}
	digits := strings.TrimLeft(s[:end], "0")
	if digits == "" {
		return "0", true
	}
	if neg {
		return "-" + digits, true
	}
	return digits, true
}
