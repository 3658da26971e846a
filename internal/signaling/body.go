package signaling

import "strings"

// ParseHookState looks for a hook token in a NOTIFY/INFO body. found is
// false when the body says nothing about the hook.
func ParseHookState(body string) (offHook, found bool) {
	lower := strings.ToLower(body)
	if !strings.Contains(lower, "hook") {
		return false, false
	}
	offHook = strings.Contains(lower, "off-hook") || strings.Contains(lower, "offhook")
	return offHook, true
}

// ExtractDialedNumber returns the value of the first key=value line whose
// key names a number or digit and whose value is made of digits, '+' and
// '-' only.
func ExtractDialedNumber(body string) (string, bool) {
	for _, line := range strings.Split(body, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if !strings.Contains(key, "number") && !strings.Contains(key, "digit") {
			continue
		}
		value = strings.TrimSpace(value)
		if isDialString(value) {
			return value, true
		}
	}
	return "", false
}

func isDialString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '+' && r != '-' {
			return false
		}
	}
	return true
}
