package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Log field caps. Routes are chi patterns in practice, raw paths only for 404s.
const (
	maxRouteLen  = 180
	maxMethodLen = 10
	maxUIDLen    = 64
)

// clip drops control characters (tabs and newlines included) and truncates on a rune boundary.
func clip(value string, limit int) string {
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

func SanitizeRoute(route string) string {
	if route = clip(route, maxRouteLen); route == "" {
		return "/"
	}
	return route
}

func SanitizeMethod(method string) string {
	return strings.ToUpper(clip(method, maxMethodLen))
}

// SanitizeUserID bounds caller identifiers written to logs and metric labels.
func SanitizeUserID(uid string) string {
	return clip(strings.TrimSpace(uid), maxUIDLen)
}
