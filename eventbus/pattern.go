package eventbus

import "strings"

// Match reports whether topic matches pattern
func Match(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ".*") {
		return pattern == topic
	}
	prefix := pattern[:len(pattern)-1]
	if !strings.HasPrefix(topic, prefix) {
		return false
	}
	rest := topic[len(prefix):]
	return rest != "" && !strings.Contains(rest, ".")
}

// ValidPattern reports whether pattern is a topic or a single-level wildcard
func ValidPattern(pattern string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == "" {
		return false
	}
	segments := strings.Split(pattern, ".")
	for i, seg := range segments {
		if seg == "" {
			return false
		}
		if strings.Contains(seg, "*") && (seg != "*" || i != len(segments)-1) {
			return false
		}
	}
	return true
}

func isWildcard(pattern string) bool {
	return strings.HasSuffix(pattern, "*")
}
