package zeroconf

import (
	"strings"
)

// trimDot is used to trim the dots from the start or end of a string
func trimDot(s string) string {
	return strings.Trim(s, ".")
}

func ensureSuffix(s, suffix string) string {
	if s == "" || strings.HasSuffix(s, suffix) {
		return s
	}
	return s + suffix
}
