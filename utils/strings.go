package utils

import (
	"strings"
	"unsafe"
)

func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// NormalizeList lowercases and trims every entry, dropping empties.
func NormalizeList(values []string, trim string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		v = strings.TrimPrefix(v, trim)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
