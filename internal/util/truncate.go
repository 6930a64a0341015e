package util

import "fmt"

// DefaultLogMaxLen bounds upstream bodies echoed into logs and errors.
const DefaultLogMaxLen = 1024

// TruncateLog cuts s to maxLen bytes and notes the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes truncates b to DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
