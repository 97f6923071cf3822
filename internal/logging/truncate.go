package logging

// MaxLogFieldLength bounds string fields such as command output.
const MaxLogFieldLength = 512

// Truncate shortens s to MaxLogFieldLength bytes, appending "..." when cut.
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to n bytes, appending "..." when cut.
func TruncateN(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
