package provisioning

import (
	"crypto/rand"
	"io"
	"regexp"
	"strings"
)

// MaxNameLength is the provider's limit on display names.
const MaxNameLength = 64

const (
	suffixLength = 8
	base36       = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var nonWord = regexp.MustCompile(`\W`)

// GenerateName builds the default display name
// "<instance>-<login>-<hostname>-<random>", at most MaxNameLength long.
func GenerateName(instance, login, hostname string) string {
	return buildName([]string{instance, login, hostname}, randomSuffix())
}

// buildName sanitizes segments and joins them with suffix, shortening the
// longest segment one character at a time until the name fits. Segments
// trimmed to nothing are dropped; the suffix is never shortened.
func buildName(segments []string, suffix string) string {
	var parts []string
	for _, s := range segments {
		if s = nonWord.ReplaceAllString(s, ""); s != "" {
			parts = append(parts, s)
		}
	}

	for length(parts, suffix) > MaxNameLength && len(parts) > 0 {
		longest := 0
		for i, p := range parts {
			if len(p) > len(parts[longest]) {
				longest = i
			}
		}
		parts[longest] = parts[longest][:len(parts[longest])-1]
		if parts[longest] == "" {
			parts = append(parts[:longest], parts[longest+1:]...)
		}
	}

	return strings.Join(append(parts, suffix), "-")
}

func length(parts []string, suffix string) int {
	n := len(suffix)
	for _, p := range parts {
		n += len(p) + 1
	}
	return n
}

// randomSuffix returns suffixLength base36 characters from crypto/rand.
func randomSuffix() string {
	return suffixFrom(rand.Reader)
}

// suffixFrom draws base36 characters from r, rejecting bytes at or above the
// largest multiple of 36 so every character is equally likely.
func suffixFrom(r io.Reader) string {
	limit := byte(256 / len(base36) * len(base36))
	var b strings.Builder
	buf := make([]byte, suffixLength)
	for b.Len() < suffixLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			panic("provisioning: reading random bytes: " + err.Error())
		}
		for _, c := range buf {
			if c < limit && b.Len() < suffixLength {
				b.WriteByte(base36[int(c)%len(base36)])
			}
		}
	}
	return b.String()
}
