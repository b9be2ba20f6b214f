// Package recipient decides whether an envelope recipient is one of the tracked addresses.
package recipient

import (
	"strings"

	"golang.org/x/net/idna"
)

// split an user@domain address into user and domain.
func split(addr string) (local, domain string) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// Matcher matches recipients against a list of tracked address substrings.
type Matcher struct {
	tracked []string
}

// New creates a Matcher. Empty entries are ignored.
func New(tracked []string) *Matcher {
	m := &Matcher{}
	for _, t := range tracked {
		if t = strings.TrimSpace(t); t != "" {
			m.tracked = append(m.tracked, t)
		}
	}
	return m
}

// Tracked returns the configured tracked address substrings.
func (m *Matcher) Tracked() []string {
	return m.tracked
}

// Match returns true when one of the tracked entries is a substring of addr.
// The comparison is case-sensitive. addr may be enclosed in angle brackets.
// Besides addr as given, the forms with an ASCII (punycode) and a Unicode domain are checked as well.
func (m *Matcher) Match(addr string) bool {
	if len(m.tracked) == 0 {
		return false
	}
	addr = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(addr), "<"), ">")
	for _, candidate := range variants(addr) {
		for _, t := range m.tracked {
			if strings.Contains(candidate, t) {
				return true
			}
		}
	}
	return false
}

func variants(addr string) []string {
	candidates := []string{addr}
	local, domain := split(addr)
	if domain == "" {
		return candidates
	}
	if ascii, err := idna.Lookup.ToASCII(domain); err == nil && ascii != domain {
		candidates = append(candidates, local+"@"+ascii)
	}
	if unicode, err := idna.Lookup.ToUnicode(domain); err == nil && unicode != domain {
		candidates = append(candidates, local+"@"+unicode)
	}
	return candidates
}
