// Package blocklist decides which target hosts may be captured.
package blocklist

import (
	"slices"
	"strings"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// Policy stores exact hosts and suffix wildcards derived from configuration.
// A nil Policy allows every host.
type Policy struct {
	exact    map[string]struct{}
	suffixes []string
}

// New builds a Policy from patterns such as "example.com", "*.internal" or
// ".corp". It returns nil when no usable pattern is given.
func New(patterns []string) *Policy {
	p := &Policy{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	if len(p.exact) == 0 && len(p.suffixes) == 0 {
		return nil
	}
	return p
}

func (p *Policy) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(p.suffixes, suffix) {
		return
	}
	p.suffixes = append(p.suffixes, suffix)
}

// IsBlocked reports whether host matches any pattern.
func (p *Policy) IsBlocked(host string) bool {
	if p == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := p.exact[host]; exact {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// AllowCapture reports whether the URL's host may be captured.
func (p *Policy) AllowCapture(rawURL string) bool {
	return !p.IsBlocked(capture.Host(rawURL))
}
