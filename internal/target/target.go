// Package target validates the upstream URL a client asks the proxy to fetch.
package target

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

// Validation failures. All of them are reported before any network I/O.
var (
	ErrMissingTarget     = errors.New("missing target url")
	ErrUnsupportedScheme = errors.New("only http and https targets are supported")
	ErrInvalidURL        = errors.New("invalid target url")
	ErrBlockedHost       = errors.New("target host is not allowed")
)

// DefaultBlockedNetworks are the private and loopback IPv4 ranges refused
// when no other list is configured.
var DefaultBlockedNetworks = []string{
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"192.168.0.0/16",
	"172.16.0.0/12",
}

var schemePattern = regexp.MustCompile(`(?i)^https?://`)

// Validator checks target URLs against a fixed set of blocked networks.
// It is safe for concurrent use.
type Validator struct {
	blocked []netip.Prefix
}

// NewValidator parses networks as CIDR prefixes. A nil slice selects
// DefaultBlockedNetworks; an empty one blocks nothing.
func NewValidator(networks []string) (*Validator, error) {
	if networks == nil {
		networks = DefaultBlockedNetworks
	}
	v := &Validator{blocked: make([]netip.Prefix, 0, len(networks))}
	for _, n := range networks {
		p, err := netip.ParsePrefix(strings.TrimSpace(n))
		if err != nil {
			return nil, fmt.Errorf("parse blocked network %q: %w", n, err)
		}
		v.blocked = append(v.blocked, p.Masked())
	}
	return v, nil
}

// Validate returns raw, trimmed, when it names an http or https URL whose host
// is not a blocked IP literal. Hostnames are accepted without resolving them.
func (v *Validator) Validate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingTarget
	}
	if !schemePattern.MatchString(raw) {
		return "", ErrUnsupportedScheme
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: no host in %q", ErrInvalidURL, raw)
	}

	if addr, err := netip.ParseAddr(host); err == nil && v.Blocked(addr) {
		return "", fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	return raw, nil
}

// Blocked reports whether addr falls inside a blocked network.
// IPv4-mapped IPv6 addresses are checked as IPv4.
func (v *Validator) Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range v.blocked {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
