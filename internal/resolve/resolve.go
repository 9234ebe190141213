// Package resolve turns manifest references into absolute upstream URLs and
// absolute upstream URLs into proxy URLs. Nothing here performs I/O.
package resolve

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var absolutePattern = regexp.MustCompile(`(?i)^https?://`)

// IsAbsolute reports whether ref already carries an http or https scheme.
func IsAbsolute(ref string) bool {
	return absolutePattern.MatchString(ref)
}

// Origin is the decomposed location of a manifest, used to resolve the
// references inside it.
type Origin struct {
	Scheme string
	Host   string
	Port   string
	Path   string
}

// ParseOrigin decomposes raw. Missing parts stay empty except Scheme, which
// defaults to http.
func ParseOrigin(raw string) Origin {
	o := Origin{Scheme: "http"}
	u, err := url.Parse(raw)
	if err != nil {
		return o
	}
	if u.Scheme != "" {
		o.Scheme = u.Scheme
	}
	o.Host = u.Hostname()
	o.Port = u.Port()
	o.Path = u.EscapedPath()
	return o
}

// Root returns scheme://host[:port].
func (o Origin) Root() string {
	host := o.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if o.Port != "" {
		return o.Scheme + "://" + host + ":" + o.Port
	}
	return o.Scheme + "://" + host
}

// Absolutize resolves ref against the URL of the document it came from.
//
// Absolute refs are returned unchanged, root-relative refs are joined to the
// base origin and everything else is appended to the base "directory" (the
// base up to and including its final slash, query and fragment removed).
// Dot segments are left as they are.
func Absolutize(ref, base string) string {
	if IsAbsolute(ref) {
		return ref
	}

	o := ParseOrigin(base)
	switch {
	case strings.HasPrefix(ref, "//"):
		return o.Scheme + ":" + ref
	case strings.HasPrefix(ref, "/"):
		return o.Root() + ref
	}

	return directory(base, o) + ref
}

func directory(base string, o Origin) string {
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	if o.Path == "" {
		return o.Root() + "/"
	}
	return base[:strings.LastIndex(base, "/")+1]
}

// ProxyBase is the public address of the proxy endpoint itself.
type ProxyBase struct {
	Scheme string
	Host   string
	Path   string
}

// ParseProxyBase builds a ProxyBase from an absolute URL such as
// "https://media.example.com/proxy". Query and fragment are ignored.
func ParseProxyBase(raw string) (ProxyBase, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ProxyBase{}, fmt.Errorf("parse proxy base: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ProxyBase{}, fmt.Errorf("proxy base %q must use http or https", raw)
	}
	if u.Host == "" {
		return ProxyBase{}, fmt.Errorf("proxy base %q has no host", raw)
	}
	return ProxyBase{Scheme: u.Scheme, Host: u.Host, Path: u.EscapedPath()}, nil
}

// String returns scheme://host/path.
func (b ProxyBase) String() string {
	return b.Scheme + "://" + b.Host + b.Path
}

// URL returns the proxy URL that fetches absolute through this proxy.
// absolute must be an upstream URL, never one produced by URL: feeding proxy
// output back in nests the proxy inside itself.
func (b ProxyBase) URL(absolute string) string {
	return b.String() + "?url=" + Escape(absolute)
}

// Escape percent-encodes s for use as a query value, encoding every byte
// outside A-Z a-z 0-9 - _ . ~ (spaces become %20, not +).
func Escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Target extracts the decoded url parameter from a proxy URL.
func Target(proxied string) (string, error) {
	u, err := url.Parse(proxied)
	if err != nil {
		return "", fmt.Errorf("parse proxy url: %w", err)
	}
	v := u.Query().Get("url")
	if v == "" {
		return "", fmt.Errorf("proxy url %q has no url parameter", proxied)
	}
	return v, nil
}
