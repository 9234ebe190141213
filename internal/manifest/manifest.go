// Package manifest rewrites HLS playlists so that every URI they reference
// is fetched through the proxy.
//
// Lines are classified textually, not parsed against the full HLS grammar:
// blank lines and comments pass through untouched, URI attributes of the
// configured tags (#EXT-X-KEY by default) are rewritten in place and every
// other line is treated as a segment or playlist reference.
package manifest

import (
	"regexp"
	"strings"

	"hls-proxy/internal/resolve"
)

// ContentType is the media type of every rewritten manifest.
const ContentType = "application/vnd.apple.mpegurl; charset=utf-8"

// DefaultURITags lists the tags whose URI attribute is rewritten when no
// other set is configured.
var DefaultURITags = []string{"#EXT-X-KEY"}

// Kind tags a classified manifest line.
type Kind int

// Line kinds.
const (
	Blank Kind = iota
	Comment
	KeyDirective
	ResourceReference
)

func (k Kind) String() string {
	switch k {
	case Blank:
		return "blank"
	case Comment:
		return "comment"
	case KeyDirective:
		return "key_directive"
	case ResourceReference:
		return "resource_reference"
	default:
		return "unknown"
	}
}

// Line is one classified manifest line.
//
// Raw always holds the original text without its line terminator. For a
// KeyDirective, Raw == Prefix + URI + Suffix. For a ResourceReference, URI is
// Raw with surrounding whitespace removed.
type Line struct {
	Kind   Kind
	Raw    string
	Prefix string
	URI    string
	Suffix string
}

// uriAttr matches a quoted URI attribute. The attribute has to start the
// attribute list or follow a comma so names like X-URI are not picked up.
var uriAttr = regexp.MustCompile(`(?i)[:,]\s*URI="([^"]+)"`)

// schemePattern matches any URI scheme prefix.
var schemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*:`)

const bom = "\ufeff"

// Classifier sorts manifest lines into kinds.
type Classifier struct {
	tags []string
}

// NewClassifier returns a Classifier that treats the given tags as
// URI-bearing directives. Tags are matched case-insensitively and may be
// given with or without the leading '#'. A nil slice selects DefaultURITags.
func NewClassifier(tags []string) *Classifier {
	if tags == nil {
		tags = DefaultURITags
	}
	c := &Classifier{}
	for _, t := range tags {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		c.tags = append(c.tags, t+":")
	}
	return c
}

// Classify returns the kind of a single line.
func (c *Classifier) Classify(raw string) Line {
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		return Line{Kind: Blank, Raw: raw}
	case strings.HasPrefix(trimmed, "#"):
		if !c.isURITag(trimmed) {
			return Line{Kind: Comment, Raw: raw}
		}
		m := uriAttr.FindStringSubmatchIndex(raw)
		if m == nil {
			return Line{Kind: Comment, Raw: raw}
		}
		return Line{
			Kind:   KeyDirective,
			Raw:    raw,
			Prefix: raw[:m[2]],
			URI:    raw[m[2]:m[3]],
			Suffix: raw[m[3]:],
		}
	default:
		return Line{Kind: ResourceReference, Raw: raw, URI: trimmed}
	}
}

func (c *Classifier) isURITag(trimmed string) bool {
	upper := strings.ToUpper(trimmed)
	for _, t := range c.tags {
		if strings.HasPrefix(upper, t) {
			return true
		}
	}
	return false
}

// Rewrite returns l with its URI resolved against manifestURL and routed
// through base. The second result reports whether a URI was rewritten.
//
// URIs with a non-http scheme (data:, skd:, ...) are left as they are.
func (l Line) Rewrite(manifestURL string, base resolve.ProxyBase) (string, bool) {
	switch l.Kind {
	case KeyDirective:
		if !rewritable(l.URI) {
			return l.Raw, false
		}
		return l.Prefix + base.URL(resolve.Absolutize(l.URI, manifestURL)) + l.Suffix, true
	case ResourceReference:
		if !rewritable(l.URI) {
			return l.Raw, false
		}
		return base.URL(resolve.Absolutize(l.URI, manifestURL)), true
	default:
		return l.Raw, false
	}
}

func rewritable(uri string) bool {
	return resolve.IsAbsolute(uri) || !schemePattern.MatchString(uri)
}

// Result is the outcome of rewriting a whole manifest.
type Result struct {
	Body      string
	Lines     int
	Rewritten int
}

// Rewrite rewrites every line of body. Lines are split on "\n" or "\r\n" and
// joined with "\n", so the output has exactly as many lines as the input.
//
// A leading UTF-8 byte order mark is dropped: it is an encoding marker, not
// part of the first line, and players expect the body to start with #EXTM3U.
// Apart from that, blank and comment lines come out byte for byte.
func (c *Classifier) Rewrite(body, manifestURL string, base resolve.ProxyBase) Result {
	body = strings.TrimPrefix(body, bom)
	lines := strings.Split(body, "\n")

	res := Result{Lines: len(lines)}
	for i, raw := range lines {
		raw = strings.TrimSuffix(raw, "\r")
		out, changed := c.Classify(raw).Rewrite(manifestURL, base)
		if changed {
			res.Rewritten++
		}
		lines[i] = out
	}
	res.Body = strings.Join(lines, "\n")
	return res
}

// IsManifestURL reports whether target names an .m3u8 resource, optionally
// followed by a query string.
func IsManifestURL(target string) bool {
	return manifestSuffix.MatchString(target)
}

var manifestSuffix = regexp.MustCompile(`(?i)\.m3u8(\?|$)`)

// manifestMediaTypes are the upstream Content-Type values treated as HLS
// playlists when content-type detection is enabled.
var manifestMediaTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"audio/mpegurl",
	"audio/x-mpegurl",
}

// IsManifestContentType reports whether an upstream Content-Type value names
// an HLS playlist.
func IsManifestContentType(contentType string) bool {
	mt, _, _ := strings.Cut(contentType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	for _, t := range manifestMediaTypes {
		if mt == t {
			return true
		}
	}
	return false
}
