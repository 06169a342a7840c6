// Package render rewrites message text so custom and native emoji display as
// inline images.
package render

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/kenneth/stossymoji/internal/naming"
)

const (
	// DefaultNativeCDN serves protocol-native emoji images.
	DefaultNativeCDN = "https://cdn.discordapp.com/emojis"
	// NativeScheme is the URL scheme emitted for native emoji references.
	NativeScheme = "emoji"
	// FallbackAlt is used when no label exists and the name cannot be decrypted.
	FallbackAlt = "emoji"
)

var (
	nativePattern   = regexp.MustCompile(`<(a?):(\w{1,64}):(\d{1,25})>`)
	markdownPattern = regexp.MustCompile(`(!?)\[([^\[\]\n]*)\]\(([^()\s]+)((?:\s+"[^"\n]*")?)\)`)
	bareURLPattern  = regexp.MustCompile(`https?://[^\s<>()\[\]"'` + "`" + `]+`)
	nativeIDPattern = regexp.MustCompile(`^\d{1,25}$`)
)

// SegmentDecrypter turns an encrypted segment back into a name.
// *crypto.NameCipher implements it.
type SegmentDecrypter interface {
	Decrypt(token string) (string, error)
}

// Observer receives per-pass counts after every rewrite.
type Observer interface {
	ObserveRewrite(pass string, rewritten, fallbacks int)
}

// Rewriter holds the render configuration. It is safe for concurrent use.
type Rewriter struct {
	decrypter SegmentDecrypter
	nativeCDN string
	observer  Observer
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithNativeCDN sets the base URL native emoji resolve to.
func WithNativeCDN(cdn string) Option {
	return func(r *Rewriter) {
		if cdn = strings.TrimRight(strings.TrimSpace(cdn), "/"); cdn != "" {
			r.nativeCDN = cdn
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Rewriter) {
		r.observer = o
	}
}

// NewRewriter creates a rewriter. A nil decrypter renders every custom emoji
// with its label or FallbackAlt.
func NewRewriter(decrypter SegmentDecrypter, opts ...Option) *Rewriter {
	r := &Rewriter{
		decrypter: decrypter,
		nativeCDN: DefaultNativeCDN,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type edit struct {
	start, end int
	repl       string
}

// apply rebuilds text from edits sorted by start; edits must not overlap.
func apply(text string, edits []edit) string {
	if len(edits) == 0 {
		return text
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })

	var b strings.Builder
	b.Grow(len(text) + 32*len(edits))
	pos := 0
	for _, e := range edits {
		b.WriteString(text[pos:e.start])
		b.WriteString(e.repl)
		pos = e.end
	}
	b.WriteString(text[pos:])
	return b.String()
}

// Rewrite runs the native pass and then the link pass.
func (r *Rewriter) Rewrite(text string) string {
	return r.RewriteLinks(r.RewriteNative(text))
}

// RewriteNative turns <:name:id> and <a:name:id> into image markup pointing
// at the emoji:// scheme.
func (r *Rewriter) RewriteNative(text string) string {
	matches := nativePattern.FindAllStringSubmatchIndex(text, -1)
	edits := make([]edit, 0, len(matches))
	for _, m := range matches {
		animated := m[3] > m[2]
		name := text[m[4]:m[5]]
		id := text[m[6]:m[7]]
		edits = append(edits, edit{
			start: m[0],
			end:   m[1],
			repl:  "![" + name + "](" + NativeURL(id, name, animated) + ")",
		})
	}

	r.observe("native", len(edits), 0)
	return apply(text, edits)
}

// NativeURL builds the emoji:// reference for a native emoji.
func NativeURL(id, name string, animated bool) string {
	q := url.Values{}
	q.Set("name", name)
	q.Set("animated", fmt.Sprint(animated))
	return NativeScheme + "://" + id + "?" + q.Encode()
}

// RewriteLinks promotes markdown links and bare URLs that carry an encrypted
// emoji name to images. Existing images are left untouched.
func (r *Rewriter) RewriteLinks(text string) string {
	if !hasMarker(text) {
		return text
	}

	var edits []edit
	fallbacks := 0

	mdMatches := markdownPattern.FindAllStringSubmatchIndex(text, -1)
	for _, m := range mdMatches {
		isImage := m[3] > m[2]
		label := text[m[4]:m[5]]
		target := text[m[6]:m[7]]
		title := text[m[8]:m[9]]
		if isImage || !hasMarker(target) {
			continue
		}
		alt, fellBack := r.altText(label, target)
		if fellBack {
			fallbacks++
		}
		edits = append(edits, edit{start: m[0], end: m[1], repl: image(alt, target+title)})
	}

	for _, m := range bareURLPattern.FindAllStringIndex(text, -1) {
		start := m[0]
		link := strings.TrimRight(text[start:m[1]], ".,;:!?")
		if insideMarkdown(mdMatches, start) || linkTarget(text, start) || !hasMarker(link) {
			continue
		}
		alt, fellBack := r.altText("", link)
		if fellBack {
			fallbacks++
		}
		edits = append(edits, edit{start: start, end: start + len(link), repl: image(alt, link)})
	}

	r.observe("links", len(edits), fallbacks)
	return apply(text, edits)
}

// altText picks the label, then the decrypted name, then FallbackAlt. A
// label that is itself a scheme link counts as empty. The second result
// reports whether the name could not be recovered.
func (r *Rewriter) altText(label, target string) (string, bool) {
	if alt := sanitizeAlt(label); alt != "" && !hasMarker(alt) {
		return alt, false
	}

	segment, ok := naming.ExtractEncryptedSegment(target)
	if !ok || r.decrypter == nil {
		return FallbackAlt, true
	}
	name, err := r.decrypter.Decrypt(segment)
	if err != nil {
		return FallbackAlt, true
	}
	if alt := sanitizeAlt(name); alt != "" {
		return alt, false
	}
	return FallbackAlt, true
}

func image(alt, target string) string {
	return "![" + alt + "](" + target + ")"
}

func sanitizeAlt(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '[', ']':
			return -1
		case '\n', '\r', '\t':
			return ' '
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func hasMarker(s string) bool {
	return strings.Contains(strings.ToLower(s), "."+naming.Marker)
}

func insideMarkdown(matches [][]int, pos int) bool {
	for _, m := range matches {
		if pos >= m[0] && pos < m[1] {
			return true
		}
	}
	return false
}

// linkTarget reports whether the URL at pos is the target of link syntax the
// markdown pattern does not cover, such as [![x](a)](pos) or <pos>.
func linkTarget(text string, pos int) bool {
	return strings.HasSuffix(text[:pos], "](") || strings.HasSuffix(text[:pos], "<")
}

func (r *Rewriter) observe(pass string, rewritten, fallbacks int) {
	if r.observer != nil {
		r.observer.ObserveRewrite(pass, rewritten, fallbacks)
	}
}

// ResolveNativeURL maps an emoji:// reference to its CDN image URL.
func (r *Rewriter) ResolveNativeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid native emoji URL: %w", err)
	}
	if u.Scheme != NativeScheme {
		return "", fmt.Errorf("not a native emoji URL: scheme %q", u.Scheme)
	}
	return r.NativeImageURL(u.Host, u.Query().Get("animated") == "true")
}

// NativeImageURL returns the CDN URL for a native emoji id.
func (r *Rewriter) NativeImageURL(id string, animated bool) (string, error) {
	if !nativeIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid native emoji id %q", id)
	}
	ext := "png"
	if animated {
		ext = "gif"
	}
	return r.nativeCDN + "/" + id + "." + ext, nil
}
