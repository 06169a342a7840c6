// Package naming builds and parses object keys of the form
// "<encrypted segment>.<marker>.<extension>".
package naming

import (
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Marker separates the encrypted segment from the extension in every key
// this package builds. It is written verbatim and matched case-insensitively.
const Marker = "stossymoji"

const (
	defaultExtension   = "png"
	placeholderPrefix  = "emoji-"
	placeholderIDChars = 12
)

var schemeNamePattern = regexp.MustCompile(`(?i)\.` + Marker + `\.([a-z0-9]+)$`)

// ObjectKey is a parsed scheme object key.
type ObjectKey struct {
	Segment   string
	Extension string
}

// String renders the key with the canonical marker spelling.
func (k ObjectKey) String() string {
	return BuildKey(k.Segment, k.Extension)
}

// BuildKey joins an encrypted segment and an extension around the marker.
func BuildKey(segment, ext string) string {
	return segment + "." + Marker + "." + NormalizeExtension(ext)
}

// ParseKey splits a stored name into its segment and extension. It only
// succeeds for names IsSchemeName accepts that also carry a segment.
func ParseKey(name string) (ObjectKey, bool) {
	last := lastComponent(name)
	m := schemeNamePattern.FindStringSubmatchIndex(last)
	if m == nil || m[0] == 0 {
		return ObjectKey{}, false
	}
	return ObjectKey{
		Segment:   last[:m[0]],
		Extension: strings.ToLower(last[m[2]:m[3]]),
	}, true
}

// IsSchemeName reports whether the last path component of name ends in
// ".<marker>.<ext>" with a non-empty alphanumeric extension.
func IsSchemeName(name string) bool {
	return schemeNamePattern.MatchString(lastComponent(name))
}

// ExtractEncryptedSegment finds the encrypted segment inside a filename,
// path, URL or markdown link target. The candidate is percent-decoded when
// possible and stripped of its query and fragment before the last path
// component is searched for the marker.
func ExtractEncryptedSegment(candidate string) (string, bool) {
	s := strings.TrimSpace(candidate)
	if decoded, err := url.PathUnescape(s); err == nil {
		s = decoded
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, ")]>\"' ")

	last := lastComponent(s)
	idx := strings.Index(asciiLower(last), "."+Marker)
	if idx < 0 {
		return "", false
	}

	segment := strings.TrimLeft(last[:idx], "([<\"' ")
	if segment == "" {
		return "", false
	}
	return segment, true
}

// StripStorePrefix removes a store-level path prefix from a stored pathname.
func StripStorePrefix(pathname, prefix string) string {
	p := strings.TrimLeft(pathname, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix != "" && strings.HasPrefix(p, prefix+"/") {
		p = p[len(prefix)+1:]
	}
	return p
}

// BaseName returns the last component of filename without its extension.
func BaseName(filename string) string {
	name := lastComponent(strings.ReplaceAll(filename, "\\", "/"))
	return strings.TrimSuffix(name, path.Ext(name))
}

// SanitizeBaseName joins the ASCII alphanumeric runs of raw with "-". An
// empty result is replaced by a generated "emoji-<id>" placeholder. The
// function is idempotent.
func SanitizeBaseName(raw string) string {
	runs := strings.FieldsFunc(raw, func(r rune) bool {
		return !isASCIIAlnum(r)
	})
	if len(runs) == 0 {
		return placeholderPrefix + randomID()
	}
	return strings.Join(runs, "-")
}

// NormalizeExtension keeps only ASCII alphanumerics, lower-cased, falling
// back to png.
func NormalizeExtension(ext string) string {
	var b strings.Builder
	for _, r := range ext {
		if isASCIIAlnum(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return defaultExtension
	}
	return asciiLower(b.String())
}

var extensionsByType = map[string]string{
	"image/png":                "png",
	"image/apng":               "png",
	"image/gif":                "gif",
	"image/webp":               "webp",
	"image/jpeg":               "jpg",
	"image/jpg":                "jpg",
	"image/svg+xml":            "svg",
	"image/x-icon":             "ico",
	"image/vnd.microsoft.icon": "ico",
	"image/avif":               "avif",
}

var typesByExtension = map[string]string{
	"png":  "image/png",
	"apng": "image/apng",
	"gif":  "image/gif",
	"webp": "image/webp",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"svg":  "image/svg+xml",
	"ico":  "image/x-icon",
	"avif": "image/avif",
}

// ExtensionFor picks the stored extension: the MIME table first, then the
// filename's own extension, then png.
func ExtensionFor(contentType, filename string) string {
	if mediaType := parseMediaType(contentType); mediaType != "" {
		if ext, ok := extensionsByType[mediaType]; ok {
			return ext
		}
	}

	name := lastComponent(strings.ReplaceAll(filename, "\\", "/"))
	if ext := strings.TrimPrefix(path.Ext(name), "."); ext != "" {
		return NormalizeExtension(ext)
	}
	return defaultExtension
}

// ContentTypeFor maps an extension back to a MIME type.
func ContentTypeFor(ext string) string {
	if ct, ok := typesByExtension[NormalizeExtension(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}

func parseMediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func lastComponent(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func randomID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:placeholderIDChars]
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// asciiLower lower-cases ASCII letters only, keeping byte offsets stable.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
