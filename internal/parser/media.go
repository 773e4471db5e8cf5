package parser

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/starford/snaparchive/internal/models"
)

// MediaExtensions are the file extensions treated as media.
var MediaExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic", ".heif",
	".mp4", ".mov", ".m4v", ".webm", ".mp3", ".m4a", ".aac", ".ogg",
}

// fileTokenRe finds filename-like tokens in free text.
var fileTokenRe = regexp.MustCompile(`(?i)[A-Za-z0-9][A-Za-z0-9_~\-.]*\.(?:jpe?g|png|gif|webp|hei[cf]|mp4|mov|m4v|webm|mp3|m4a|aac|ogg)\b`)

// IsMediaName reports whether name has a media extension.
func IsMediaName(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range MediaExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// refFromURL reduces an src/href value to the file name it points at.
// Inline data, remote URLs and non-media links yield "".
func refFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "http:") ||
		strings.HasPrefix(lower, "https:") || strings.HasPrefix(lower, "javascript:") {
		return ""
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if dec, err := url.PathUnescape(raw); err == nil {
		raw = dec
	}
	name := path.Base(strings.ReplaceAll(raw, "\\", "/"))
	if name == "." || name == "/" || !IsMediaName(name) {
		return ""
	}
	return name
}

// textTokens returns media file names mentioned in free text.
func textTokens(text string) []string {
	return fileTokenRe.FindAllString(text, -1)
}

// refSet accumulates references, keeping first-seen order and dropping
// duplicates (case-insensitive).
type refSet struct {
	seen map[string]struct{}
	refs []models.MediaRef
}

func (s *refSet) add(token string) {
	if token == "" {
		return
	}
	key := strings.ToLower(token)
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}
	s.refs = append(s.refs, models.MediaRef{
		Kind:      models.RefFilename,
		Token:     token,
		MediaType: models.MediaTypeOf(token),
	})
}
