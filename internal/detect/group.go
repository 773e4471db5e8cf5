package detect

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/snaparchive/internal/models"
)

var exportNamespace = uuid.MustParse("2c8e4f1a-7d3b-5a96-8e21-4b0f6d9c3a57")

// Part suffixes appended by download managers and by the exporter itself
// when an export is split. Bare numeric suffixes are limited to three digits
// so year-like names (snapchat_2024) are not folded together.
var partSuffix = []*regexp.Regexp{
	regexp.MustCompile(`\s*\(\d+\)$`),
	regexp.MustCompile(`(?i)[-_.]part\d+$`),
	regexp.MustCompile(`[-_]\d{1,3}$`),
}

// BaseName returns the grouping key for a file or directory name: the name
// with a .zip extension and one trailing part suffix removed, lowercased.
func BaseName(name string) string {
	base := name
	if strings.HasSuffix(strings.ToLower(base), ".zip") {
		base = base[:len(base)-4]
	}
	for _, re := range partSuffix {
		if loc := re.FindStringIndex(base); loc != nil && loc[0] > 0 {
			base = base[:loc[0]]
			break
		}
	}
	return strings.ToLower(strings.TrimSpace(base))
}

// DistinctID returns an id for set that stays apart from another export
// detected under the same base name: the base name suffixed with a short
// name-based UUID of the sorted source paths. The same paths always yield
// the same id.
func DistinctID(set models.ExportSet) string {
	paths := append([]string(nil), set.SourcePaths...)
	sort.Strings(paths)
	u := uuid.NewSHA1(exportNamespace, []byte(strings.Join(paths, "\x00")))
	return set.ID + "-" + u.String()[:8]
}

// SamePaths reports whether two exports share at least one source path.
func SamePaths(a, b []string) bool {
	for _, p := range a {
		for _, q := range b {
			if p == q {
				return true
			}
		}
	}
	return false
}

// candidateName reports whether a child of a scanned parent looks like an
// export by name.
func candidateName(name string) bool {
	l := strings.ToLower(name)
	return strings.HasPrefix(l, "mydata~") || strings.Contains(l, "snapchat")
}

// classify maps the union of markers found across all parts to a status.
func classify(m markerSet, corrupted bool) models.ValidationStatus {
	switch {
	case corrupted:
		return models.StatusCorrupted
	case m.index && m.pages && m.media:
		return models.StatusValid
	case m.index && (m.pages || m.json):
		return models.StatusIncomplete
	default:
		return models.StatusUnknown
	}
}

type markerSet struct {
	index, pages, json, media bool
}

func (m markerSet) any() bool { return m.index || m.pages || m.json || m.media }

func (m markerSet) union(o markerSet) markerSet {
	return markerSet{
		index: m.index || o.index,
		pages: m.pages || o.pages,
		json:  m.json || o.json,
		media: m.media || o.media,
	}
}

func (m markerSet) list() []string {
	var out []string
	if m.index {
		out = append(out, models.MarkerLanding)
	}
	if m.pages {
		out = append(out, models.MarkerPages)
	}
	if m.json {
		out = append(out, models.MarkerJSON)
	}
	if m.media {
		out = append(out, models.MarkerMedia)
	}
	sort.Strings(out)
	return out
}
