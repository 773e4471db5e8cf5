package linker

import (
	"strings"
	"time"
	"unicode"

	"github.com/starford/snaparchive/internal/models"
)

// Policy tunes matching. ProximityWindow bounds timestamp tie-breaks and
// by-time matches; SimilarityThreshold is the minimum normalised-name
// similarity (0..1) for a fuzzy match.
type Policy struct {
	ProximityWindow     time.Duration
	SimilarityThreshold float64
}

// DefaultPolicy is used when configuration leaves values unset.
var DefaultPolicy = Policy{ProximityWindow: 2 * time.Minute, SimilarityThreshold: 0.8}

func (p Policy) withDefaults() Policy {
	if p.ProximityWindow <= 0 {
		p.ProximityWindow = DefaultPolicy.ProximityWindow
	}
	if p.SimilarityThreshold <= 0 || p.SimilarityThreshold > 1 {
		p.SimilarityThreshold = DefaultPolicy.SimilarityThreshold
	}
	return p
}

// Score is how well one asset matches one reference. It is computed
// without I/O so the policy can be tested in isolation.
type Score struct {
	Exact      bool
	Similarity float64
	HasTime    bool
	Distance   time.Duration
	TypeMatch  bool
}

// Eligible reports whether the pair can be linked at all under p.
func (s Score) Eligible(ref models.MediaRef, p Policy) bool {
	if ref.Kind == models.RefByTime {
		return s.TypeMatch && s.HasTime && s.Distance <= p.ProximityWindow
	}
	return s.Exact || s.Similarity >= p.SimilarityThreshold
}

// ScorePair scores asset a against ref observed at ts (zero when unknown).
func ScorePair(ref models.MediaRef, ts time.Time, a Asset) Score {
	s := Score{TypeMatch: ref.MediaType == "" || strings.EqualFold(ref.MediaType, a.MediaType())}
	if ref.Kind != models.RefByTime && ref.Token != "" {
		id := refID(ref)
		s.Exact = id != "" && strings.EqualFold(id, a.ContentID)
		if s.Exact {
			s.Similarity = 1
		} else {
			s.Similarity = Similarity(Normalize(ref.Token), a.norm)
		}
	}
	if !ts.IsZero() {
		s.HasTime = true
		s.Distance = a.distance(ts)
	}
	return s
}

// refID is the identifier a reference carries: the token itself for sidecar
// media ids, the id part of a file name otherwise.
func refID(ref models.MediaRef) string {
	if ref.Kind == models.RefMediaID {
		return strings.TrimSpace(ref.Token)
	}
	return IDFromName(ref.Token)
}

// IDFromName extracts the identifier of "YYYY-MM-DD_<ID>.<ext>": the text
// between the first '_' and the last '.'. Names without '_' have no id.
func IDFromName(name string) string {
	us := strings.IndexByte(name, '_')
	if us < 0 {
		return ""
	}
	rest := name[us+1:]
	if dot := strings.LastIndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	return rest
}

// DayFromName parses the leading date of a media file name.
func DayFromName(name string) (time.Time, bool) {
	if len(name) < 10 {
		return time.Time{}, false
	}
	d, err := time.Parse("2006-01-02", name[:10])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// Normalize reduces a file name to lowercase alphanumerics without its
// extension or date prefix, so cosmetic differences do not count.
func Normalize(name string) string {
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		name = name[:dot]
	}
	if _, ok := DayFromName(name); ok && len(name) > 11 && (name[10] == '_' || name[10] == '-') {
		name = name[11:]
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Similarity is 1 - levenshtein(a, b)/max(len(a), len(b)), in [0, 1].
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	longest := max(len(ra), len(rb))
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
