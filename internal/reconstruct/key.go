package reconstruct

import (
	"strconv"
	"strings"
	"time"

	"github.com/starford/snaparchive/internal/models"
)

// mergeKey identifies "the same moment" across sources: who, when (rounded
// down to the merge window) and what family of event.
type mergeKey struct {
	sender string
	bucket int64
	family models.EventKind
}

func bucketOf(ts time.Time, window time.Duration) int64 {
	n := ts.UnixNano()
	b := n / int64(window)
	if n < 0 && n%int64(window) != 0 {
		b-- // floor, not truncation
	}
	return b
}

// exactKey identifies an observation repeated verbatim within one source, as
// happens when overlapping export parts carry the same page.
func exactKey(sender string, o *models.Observation, kind models.EventKind) string {
	var b strings.Builder
	b.WriteString(sender)
	b.WriteByte(0)
	if o.HasTimestamp() {
		b.WriteString(strconv.FormatInt(o.Timestamp.UnixNano(), 10))
	} else {
		b.WriteString("?")
		b.WriteString(o.RawTimestamp)
	}
	b.WriteByte(0)
	b.WriteString(string(kind))
	b.WriteByte(0)
	b.WriteString(normText(o.Text))
	for _, r := range o.Refs {
		b.WriteByte(0)
		b.WriteString(strings.ToLower(r.Token))
	}
	return b.String()
}

// normText collapses whitespace so formatting differences between HTML and
// JSON renderings of the same text do not count as conflicts.
func normText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// senders canonicalises sender identifiers. HTML pages may show a display
// name where JSON carries the username; both map to the lowercased username.
type senders struct {
	display map[string]string // username -> display name
	byName  map[string]string // lowercased display name -> username
}

func newSenders(people []models.Person) senders {
	s := senders{display: make(map[string]string), byName: make(map[string]string)}
	for _, p := range people {
		u := strings.TrimSpace(p.Username)
		if u == "" {
			continue
		}
		if p.DisplayName != "" {
			if _, ok := s.display[strings.ToLower(u)]; !ok {
				s.display[strings.ToLower(u)] = p.DisplayName
			}
			n := strings.ToLower(strings.TrimSpace(p.DisplayName))
			if _, taken := s.byName[n]; !taken {
				s.byName[n] = u
			}
		}
	}
	return s
}

// canonical returns the username for a sender hint.
func (s senders) canonical(sender string) string {
	sender = strings.TrimSpace(sender)
	l := strings.ToLower(sender)
	if _, ok := s.display[l]; ok {
		return sender
	}
	if u, ok := s.byName[l]; ok {
		return u
	}
	return sender
}

func (s senders) name(username string) string {
	return s.display[strings.ToLower(username)]
}
