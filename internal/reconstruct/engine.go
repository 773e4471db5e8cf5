// Package reconstruct merges raw observations from HTML pages and JSON
// sidecars into conversations and events. HTML is authoritative; JSON only
// fills gaps or adds events that HTML has no entry for.
package reconstruct

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/snaparchive/internal/models"
)

// DefaultMergeWindow is the timestamp rounding of the composite merge key.
const DefaultMergeWindow = 2 * time.Second

// MemoriesHint is the pseudo conversation hint under which memories are
// merged. Memory events belong to no conversation.
const MemoriesHint = "\x00memories"

var namespace = uuid.MustParse("6f1d8c2e-3b7a-5e49-9d0c-2a4b6c8e0f13")

// Bundle is the output of merging one conversation.
type Bundle struct {
	Conversation *models.Conversation // nil for memories
	Events       []models.Event
	Tally        Tally
}

// Engine merges observations for one export.
type Engine struct {
	exportID string
	window   time.Duration
	senders  senders
}

// New returns an Engine. people is the participant directory collected from
// friends pages and sidecars; it may be empty.
func New(exportID string, window time.Duration, people []models.Person) *Engine {
	if window <= 0 {
		window = DefaultMergeWindow
	}
	return &Engine{exportID: exportID, window: window, senders: newSenders(people)}
}

// ConversationID is the stable id of a conversation within an export.
func ConversationID(exportID, hint string) string {
	return uuid.NewSHA1(namespace, []byte(exportID+"\x00conversation\x00"+hint)).String()
}

func eventID(exportID, hint string, ordinal int, ts string) string {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s\x00event\x00%s\x00%d\x00%s", exportID, hint, ordinal, ts))).String()
}

// entry is an event under construction.
type entry struct {
	ev      models.Event
	ts      time.Time
	key     mergeKey
	doc     string
	index   int
	refs    []models.MediaRef
	matched bool
	src     models.Source
}

// MergeConversation builds one conversation from every observation sharing
// hint. The work is linear in len(obs) apart from the final sort.
func (e *Engine) MergeConversation(hint string, obs []models.Observation) *Bundle {
	b := &Bundle{}
	entries := e.merge(hint, obs, &b.Tally)

	if hint == MemoriesHint {
		b.Events = e.finish(hint, "", entries, &b.Tally)
		return b
	}

	conv := &models.Conversation{
		ID:       ConversationID(e.exportID, hint),
		ExportID: e.exportID,
		Key:      hint,
	}
	b.Events = e.finish(hint, conv.ID, entries, &b.Tally)

	participants := make(map[string]struct{})
	for i := range b.Events {
		ev := &b.Events[i]
		if ev.Sender != "" {
			participants[ev.Sender] = struct{}{}
		}
		if ev.Timestamp != nil && (conv.LastEventAt == nil || ev.Timestamp.After(*conv.LastEventAt)) {
			t := *ev.Timestamp
			conv.LastEventAt = &t
		}
		if len(ev.Media) > 0 || len(ev.Metadata.UnresolvedMedia) > 0 {
			conv.HasMedia = true
		}
		if conv.DisplayName == "" && ev.Metadata.ConversationTitle != "" {
			conv.DisplayName = ev.Metadata.ConversationTitle
		}
	}
	if conv.DisplayName == "" {
		conv.DisplayName = e.senders.name(hint)
	}
	if conv.DisplayName == "" {
		conv.DisplayName = hint
	}
	conv.Participants = make([]string, 0, len(participants))
	for p := range participants {
		conv.Participants = append(conv.Participants, p)
	}
	slices.Sort(conv.Participants)
	conv.MessageCount = len(b.Events)
	b.Conversation = conv
	return b
}

// merge runs the two-pass HTML-then-JSON merge and returns unordered entries.
func (e *Engine) merge(hint string, obs []models.Observation, t *Tally) []*entry {
	// Deterministic input order regardless of how parsing was scheduled.
	sorted := make([]*models.Observation, 0, len(obs))
	for i := range obs {
		sorted = append(sorted, &obs[i])
	}
	slices.SortStableFunc(sorted, func(a, b *models.Observation) int {
		if a.Source != b.Source {
			if a.Source == models.SourceHTML {
				return -1
			}
			return 1
		}
		return cmp.Or(strings.Compare(a.Document, b.Document), cmp.Compare(a.Index, b.Index))
	})

	var entries []*entry
	byKey := make(map[mergeKey][]*entry)
	seen := make(map[string]struct{})

	for _, o := range sorted {
		kind, ok := e.validate(hint, o, t)
		if !ok {
			continue
		}
		sender := e.senders.canonical(o.Sender)
		ek := string(o.Source) + "\x00" + exactKey(strings.ToLower(sender), o, kind)
		if _, dup := seen[ek]; dup {
			t.DuplicatesCollapsed++
			continue
		}
		seen[ek] = struct{}{}

		if o.Source == models.SourceJSON {
			if m := e.match(byKey, sender, kind, o); m != nil {
				e.supplement(hint, m, o, t)
				continue
			}
			t.JSONOnlyEvents++
		}

		en := e.newEntry(o, kind, sender)
		entries = append(entries, en)
		if o.HasTimestamp() && o.Source == models.SourceHTML {
			byKey[en.key] = append(byKey[en.key], en)
		}
	}
	return entries
}

// validate is the boundary where loosely typed observations become a kind.
func (e *Engine) validate(hint string, o *models.Observation, t *Tally) (models.EventKind, bool) {
	if strings.TrimSpace(o.Sender) == "" && strings.TrimSpace(o.Text) == "" && len(o.Refs) == 0 && !o.Memory {
		t.InvalidObservations++
		t.warnf("%s: entry %d has no sender, text or media and was dropped", o.Document, o.Index)
		return "", false
	}
	if o.Memory {
		return models.KindMemory, true
	}
	kind, ok := models.KindFromLabel(o.RawKind)
	if !ok {
		kind = models.KindUnknown
		t.warnf("%s: entry %d has unrecognised type %q; kept as %s", o.Document, o.Index, o.RawKind, kind)
	}
	return kind, true
}

func (e *Engine) newEntry(o *models.Observation, kind models.EventKind, sender string) *entry {
	en := &entry{
		ts:    o.Timestamp,
		doc:   o.Document,
		index: o.Index,
		src:   o.Source,
		refs:  slices.Clone(o.Refs),
		key:   mergeKey{sender: strings.ToLower(sender), family: kind.Family()},
	}
	if o.HasTimestamp() {
		en.key.bucket = bucketOf(o.Timestamp, e.window)
	}
	en.ev = models.Event{
		ExportID:   e.exportID,
		Kind:       kind,
		Sender:     sender,
		SenderName: e.senders.name(sender),
		Text:       strings.TrimSpace(o.Text),
		Metadata: models.EventMetadata{
			RawKind:           o.RawKind,
			IsSender:          o.IsSender,
			ConversationTitle: o.ConversationTitle,
			MediaType:         o.MediaType,
			Geo:               o.Geo,
			Sources:           []models.Source{o.Source},
		},
	}
	if o.HasTimestamp() {
		ts := o.Timestamp.UTC()
		en.ev.Timestamp = &ts
	} else {
		en.ev.Metadata.RawTimestamp = o.RawTimestamp
	}
	for _, r := range o.Refs {
		if r.Kind == models.RefMediaID {
			en.ev.Metadata.MediaIDs = append(en.ev.Metadata.MediaIDs, r.Token)
		}
	}
	return en
}

// match finds the unclaimed HTML entry for a JSON observation, probing the
// neighbouring buckets so moments straddling a bucket edge still meet.
func (e *Engine) match(byKey map[mergeKey][]*entry, sender string, kind models.EventKind, o *models.Observation) *entry {
	if !o.HasTimestamp() {
		return nil
	}
	k := mergeKey{sender: strings.ToLower(sender), family: kind.Family(), bucket: bucketOf(o.Timestamp, e.window)}
	var best *entry
	var bestDist time.Duration
	for _, d := range []int64{0, -1, 1} {
		probe := k
		probe.bucket += d
		for _, en := range byKey[probe] {
			if en.matched {
				continue
			}
			dist := en.ts.Sub(o.Timestamp)
			if dist < 0 {
				dist = -dist
			}
			if dist > e.window {
				continue
			}
			if best == nil || dist < bestDist {
				best, bestDist = en, dist
			}
		}
	}
	return best
}

// supplement folds a JSON observation into its HTML twin. HTML values are
// never replaced; disagreements are reported.
func (e *Engine) supplement(hint string, en *entry, o *models.Observation, t *Tally) {
	en.matched = true
	en.ev.Metadata.Sources = append(en.ev.Metadata.Sources, models.SourceJSON)
	filled := false

	jsonText := strings.TrimSpace(o.Text)
	switch {
	case en.ev.Text == "" && jsonText != "":
		en.ev.Text = jsonText
		filled = true
	case jsonText != "" && normText(jsonText) != normText(en.ev.Text):
		t.Conflicts++
		t.warnf("conversation %s: %s at %s: html text %q differs from json text %q; html kept",
			displayHint(hint), en.ev.Sender, o.Timestamp.UTC().Format(time.RFC3339), clip(en.ev.Text), clip(jsonText))
	}

	md := &en.ev.Metadata
	if md.IsSender == nil && o.IsSender != nil {
		md.IsSender = o.IsSender
		filled = true
	}
	if md.ConversationTitle == "" && o.ConversationTitle != "" {
		md.ConversationTitle = o.ConversationTitle
		filled = true
	}
	if md.MediaType == "" && o.MediaType != "" {
		md.MediaType = o.MediaType
		filled = true
	}
	if md.Geo == nil && o.Geo != nil {
		md.Geo = o.Geo
		filled = true
	}

	have := make(map[string]struct{}, len(en.refs))
	for _, r := range en.refs {
		have[strings.ToLower(r.Token)] = struct{}{}
	}
	for _, r := range o.Refs {
		if r.Kind == models.RefMediaID {
			md.MediaIDs = appendUnique(md.MediaIDs, r.Token)
		}
		if _, ok := have[strings.ToLower(r.Token)]; ok {
			continue
		}
		// A by-time guess from JSON adds nothing when HTML already named files.
		if r.Kind == models.RefByTime && len(en.refs) > 0 {
			continue
		}
		have[strings.ToLower(r.Token)] = struct{}{}
		en.refs = append(en.refs, r)
		filled = true
	}
	if filled {
		t.Supplemented++
	}
}

// finish orders entries, assigns ids and ordinals and attaches media.
func (e *Engine) finish(hint, convID string, entries []*entry, t *Tally) []models.Event {
	slices.SortStableFunc(entries, func(a, b *entry) int {
		// Unknown times sort last.
		az, bz := a.ts.IsZero(), b.ts.IsZero()
		switch {
		case az && !bz:
			return 1
		case !az && bz:
			return -1
		}
		return cmp.Or(a.ts.Compare(b.ts), strings.Compare(a.doc, b.doc), cmp.Compare(a.index, b.index))
	})

	events := make([]models.Event, 0, len(entries))
	nulls := 0
	for i, en := range entries {
		ev := en.ev
		ev.Ordinal = i
		ev.ConversationID = convID
		tsKey := "?"
		if ev.Timestamp != nil {
			tsKey = ev.Timestamp.Format(time.RFC3339Nano)
		} else {
			nulls++
		}
		ev.ID = eventID(e.exportID, hint, i, tsKey)
		e.attachMedia(hint, &ev, en.refs, t)
		events = append(events, ev)
	}
	if nulls > 0 {
		t.NullTimestamps += nulls
		t.warnf("conversation %s: %d entries have unparseable timestamps and sort last", displayHint(hint), nulls)
	}
	return events
}

// attachMedia turns resolved references into assets. Each distinct token
// counts once per event; an unresolved one never removes the event.
func (e *Engine) attachMedia(hint string, ev *models.Event, refs []models.MediaRef, t *Tally) {
	ev.Media = []models.MediaAsset{}
	seen := make(map[string]struct{}, len(refs))
	paths := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		key := string(r.Kind) + "\x00" + strings.ToLower(r.Token)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		t.MediaReferenced++

		status := models.ResolutionMissing
		if r.Resolution != nil {
			status = r.Resolution.Status
		}
		label := r.Token
		if label == "" {
			label = fmt.Sprintf("%s %s", strings.ToLower(cmp.Or(r.MediaType, "media")), tsLabel(ev.Timestamp))
		}
		switch status {
		case models.ResolutionResolved:
			t.MediaResolved++
			a := *r.Resolution.Asset
			if _, dup := paths[a.Path]; !dup {
				paths[a.Path] = struct{}{}
				ev.Media = append(ev.Media, a)
			}
		case models.ResolutionAmbiguous:
			t.MediaAmbiguous++
			ev.Metadata.UnresolvedMedia = append(ev.Metadata.UnresolvedMedia, label)
			t.warnf("conversation %s: media %s matches %d files equally; left unlinked",
				displayHint(hint), label, r.Resolution.Candidates)
		default:
			t.MediaMissing++
			ev.Metadata.UnresolvedMedia = append(ev.Metadata.UnresolvedMedia, label)
			t.MissingFiles = append(t.MissingFiles, label)
		}
	}
}

func displayHint(hint string) string {
	if hint == MemoriesHint {
		return "memories"
	}
	return hint
}

func tsLabel(ts *time.Time) string {
	if ts == nil {
		return "at unknown time"
	}
	return "at " + ts.Format(time.RFC3339)
}

func clip(s string) string {
	const n = 80
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return list
		}
	}
	return append(list, v)
}
