package reconstruct

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/snaparchive/internal/models"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func htmlObs(idx int, sender, kind, text string, ts time.Time, refs ...models.MediaRef) models.Observation {
	return models.Observation{
		Source: models.SourceHTML, Document: "html/chat_history/subpage_bob.html", Index: idx,
		ConversationHint: "bob", Sender: sender, RawKind: kind, Text: text, Timestamp: ts, Refs: refs,
	}
}

func jsonObs(idx int, sender, kind, text string, ts time.Time, refs ...models.MediaRef) models.Observation {
	o := htmlObs(idx, sender, kind, text, ts, refs...)
	o.Source = models.SourceJSON
	o.Document = "json/chat_history.json"
	return o
}

func resolved(token, path string) models.MediaRef {
	return models.MediaRef{
		Kind: models.RefFilename, Token: token,
		Resolution: &models.Resolution{Status: models.ResolutionResolved, Asset: &models.MediaAsset{Path: path, Name: token}},
	}
}

func missing(token string) models.MediaRef {
	return models.MediaRef{Kind: models.RefFilename, Token: token, Resolution: &models.Resolution{Status: models.ResolutionMissing}}
}

func TestHTMLWinsConflict(t *testing.T) {
	e := New("exp", 0, nil)
	b := e.MergeConversation("bob", []models.Observation{
		jsonObs(0, "alice", "TEXT", "hello from json", t0.Add(time.Second)),
		htmlObs(0, "alice", "TEXT", "hello from html", t0),
	})
	require.Len(t, b.Events, 1)
	assert.Equal(t, "hello from html", b.Events[0].Text)
	assert.Equal(t, 1, b.Tally.Conflicts)
	require.Len(t, b.Tally.Warnings, 1)
	assert.Contains(t, b.Tally.Warnings[0], "html kept")
	assert.Equal(t, []models.Source{models.SourceHTML, models.SourceJSON}, b.Events[0].Metadata.Sources)
	assert.Equal(t, 0, b.Tally.JSONOnlyEvents)
}

func TestWhitespaceDifferenceIsNotAConflict(t *testing.T) {
	e := New("exp", 0, nil)
	b := e.MergeConversation("bob", []models.Observation{
		htmlObs(0, "alice", "TEXT", "see  you\nsoon", t0),
		jsonObs(0, "alice", "TEXT", "see you soon", t0),
	})
	require.Len(t, b.Events, 1)
	assert.Equal(t, 0, b.Tally.Conflicts)
}

func TestJSONFillsGapsOnly(t *testing.T) {
	yes := true
	j := jsonObs(0, "alice", "MEDIA", "caption", t0, models.MediaRef{Kind: models.RefMediaID, Token: "b~1"})
	j.IsSender = &yes
	j.ConversationTitle = "Bobby"

	e := New("exp", 0, nil)
	b := e.MergeConversation("bob", []models.Observation{
		htmlObs(0, "alice", "MEDIA", "", t0),
		j,
	})
	require.Len(t, b.Events, 1)
	ev := b.Events[0]
	assert.Equal(t, "caption", ev.Text)
	assert.Equal(t, []string{"b~1"}, ev.Metadata.MediaIDs)
	require.NotNil(t, ev.Metadata.IsSender)
	assert.True(t, *ev.Metadata.IsSender)
	assert.Equal(t, 1, b.Tally.Supplemented)
	assert.Equal(t, "Bobby", b.Conversation.DisplayName)
}

func TestJSONOnlyMomentCreatesEvent(t *testing.T) {
	e := New("exp", 0, nil)
	b := e.MergeConversation("bob", []models.Observation{
		htmlObs(0, "alice", "TEXT", "first", t0),
		jsonObs(0, "bob", "TEXT", "reply", t0.Add(time.Minute)),
		jsonObs(1, "alice", "SNAP", "other kind", t0),
	})
	require.Len(t, b.Events, 3)
	assert.Equal(t, 2, b.Tally.JSONOnlyEvents)
	assert.Equal(t, "first", b.Events[0].Text)
	assert.Equal(t, "reply", b.Events[2].Text)
}

func TestNeighbourBucketsMerge(t *testing.T) {
	// 10:00:01.900 and 10:00:02.100 fall in different 2s buckets.
	e := New("exp", 2*time.Second, nil)
	b := e.MergeConversation("bob", []models.Observation{
		htmlObs(0, "alice", "TEXT", "hi", t0.Add(1900*time.Millisecond)),
		jsonObs(0, "alice", "TEXT", "hi", t0.Add(2100*time.Millisecond)),
	})
	assert.Len(t, b.Events, 1)
	assert.Equal(t, 0, b.Tally.JSONOnlyEvents)
}

func TestSenderDisplayNameCanonicalised(t *testing.T) {
	e := New("exp", 0, []models.Person{{Username: "alice", DisplayName: "Alice A"}})
	b := e.MergeConversation("bob", []models.Observation{
		htmlObs(0, "Alice A", "TEXT", "hi", t0),
		jsonObs(0, "alice", "TEXT", "hi", t0),
	})
	require.Len(t, b.Events, 1)
	assert.Equal(t, "alice", b.Events[0].Sender)
	assert.Equal(t, "Alice A", b.Events[0].SenderName)
	assert.Equal(t, []string{"alice"}, b.Conversation.Participants)
}

func TestMissingMediaKeepsEvent(t *testing.T) {
	e := New("exp", 0, nil)
	b := e.MergeConversation("bob", []models.Observation{
		htmlObs(0, "alice", "MEDIA", "", t0, missing("2024-01-01_gone.jpg")),
	})
	require.Len(t, b.Events, 1)
	assert.Empty(t, b.Events[0].Media)
	assert.NotNil(t, b.Events[0].Media)
	assert.Equal(t, 1, b.Tally.MediaMissing)
	assert.Equal(t, []string{"2024-01-01_gone.jpg"}, b.Tally.MissingFiles)
	assert.Equal(t, []string{"2024-01-01_gone.jpg"}, b.Events[0].Metadata.UnresolvedMedia)
	assert.True(t, b.Conversation.HasMedia)
}

func TestResolvedMediaAttached(t *testing.T) {
	e := New("exp", 0, nil)
	b := e.MergeConversation("bob", []models.Observation{
		htmlObs(0, "alice", "MEDIA", "", t0,
			resolved("2024-01-01_a.jpg", "chat_media/2024-01-01_a.jpg"),
			resolved("2024-01-01_a.jpg", "chat_media/2024-01-01_a.jpg")),
	})
	require.Len(t, b.Events[0].Media, 1)
	assert.Equal(t, "chat_media/2024-01-01_a.jpg", b.Events[0].Media[0].Path)
	assert.Equal(t, 1, b.Tally.MediaReferenced)
	assert.Equal(t, 1, b.Tally.MediaResolved)
}

func TestAmbiguousMediaReported(t *testing.T) {
	ref := models.MediaRef{Kind: models.RefFilename, Token: "x.jpg",
		Resolution: &models.Resolution{Status: models.ResolutionAmbiguous, Candidates: 2}}
	e := New("exp", 0, nil)
	b := e.MergeConversation("bob", []models.Observation{htmlObs(0, "alice", "MEDIA", "", t0, ref)})
	require.Len(t, b.Events, 1)
	assert.Equal(t, 1, b.Tally.MediaAmbiguous)
	assert.Empty(t, b.Tally.MissingFiles)
	require.Len(t, b.Tally.Warnings, 1)
	assert.Contains(t, b.Tally.Warnings[0], "2 files")
}

func TestExactDuplicatesCollapsed(t *testing.T) {
	e := New("exp", 0, nil)
	dup := htmlObs(0, "alice", "TEXT", "same", t0)
	dup2 := dup
	dup2.Document = "html/chat_history/subpage_bob_page2.html"
	b := e.MergeConversation("bob", []models.Observation{dup, dup2, jsonObs(0, "alice", "TEXT", "same", t0), jsonObs(1, "alice", "TEXT", "same", t0)})
	require.Len(t, b.Events, 1)
	assert.Equal(t, 2, b.Tally.DuplicatesCollapsed)
}

func TestNullTimestampsSortLastAndAreFlagged(t *testing.T) {
	undated := htmlObs(0, "alice", "TEXT", "when?", time.Time{})
	undated.RawTimestamp = "next tuesday"
	e := New("exp", 0, nil)
	b := e.MergeConversation("bob", []models.Observation{
		undated,
		htmlObs(1, "bob", "TEXT", "late", t0.Add(time.Hour)),
		htmlObs(2, "alice", "TEXT", "early", t0),
	})
	require.Len(t, b.Events, 3)
	assert.Equal(t, "early", b.Events[0].Text)
	assert.Equal(t, "late", b.Events[1].Text)
	assert.Equal(t, "when?", b.Events[2].Text)
	assert.Nil(t, b.Events[2].Timestamp)
	assert.Equal(t, "next tuesday", b.Events[2].Metadata.RawTimestamp)
	assert.Equal(t, 1, b.Tally.NullTimestamps)
	for i, ev := range b.Events {
		assert.Equal(t, i, ev.Ordinal)
	}
	require.NotNil(t, b.Conversation.LastEventAt)
	assert.True(t, b.Conversation.LastEventAt.Equal(t0.Add(time.Hour)))
}

func TestInvalidObservationDropped(t *testing.T) {
	e := New("exp", 0, nil)
	b := e.MergeConversation("bob", []models.Observation{htmlObs(0, "", "TEXT", "  ", t0)})
	assert.Empty(t, b.Events)
	assert.Equal(t, 1, b.Tally.InvalidObservations)
}

func TestUnknownKindKept(t *testing.T) {
	e := New("exp", 0, nil)
	b := e.MergeConversation("bob", []models.Observation{htmlObs(0, "alice", "HOLOGRAM", "x", t0)})
	require.Len(t, b.Events, 1)
	assert.Equal(t, models.KindUnknown, b.Events[0].Kind)
	assert.Equal(t, "HOLOGRAM", b.Events[0].Metadata.RawKind)
}

func TestIDsAreDeterministic(t *testing.T) {
	obs := []models.Observation{htmlObs(0, "alice", "TEXT", "a", t0), htmlObs(1, "bob", "TEXT", "b", t0.Add(time.Second))}
	b1 := New("exp", 0, nil).MergeConversation("bob", obs)
	b2 := New("exp", 0, nil).MergeConversation("bob", obs)
	assert.Equal(t, b1.Conversation.ID, b2.Conversation.ID)
	assert.Equal(t, b1.Events[1].ID, b2.Events[1].ID)
	assert.NotEqual(t, b1.Events[0].ID, b1.Events[1].ID)
	assert.NotEqual(t, b1.Conversation.ID, New("other", 0, nil).MergeConversation("bob", obs).Conversation.ID)
}

func TestMemoriesHaveNoConversation(t *testing.T) {
	geo := &models.GeoPoint{Latitude: 1, Longitude: 2}
	mem := func(src models.Source, g *models.GeoPoint) models.Observation {
		return models.Observation{Source: src, Document: "memories", RawKind: "MEMORY", Memory: true,
			Timestamp: t0, MediaType: "Video", Geo: g,
			Refs: []models.MediaRef{{Kind: models.RefByTime, MediaType: "Video", Resolution: &models.Resolution{Status: models.ResolutionMissing}}}}
	}
	e := New("exp", 0, nil)
	b := e.MergeConversation(MemoriesHint, []models.Observation{mem(models.SourceHTML, nil), mem(models.SourceJSON, geo)})
	assert.Nil(t, b.Conversation)
	require.Len(t, b.Events, 1)
	ev := b.Events[0]
	assert.Equal(t, models.KindMemory, ev.Kind)
	assert.Empty(t, ev.ConversationID)
	assert.Equal(t, geo, ev.Metadata.Geo)
	assert.Equal(t, 1, b.Tally.MediaMissing)
	assert.True(t, strings.HasPrefix(b.Tally.MissingFiles[0], "video at "))
}

func TestReportBuilderCapsWarnings(t *testing.T) {
	rb := NewReportBuilder("exp", "run", 3)
	for i := range 5 {
		rb.Warnf("w%d", i)
	}
	rb.Add(Tally{Conflicts: 2, MissingFiles: []string{"b", "a", "a"}, Warnings: []string{"late"}})
	rb.Update(func(r *models.ValidationReport) { r.DocumentsParsed = 7 })

	r := rb.Build()
	assert.Equal(t, []string{"w0", "w1", "w2", "3 further warnings omitted"}, r.Warnings)
	assert.Equal(t, []string{"a", "b"}, r.MissingFiles)
	assert.Equal(t, 2, r.Conflicts)
	assert.Equal(t, 7, r.DocumentsParsed)
	assert.Equal(t, 6, rb.WarningCount())
	assert.Equal(t, "run", r.RunID)
}

func TestMergeIsLinearEnough(t *testing.T) {
	// Twenty thousand entries per side must merge without quadratic blowup.
	const n = 20000
	obs := make([]models.Observation, 0, 2*n)
	for i := range n {
		ts := t0.Add(time.Duration(i) * 3 * time.Second)
		obs = append(obs, htmlObs(i, "alice", "TEXT", fmt.Sprintf("m%d", i), ts))
		obs = append(obs, jsonObs(i, "alice", "TEXT", fmt.Sprintf("m%d", i), ts))
	}
	start := time.Now()
	b := New("exp", 0, nil).MergeConversation("bob", obs)
	assert.Len(t, b.Events, n)
	assert.Less(t, time.Since(start), 10*time.Second)
}
