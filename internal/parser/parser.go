// Package parser extracts raw observations from exported HTML pages. Pages
// are streamed through a tokenizer; no DOM is built.
package parser

import (
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/models"
)

// Category is the structural kind of an exported page.
type Category string

const (
	CategoryChat     Category = "chat"
	CategorySnap     Category = "snap"
	CategoryFriends  Category = "friends"
	CategoryMemories Category = "memories"
	CategoryLanding  Category = "landing"
	CategoryOther    Category = "other"
)

// Parsed reports whether pages of this category yield observations.
func (c Category) Parsed() bool {
	switch c {
	case CategoryChat, CategorySnap, CategoryFriends, CategoryMemories:
		return true
	}
	return false
}

var subpageRe = regexp.MustCompile(`(?i)^subpage_(.+?)(?:_page\d+)?\.html?$`)

// Classify derives the category and conversation hint of a page from its
// path relative to the export root. Split pages (subpage_x_page2.html) share
// their hint with the first page.
func Classify(relPath string) (Category, string) {
	p := strings.ToLower(strings.ReplaceAll(relPath, "\\", "/"))
	base := path.Base(p)
	dir := path.Dir(p)
	switch {
	case p == "index.html":
		return CategoryLanding, ""
	case base == "friends.html":
		return CategoryFriends, ""
	case base == "memories_history.html":
		return CategoryMemories, ""
	}
	if m := subpageRe.FindStringSubmatch(path.Base(strings.ReplaceAll(relPath, "\\", "/"))); m != nil {
		switch {
		case strings.Contains(dir, "chat_history"):
			return CategoryChat, m[1]
		case strings.Contains(dir, "snap_history"):
			return CategorySnap, m[1]
		}
	}
	return CategoryOther, ""
}

// Document is the parse result of one page.
type Document struct {
	Path         string
	Category     Category
	Hint         string
	Title        string
	Observations []models.Observation
	People       []models.Person
	Warnings     []string
}

// ParseDocument streams one page. Pages of a category that carries no
// observations are returned empty without being read. A page missing the
// structure its category requires, or one the tokenizer cannot get through,
// fails with apperr.ErrParse; the caller records it and moves on.
func ParseDocument(r io.Reader, relPath string) (*Document, error) {
	cat, hint := Classify(relPath)
	doc := &Document{Path: relPath, Category: cat, Hint: hint}

	switch cat {
	case CategoryChat, CategorySnap:
		def := "TEXT"
		if cat == CategorySnap {
			def = "SNAP"
		}
		v := newChatVisitor(doc, def)
		truncated, err := walk(r, v)
		if err != nil {
			return nil, fmt.Errorf("parser: %s: %w", relPath, err)
		}
		if !v.sawPanel {
			return nil, fmt.Errorf("parser: %s: no message panel: %w", relPath, apperr.ErrParse)
		}
		if truncated {
			doc.Warnings = append(doc.Warnings, fmt.Sprintf("%s: page ends before its markup closes; entries up to the cut were kept", relPath))
		}
		doc.Title = v.displayTitle()

	case CategoryFriends:
		v := newTableVisitor(func(row *tableRow) {
			if p, ok := friendFromRow(row); ok {
				doc.People = append(doc.People, p)
			}
		})
		if _, err := walk(r, v); err != nil {
			return nil, fmt.Errorf("parser: %s: %w", relPath, err)
		}
		if !v.sawTable {
			return nil, fmt.Errorf("parser: %s: no friends table: %w", relPath, apperr.ErrParse)
		}

	case CategoryMemories:
		idx := 0
		v := newTableVisitor(func(row *tableRow) {
			if obs, ok := memoryFromRow(row, relPath, idx); ok {
				doc.Observations = append(doc.Observations, obs)
				idx++
			}
		})
		if _, err := walk(r, v); err != nil {
			return nil, fmt.Errorf("parser: %s: %w", relPath, err)
		}
		if !v.sawTable {
			return nil, fmt.Errorf("parser: %s: no memories table: %w", relPath, apperr.ErrParse)
		}
	}
	return doc, nil
}

func friendFromRow(row *tableRow) (models.Person, bool) {
	username := row.cell(0, "Username", "User Name")
	if username == "" || strings.EqualFold(username, "username") {
		return models.Person{}, false
	}
	return models.Person{
		Username:    username,
		DisplayName: row.cell(1, "Display Name", "Name"),
	}, true
}

func memoryFromRow(row *tableRow, doc string, idx int) (models.Observation, bool) {
	date := row.cell(0, "Date", "Saved At")
	if date == "" {
		return models.Observation{}, false
	}
	mediaType := NormaliseMediaType(row.cell(1, "Media Type", "Type"))
	obs := models.Observation{
		Source:       models.SourceHTML,
		Document:     doc,
		Index:        idx,
		RawKind:      "MEMORY",
		RawTimestamp: date,
		MediaType:    mediaType,
		Memory:       true,
	}
	if ts, ok := ParseTimestamp(date); ok {
		obs.Timestamp = ts
	}
	if lat, lon, ok := ParseLocation(row.cell(2, "Location")); ok {
		obs.Geo = &models.GeoPoint{Latitude: lat, Longitude: lon}
	}
	obs.Refs = row.refs.refs
	if len(obs.Refs) == 0 {
		obs.Refs = []models.MediaRef{{Kind: models.RefByTime, MediaType: mediaType}}
	}
	return obs, true
}

// NormaliseMediaType maps IMAGE/image/Photo to the Image/Video/Audio labels
// used on assets.
func NormaliseMediaType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video":
		return "Video"
	case "audio":
		return "Audio"
	}
	return "Image"
}
