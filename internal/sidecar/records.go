package sidecar

import (
	"fmt"
	"strings"

	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/parser"
)

type friendRecord struct {
	Username    string `json:"Username"`
	DisplayName string `json:"Display Name"`
}

type chatRecord struct {
	From              string `json:"From"`
	MediaType         string `json:"Media Type"`
	Created           string `json:"Created"`
	Content           string `json:"Content"`
	ConversationTitle string `json:"Conversation Title"`
	IsSender          *bool  `json:"IsSender"`
	MediaIDs          string `json:"Media IDs"`
}

type memoryRecord struct {
	Date      string `json:"Date"`
	MediaType string `json:"Media Type"`
	Location  string `json:"Location"`
}

// friend handles Friends, Blocked Users, Deleted Friends and the other
// person lists; every list contributes to the same participant directory.
func (p *fileParser) friend(_ string) error {
	var rec friendRecord
	if err := p.dec.Decode(&rec); err != nil {
		return err
	}
	if u := strings.TrimSpace(rec.Username); u != "" {
		p.res.People = append(p.res.People, models.Person{
			Username:    u,
			DisplayName: strings.TrimSpace(rec.DisplayName),
		})
	}
	return nil
}

func (p *fileParser) chat(key string) error {
	var rec chatRecord
	if err := p.dec.Decode(&rec); err != nil {
		return err
	}
	kind := strings.ToUpper(strings.TrimSpace(rec.MediaType))
	if kind == "" {
		kind = "TEXT"
	}
	obs := p.base(key, rec)
	obs.RawKind = kind
	obs.Text = strings.TrimSpace(rec.Content)
	for _, id := range splitMediaIDs(rec.MediaIDs) {
		obs.Refs = append(obs.Refs, models.MediaRef{Kind: models.RefMediaID, Token: id})
	}
	p.res.Observations = append(p.res.Observations, obs)
	return nil
}

func (p *fileParser) snap(key string) error {
	var rec chatRecord
	if err := p.dec.Decode(&rec); err != nil {
		return err
	}
	mediaType := strings.ToUpper(strings.TrimSpace(rec.MediaType))
	if mediaType == "" {
		mediaType = "IMAGE"
	}
	obs := p.base(key, rec)
	obs.RawKind = "SNAP"
	if mediaType == "VIDEO" {
		obs.RawKind = "SNAP_VIDEO"
	}
	verb := "Received"
	if rec.IsSender != nil && *rec.IsSender {
		verb = "Sent"
	}
	obs.Text = fmt.Sprintf("%s a %s snap", verb, strings.ToLower(mediaType))
	obs.MediaType = parser.NormaliseMediaType(mediaType)
	p.res.Observations = append(p.res.Observations, obs)
	return nil
}

func (p *fileParser) memory(_ string) error {
	var rec memoryRecord
	if err := p.dec.Decode(&rec); err != nil {
		return err
	}
	mediaType := parser.NormaliseMediaType(rec.MediaType)
	obs := models.Observation{
		Source:       models.SourceJSON,
		Document:     p.doc,
		Index:        p.next(),
		RawKind:      "MEMORY",
		RawTimestamp: rec.Date,
		MediaType:    mediaType,
		Memory:       true,
		Refs:         []models.MediaRef{{Kind: models.RefByTime, MediaType: mediaType}},
	}
	if ts, ok := parser.ParseTimestamp(rec.Date); ok {
		obs.Timestamp = ts
	}
	if lat, lon, ok := parser.ParseLocation(rec.Location); ok {
		obs.Geo = &models.GeoPoint{Latitude: lat, Longitude: lon}
	}
	p.res.Observations = append(p.res.Observations, obs)
	return nil
}

func (p *fileParser) base(key string, rec chatRecord) models.Observation {
	obs := models.Observation{
		Source:            models.SourceJSON,
		Document:          p.doc,
		Index:             p.next(),
		ConversationHint:  key,
		Sender:            strings.TrimSpace(rec.From),
		RawTimestamp:      rec.Created,
		IsSender:          rec.IsSender,
		ConversationTitle: strings.TrimSpace(rec.ConversationTitle),
	}
	if ts, ok := parser.ParseTimestamp(rec.Created); ok {
		obs.Timestamp = ts
	}
	return obs
}

// splitMediaIDs splits the " | " separated identifier list.
func splitMediaIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, id := range strings.Split(raw, "|") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
