// Package sidecar parses the optional JSON files shipped next to the HTML
// pages. Files are streamed record by record; a structural error anywhere
// discards the whole file.
package sidecar

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/models"
)

// Kind identifies a sidecar file.
type Kind string

const (
	KindFriends  Kind = "friends"
	KindChat     Kind = "chat"
	KindSnap     Kind = "snap"
	KindMemories Kind = "memories"
)

// KindForFile maps a sidecar file name to its kind.
func KindForFile(relPath string) (Kind, bool) {
	switch strings.ToLower(path.Base(strings.ReplaceAll(relPath, "\\", "/"))) {
	case "friends.json":
		return KindFriends, true
	case "chat_history.json":
		return KindChat, true
	case "snap_history.json":
		return KindSnap, true
	case "memories_history.json":
		return KindMemories, true
	}
	return "", false
}

// Result is everything one sidecar contributed.
type Result struct {
	Kind         Kind
	Observations []models.Observation
	People       []models.Person
	Records      int
}

// Parse streams one sidecar of the given kind. doc is the path recorded on
// observations. Any structural error fails with apperr.ErrParse and no
// partial result.
func Parse(r io.Reader, kind Kind, doc string) (*Result, error) {
	p := &fileParser{dec: json.NewDecoder(r), doc: doc, res: &Result{Kind: kind}}
	var err error
	switch kind {
	case KindFriends:
		err = p.eachArray(p.friend)
	case KindChat:
		err = p.eachArray(p.chat)
	case KindSnap:
		err = p.eachArray(p.snap)
	case KindMemories:
		err = p.eachArray(p.memory)
	default:
		return nil, fmt.Errorf("sidecar: unknown kind %q: %w", kind, apperr.ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("sidecar: %s: %w: %w", doc, apperr.ErrParse, err)
	}
	return p.res, nil
}

type fileParser struct {
	dec   *json.Decoder
	doc   string
	res   *Result
	index int
}

// recordFunc decodes one array element found under key.
type recordFunc func(key string) error

// eachArray walks a top-level object whose values are arrays of records,
// calling fn with the decoder positioned at each element. Values that are
// not arrays are skipped.
func (p *fileParser) eachArray(fn recordFunc) error {
	if err := p.expectDelim('{'); err != nil {
		return err
	}
	for p.dec.More() {
		tok, err := p.dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		tok, err = p.dec.Token()
		if err != nil {
			return err
		}
		if d, isDelim := tok.(json.Delim); !isDelim || d != '[' {
			if err := p.skip(tok); err != nil {
				return err
			}
			continue
		}
		for p.dec.More() {
			if err := fn(key); err != nil {
				return err
			}
			p.res.Records++
		}
		if err := p.expectDelim(']'); err != nil {
			return err
		}
	}
	if err := p.expectDelim('}'); err != nil {
		return err
	}
	// Trailing garbage makes the file structurally invalid.
	if _, err := p.dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after top-level object")
		}
		return err
	}
	return nil
}

func (p *fileParser) expectDelim(want json.Delim) error {
	tok, err := p.dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// skip consumes the rest of a value whose first token has been read.
func (p *fileParser) skip(first json.Token) error {
	d, ok := first.(json.Delim)
	if !ok || d == '}' || d == ']' {
		return nil
	}
	depth := 1
	for depth > 0 {
		tok, err := p.dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

func (p *fileParser) next() int {
	i := p.index
	p.index++
	return i
}
