package index

import (
	"context"
	"database/sql"
	"strings"
	"unicode"

	"github.com/starford/snaparchive/internal/models"
)

const (
	defaultSearchLimit = 20
	maxSearchTerms     = 16
)

// Search returns events whose text matches every word of query, with a
// snippet around the match. The query is reduced to plain words first, so
// quotes, operators and other grammar characters are never interpreted.
func (db *DB) Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = clampLimit(limit)
	terms := SanitizeTerms(query)
	if len(terms) == 0 {
		return []models.SearchHit{}, nil
	}
	hits, err := db.ftsSearch(ctx, terms, limit)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}
	return hits, nil
}

// SanitizeTerms splits a user query into words, dropping tokens that carry
// no letter or digit. Each surviving word is matched literally.
func SanitizeTerms(query string) []string {
	var out []string
	for _, f := range strings.Fields(query) {
		if !strings.ContainsFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
			continue
		}
		out = append(out, f)
		if len(out) == maxSearchTerms {
			break
		}
	}
	return out
}

// quoteTerm makes a word an FTS5 string literal: wrapped in double quotes
// with embedded quotes doubled.
func quoteTerm(t string) string {
	return `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
}

// escapeLike escapes LIKE wildcards for use with ESCAPE '\'.
func escapeLike(t string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(t)
}

// snippet cuts text to about radius runes either side of the first match of
// term and marks the match the way FTS5's snippet() does.
func snippet(text, term string, radius int) string {
	lower := strings.ToLower(text)
	i := strings.Index(lower, strings.ToLower(term))
	if i < 0 || len(lower) != len(text) {
		r := []rune(text)
		if len(r) > 2*radius {
			return string(r[:2*radius]) + "..."
		}
		return text
	}
	j := i + len(term)
	before := []rune(text[:i])
	after := []rune(text[j:])
	var b strings.Builder
	if len(before) > radius {
		b.WriteString("...")
		before = before[len(before)-radius:]
	}
	b.WriteString(string(before))
	b.WriteString("<b>")
	b.WriteString(text[i:j])
	b.WriteString("</b>")
	if len(after) > radius {
		b.WriteString(string(after[:radius]))
		b.WriteString("...")
	} else {
		b.WriteString(string(after))
	}
	return b.String()
}

func scanHits(rows *sql.Rows) ([]models.SearchHit, error) {
	var out []models.SearchHit
	for rows.Next() {
		var h models.SearchHit
		var kind string
		var ts sql.NullInt64
		if err := rows.Scan(&h.EventID, &h.ConversationID, &h.ConversationName, &h.Sender, &h.SenderName, &h.Snippet, &kind, &ts); err != nil {
			return nil, err
		}
		h.Kind = models.EventKind(kind)
		h.Timestamp = fromNanos(ts)
		out = append(out, h)
	}
	return out, rows.Err()
}
