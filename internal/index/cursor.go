package index

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/starford/snaparchive/internal/apperr"
)

// MaxPageSize bounds every paginated query.
const MaxPageSize = 500

// DefaultPageSize applies when a query passes no limit.
const DefaultPageSize = 50

// nullSortTS places events without a timestamp after every dated one.
const nullSortTS = math.MaxInt64

// cursor is a keyset position over (sort_ts, ordinal, id). It is opaque to
// callers.
type cursor struct {
	SortTS  int64  `json:"t"`
	Ordinal int    `json:"o"`
	ID      string `json:"i"`
}

func (c cursor) encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeCursor parses a cursor; the empty string is the first page.
func decodeCursor(s string) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("index: cursor: %w", apperr.ErrInvalidInput)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" {
		return nil, fmt.Errorf("index: cursor: %w", apperr.ErrInvalidInput)
	}
	return &c, nil
}

func clampLimit(n int) int {
	switch {
	case n < 1:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}

func toNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func sortKey(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return nullSortTS
	}
	return t.UnixNano()
}
