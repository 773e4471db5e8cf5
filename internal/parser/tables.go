package parser

import (
	"strings"
)

// tableRow is one body row with the header and section it sits under.
type tableRow struct {
	section string
	header  []string
	cells   []string
	refs    refSet
}

// cell returns the value under the first header matching one of names
// (case-insensitive), or the cell at fallback when the table has no header.
func (r *tableRow) cell(fallback int, names ...string) string {
	for i, h := range r.header {
		for _, n := range names {
			if strings.EqualFold(h, n) && i < len(r.cells) {
				return r.cells[i]
			}
		}
	}
	if len(r.header) == 0 && fallback >= 0 && fallback < len(r.cells) {
		return r.cells[fallback]
	}
	return ""
}

// tableVisitor collects table rows along with the nearest preceding
// heading, which names the section (Friends, Blocked Users, ...).
type tableVisitor struct {
	onRow func(r *tableRow)

	sawTable   bool
	tableDepth int
	header     []string
	section    string

	headTag   string
	headDepth int
	headBuf   strings.Builder

	row      *tableRow
	rowDepth int
	allTH    bool

	cellDepth int
	cellTag   string
	cellBuf   strings.Builder
}

func newTableVisitor(onRow func(r *tableRow)) *tableVisitor {
	return &tableVisitor{onRow: onRow, tableDepth: -1, rowDepth: -1, cellDepth: -1}
}

func (t *tableVisitor) open(tag string, attrs map[string]string, depth int) {
	switch tag {
	case "h1", "h2", "h3", "h4":
		if t.tableDepth < 0 && t.headTag == "" {
			t.headTag, t.headDepth = tag, depth
			t.headBuf.Reset()
		}
	case "table":
		if t.tableDepth < 0 {
			t.tableDepth = depth
			t.sawTable = true
			t.header = nil
		}
	case "tr":
		if t.tableDepth >= 0 {
			// An unclosed previous row ends here.
			if t.row != nil {
				t.finishCell()
				t.finishRow()
			}
			t.row = &tableRow{section: t.section, header: t.header}
			t.rowDepth = depth
			t.allTH = true
		}
	case "td", "th":
		if t.row != nil {
			t.finishCell()
			t.cellTag, t.cellDepth = tag, depth
			t.cellBuf.Reset()
			if tag == "td" {
				t.allTH = false
			}
		}
	case "a":
		if t.row != nil {
			t.row.refs.add(refFromURL(attrs["href"]))
		}
	case "img", "video", "source":
		if t.row != nil {
			t.row.refs.add(refFromURL(attrs["src"]))
		}
	case "br":
		if t.cellDepth >= 0 {
			t.cellBuf.WriteByte(' ')
		}
	}
}

func (t *tableVisitor) close(tag string, depth int) {
	if t.headTag != "" && depth == t.headDepth {
		if s := collapse(t.headBuf.String()); s != "" {
			t.section = s
		}
		t.headTag = ""
	}
	if t.cellDepth >= 0 && depth == t.cellDepth {
		t.finishCell()
	}
	if t.row != nil && depth == t.rowDepth {
		t.finishRow()
	}
	if depth == t.tableDepth {
		t.tableDepth = -1
	}
}

func (t *tableVisitor) finishCell() {
	if t.cellDepth < 0 {
		return
	}
	t.row.cells = append(t.row.cells, collapse(t.cellBuf.String()))
	t.cellDepth = -1
}

func (t *tableVisitor) finishRow() {
	switch {
	case len(t.row.cells) == 0:
	case t.allTH:
		t.header = t.row.cells
	default:
		t.onRow(t.row)
	}
	t.row = nil
	t.rowDepth = -1
}

func (t *tableVisitor) text(s string) {
	if t.headTag != "" {
		t.headBuf.WriteString(s)
	}
	if t.cellDepth >= 0 {
		t.cellBuf.WriteString(s)
	}
}
