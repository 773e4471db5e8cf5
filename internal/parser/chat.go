package parser

import (
	"strings"

	"github.com/starford/snaparchive/internal/models"
)

// entryBuf accumulates one message div.
type entryBuf struct {
	sender    string
	timestamp string
	gotSender bool
	gotTime   bool
	texts     []string
	spans     []string
	loose     strings.Builder
	refs      refSet
}

func (e *entryBuf) empty() bool {
	return !e.gotSender && !e.gotTime && len(e.texts) == 0 && len(e.refs.refs) == 0
}

// chatVisitor turns the .rightpanel children of a chat or snap page into
// observations. Every direct child div of the panel is one entry.
type chatVisitor struct {
	doc         *Document
	defaultKind string

	panelDepth int
	sawPanel   bool
	entryDepth int
	cur        *entryBuf
	index      int

	capTag   string
	capDepth int
	capBuf   strings.Builder

	titleTag   string
	titleDepth int
	titleBuf   strings.Builder
	h1         string
	title      string
}

func newChatVisitor(doc *Document, defaultKind string) *chatVisitor {
	return &chatVisitor{doc: doc, defaultKind: defaultKind, panelDepth: -1, entryDepth: -1}
}

func (c *chatVisitor) open(tag string, attrs map[string]string, depth int) {
	if c.cur == nil && (tag == "title" || tag == "h1") && c.titleTag == "" {
		c.titleTag, c.titleDepth = tag, depth
		c.titleBuf.Reset()
	}
	if tag == "div" {
		switch {
		case c.panelDepth < 0 && !c.sawPanel && hasClass(attrs, "rightpanel"):
			c.panelDepth = depth
			c.sawPanel = true
			return
		case c.panelDepth >= 0 && c.cur == nil && depth == c.panelDepth+1:
			c.cur = &entryBuf{}
			c.entryDepth = depth
			return
		}
	}
	if c.cur == nil {
		return
	}
	switch tag {
	case "h4", "h6", "p", "span":
		if c.capTag == "" {
			c.capTag, c.capDepth = tag, depth
			c.capBuf.Reset()
		}
	case "br":
		if c.capTag != "" {
			c.capBuf.WriteByte('\n')
		}
	case "img", "video", "source", "audio":
		c.cur.refs.add(refFromURL(attrs["src"]))
	case "a":
		c.cur.refs.add(refFromURL(attrs["href"]))
	}
}

func (c *chatVisitor) close(tag string, depth int) {
	if c.titleTag != "" && depth == c.titleDepth {
		t := collapse(c.titleBuf.String())
		if c.titleTag == "h1" {
			c.h1 = t
		} else {
			c.title = t
		}
		c.titleTag = ""
	}
	if c.capTag != "" && depth == c.capDepth {
		c.finishCapture()
	}
	if c.cur != nil && depth == c.entryDepth {
		c.emit()
		c.cur = nil
		c.entryDepth = -1
	}
	if depth == c.panelDepth {
		c.panelDepth = -1
	}
}

func (c *chatVisitor) text(s string) {
	if c.titleTag != "" {
		c.titleBuf.WriteString(s)
	}
	if c.cur == nil {
		return
	}
	if c.capTag != "" {
		c.capBuf.WriteString(s)
		return
	}
	c.cur.loose.WriteString(s)
	c.cur.loose.WriteByte(' ')
}

func (c *chatVisitor) finishCapture() {
	raw := c.capBuf.String()
	text := collapse(raw)
	switch c.capTag {
	case "h4":
		if !c.cur.gotSender {
			c.cur.sender, c.cur.gotSender = text, true
		}
	case "h6":
		if !c.cur.gotTime {
			c.cur.timestamp, c.cur.gotTime = text, true
		}
	case "span":
		if text != "" {
			c.cur.spans = append(c.cur.spans, text)
		}
	case "p":
		lines := strings.Split(raw, "\n")
		for i := range lines {
			lines[i] = collapse(lines[i])
		}
		if t := strings.TrimSpace(strings.Join(lines, "\n")); t != "" {
			c.cur.texts = append(c.cur.texts, t)
		}
	}
	c.capTag = ""
}

func (c *chatVisitor) emit() {
	e := c.cur
	if e.empty() {
		return
	}
	for _, t := range e.texts {
		for _, tok := range textTokens(t) {
			e.refs.add(tok)
		}
	}
	for _, tok := range textTokens(e.loose.String()) {
		e.refs.add(tok)
	}

	obs := models.Observation{
		Source:           models.SourceHTML,
		Document:         c.doc.Path,
		Index:            c.index,
		ConversationHint: c.doc.Hint,
		Sender:           e.sender,
		RawKind:          c.kindOf(e),
		Text:             strings.Join(e.texts, "\n"),
		Refs:             e.refs.refs,
		RawTimestamp:     e.timestamp,
	}
	if ts, ok := ParseTimestamp(e.timestamp); ok {
		obs.Timestamp = ts
	}
	c.index++
	c.doc.Observations = append(c.doc.Observations, obs)
}

// kindOf picks the first span carrying a known type label, falling back to
// the first span's text (reported later as an unknown kind) or the page
// default.
func (c *chatVisitor) kindOf(e *entryBuf) string {
	for _, s := range e.spans {
		if _, ok := models.KindFromLabel(s); ok {
			return strings.ToUpper(s)
		}
	}
	if len(e.spans) > 0 && len(e.spans[0]) <= 40 {
		return e.spans[0]
	}
	return c.defaultKind
}

// displayTitle derives the conversation display name from the page heading.
func (c *chatVisitor) displayTitle() string {
	t := c.h1
	if t == "" {
		t = c.title
	}
	for _, prefix := range []string{"Chat History with ", "Snap History with "} {
		if strings.HasPrefix(t, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(t, prefix))
		}
	}
	return t
}
