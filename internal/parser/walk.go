package parser

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/starford/snaparchive/internal/apperr"
)

// maxTokenBytes bounds the tokenizer buffer. A single token larger than this
// (a runaway attribute or text run) marks the page as malformed.
const maxTokenBytes = 4 << 20

// visitor receives a flattened element stream. depth is the element's
// position in the open-element stack.
type visitor interface {
	open(tag string, attrs map[string]string, depth int)
	close(tag string, depth int)
	text(s string)
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// walk streams r through the tokenizer and reports elements to v. Stray end
// tags are ignored; an end tag closes every element opened after its match,
// so unclosed children do not shift depths. Elements still open at EOF are
// closed in order and truncated is set.
func walk(r io.Reader, v visitor) (truncated bool, err error) {
	z := html.NewTokenizer(r)
	z.SetMaxBuf(maxTokenBytes)
	var stack []string

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if zerr := z.Err(); !errors.Is(zerr, io.EOF) {
				return false, fmt.Errorf("parser: tokenize: %w: %w", apperr.ErrParse, zerr)
			}
			truncated = len(stack) > 0 && !onlyImplicit(stack)
			for i := len(stack) - 1; i >= 0; i-- {
				v.close(stack[i], i)
			}
			return truncated, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			var attrs map[string]string
			for hasAttr {
				var k, val []byte
				k, val, hasAttr = z.TagAttr()
				if attrs == nil {
					attrs = make(map[string]string, 2)
				}
				attrs[string(k)] = string(val)
			}
			if tt == html.SelfClosingTagToken || voidElements[tag] {
				v.open(tag, attrs, len(stack))
				v.close(tag, len(stack))
				continue
			}
			stack = append(stack, tag)
			v.open(tag, attrs, len(stack)-1)

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			i := len(stack) - 1
			for i >= 0 && stack[i] != tag {
				i--
			}
			if i < 0 {
				continue
			}
			for j := len(stack) - 1; j >= i; j-- {
				v.close(stack[j], j)
			}
			stack = stack[:i]

		case html.TextToken:
			if n := len(stack); n > 0 && (stack[n-1] == "script" || stack[n-1] == "style") {
				continue
			}
			v.text(string(z.Text()))
		}
	}
}

// onlyImplicit reports whether the still-open elements are ones authors
// routinely leave unclosed.
func onlyImplicit(stack []string) bool {
	for _, t := range stack {
		switch t {
		case "html", "head", "body", "p", "li", "tr", "td", "th":
		default:
			return false
		}
	}
	return true
}

func hasClass(attrs map[string]string, class string) bool {
	for _, c := range strings.Fields(attrs["class"]) {
		if c == class {
			return true
		}
	}
	return false
}

// collapse normalises whitespace runs to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
