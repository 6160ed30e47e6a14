package markup

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// kept elements become tags; everything else only contributes text.
var kept = map[string]bool{
	"b": true, "i": true, "u": true, "s": true,
	"sup": true, "sub": true, "tt": true, "code": true,
	"small": true, "big": true, "pre": true, "blockquote": true,
	"a":  true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "dl": true, "dt": true, "dd": true,
}

// blockGap is the number of line breaks surrounding a block element.
var blockGap = map[string]int{
	"p": 2, "pre": 2, "blockquote": 2, "hr": 2,
	"h1": 2, "h2": 2, "h3": 2, "h4": 2, "h5": 2, "h6": 2,
	"ul": 1, "ol": 1, "dl": 1, "li": 1, "dt": 1, "dd": 1,
	"div": 1,
}

// Extract flattens doc into text and tags. Offsets count code points and
// tags are ordered by their opening position.
func Extract(doc *goquery.Document) (string, []wiki.Tag) {
	e := &extractor{}
	e.walk(doc.Find("body"), false)
	return e.finish()
}

type extractor struct {
	text []rune
	tags []wiki.Tag
}

func (e *extractor) walk(sel *goquery.Selection, pre bool) {
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch name {
		case "#text":
			e.appendText(c.Text(), pre)
			return
		case "#comment":
			return
		case "br":
			e.appendRaw("\n")
			return
		}

		gap := blockGap[name]
		e.breakLines(gap)
		idx := -1
		if kept[name] {
			idx = len(e.tags)
			e.tags = append(e.tags, wiki.Tag{Name: name, Start: len(e.text), Attrs: attrs(c, name)})
		}
		e.walk(c, pre || name == "pre")
		if idx >= 0 {
			e.tags[idx].End = len(e.text)
		}
		e.breakLines(gap)
	})
}

func attrs(c *goquery.Selection, name string) map[string]string {
	if name != "a" {
		return nil
	}
	href, ok := c.Attr("href")
	if !ok {
		return nil
	}
	return map[string]string{"href": href}
}

func (e *extractor) appendRaw(s string) {
	e.text = append(e.text, []rune(s)...)
}

func (e *extractor) appendText(s string, pre bool) {
	if pre {
		e.appendRaw(s)
		return
	}
	collapsed := strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
	if s != "" && unicode.IsSpace(rune(s[0])) {
		collapsed = " " + collapsed
	}
	if s != "" && unicode.IsSpace(rune(s[len(s)-1])) && collapsed != " " {
		collapsed += " "
	}
	if e.atLineStart() || e.endsWithSpace() {
		collapsed = strings.TrimLeft(collapsed, " ")
	}
	e.appendRaw(collapsed)
}

func (e *extractor) atLineStart() bool {
	return len(e.text) == 0 || e.text[len(e.text)-1] == '\n'
}

func (e *extractor) endsWithSpace() bool {
	return len(e.text) > 0 && e.text[len(e.text)-1] == ' '
}

// breakLines ensures the text ends with at least n newlines.
func (e *extractor) breakLines(n int) {
	if n == 0 || len(e.text) == 0 {
		return
	}
	e.trimTrailingSpaces()
	have := 0
	for i := len(e.text) - 1; i >= 0 && e.text[i] == '\n'; i-- {
		have++
	}
	for ; have < n; have++ {
		e.text = append(e.text, '\n')
	}
}

func (e *extractor) trimTrailingSpaces() {
	end := len(e.text)
	for end > 0 && e.text[end-1] == ' ' {
		end--
	}
	if end == len(e.text) {
		return
	}
	e.text = e.text[:end]
	for i := range e.tags {
		e.tags[i].Start = min(e.tags[i].Start, end)
		e.tags[i].End = min(e.tags[i].End, end)
	}
}

func (e *extractor) finish() (string, []wiki.Tag) {
	end := len(e.text)
	for end > 0 && unicode.IsSpace(e.text[end-1]) {
		end--
	}
	text := e.text[:end]

	tags := make([]wiki.Tag, 0, len(e.tags))
	for _, tag := range e.tags {
		tag.Start = min(tag.Start, end)
		tag.End = min(tag.End, end)
		if tag.End <= tag.Start {
			continue
		}
		tags = append(tags, tag)
	}
	return string(text), tags
}
