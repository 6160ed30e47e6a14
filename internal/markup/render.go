// Package markup turns raw wiki markup into plain article text plus an
// ordered list of offset-annotated tags.
//
// Conversion runs in three passes: Render produces loose HTML from wiki
// markup, Normalize cleans that HTML with goquery, and Extract walks the
// cleaned tree into text and tags.
package markup

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

var (
	// ErrUnbalancedLink reports a "[[" without a matching "]]".
	ErrUnbalancedLink = errors.New("unbalanced link brackets")
	// ErrUnbalancedTemplate reports a "{{" without a matching "}}".
	ErrUnbalancedTemplate = errors.New("unbalanced template braces")
)

var (
	commentRe   = regexp.MustCompile(`(?s)<!--.*?-->`)
	magicWordRe = regexp.MustCompile(`__[A-Z]+__`)
	headingRe   = regexp.MustCompile(`^(={1,6})\s*(.+?)\s*(={1,6})\s*$`)
	listRe      = regexp.MustCompile(`^([*#:;]+)\s*(.*)$`)
	hrRe        = regexp.MustCompile(`^-{4,}\s*$`)
	extLinkRe   = regexp.MustCompile(`\[((?:https?|ftp)://[^\s\]]+)(?:\s+([^\]]*))?\]`)
	quoteRunRe  = regexp.MustCompile(`'{2,}`)
)

// Render converts wiki markup to HTML. Templates, tables, comments and
// non-article links (files, categories, interlanguage) are dropped.
func Render(raw string) (string, error) {
	text := commentRe.ReplaceAllString(raw, "")
	text, err := stripTemplates(text)
	if err != nil {
		return "", err
	}
	text = magicWordRe.ReplaceAllString(text, "")
	text, err = renderLinks(text)
	if err != nil {
		return "", err
	}
	text = extLinkRe.ReplaceAllStringFunc(text, renderExternalLink)

	r := &blockRenderer{}
	for _, line := range strings.Split(text, "\n") {
		r.line(line)
	}
	r.closeAll()
	return r.out.String(), nil
}

// stripTemplates removes every {{...}} construct, including nested and
// triple-brace parameters.
func stripTemplates(s string) (string, error) {
	var out strings.Builder
	for {
		left := strings.Index(s, "{{")
		if left < 0 {
			out.WriteString(s)
			return out.String(), nil
		}
		out.WriteString(s[:left])
		depth := 0
		right := -1
		for i := left; i < len(s); i++ {
			switch s[i] {
			case '{':
				depth++
			case '}':
				depth--
			}
			if depth == 0 {
				right = i + 1
				break
			}
		}
		if right < 0 {
			return "", ErrUnbalancedTemplate
		}
		s = s[right:]
	}
}

// renderLinks replaces [[target|label]] with anchors. Brackets nest, so
// links inside image captions are consumed with their image.
func renderLinks(s string) (string, error) {
	var out strings.Builder
	for {
		left := strings.Index(s, "[[")
		if left < 0 {
			out.WriteString(s)
			return out.String(), nil
		}
		out.WriteString(s[:left])
		nest := 2
		right := left + 2
		for nest > 0 && right < len(s) {
			switch s[right] {
			case '[':
				nest++
			case ']':
				nest--
			}
			right++
		}
		if nest != 0 {
			return "", fmt.Errorf("%w at offset %d", ErrUnbalancedLink, left)
		}
		inner, err := renderLinks(s[left+2 : right-2])
		if err != nil {
			return "", err
		}
		rest := s[right:]
		trail := trailingLetters(rest)
		out.WriteString(renderLink(inner, trail))
		s = rest[len(trail):]
	}
}

func trailingLetters(s string) string {
	end := 0
	for end < len(s) {
		r, size := utf8.DecodeRuneInString(s[end:])
		if !unicode.IsLetter(r) {
			break
		}
		end += size
	}
	return s[:end]
}

func renderLink(inner, trail string) string {
	target, label, hasLabel := strings.Cut(inner, "|")
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, ":") {
		target = strings.TrimSpace(target[1:])
	} else if wiki.IsSpecial(target) {
		return ""
	}
	if target == "" {
		return label
	}
	label = strings.TrimSpace(label)
	if !hasLabel || label == "" {
		label = target
	}
	return `<a href="` + html.EscapeString(target) + `">` + label + trail + `</a>`
}

func renderExternalLink(m string) string {
	parts := extLinkRe.FindStringSubmatch(m)
	href, label := parts[1], strings.TrimSpace(parts[2])
	if label == "" {
		label = href
	}
	return `<a href="` + html.EscapeString(href) + `">` + label + `</a>`
}

// blockRenderer assembles block-level HTML line by line.
type blockRenderer struct {
	out        strings.Builder
	para       []string
	lists      []string
	tableDepth int
}

func (r *blockRenderer) line(line string) {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "{|") {
		r.flushPara()
		r.tableDepth++
		return
	}
	if r.tableDepth > 0 {
		if strings.HasPrefix(trimmed, "|}") {
			r.tableDepth--
		}
		return
	}

	if trimmed == "" {
		r.flushPara()
		r.closeLists(0)
		return
	}
	if m := headingRe.FindStringSubmatch(trimmed); m != nil && len(m[1]) == len(m[3]) {
		r.flushPara()
		r.closeLists(0)
		level := len(m[1])
		fmt.Fprintf(&r.out, "<h%d>%s</h%d>\n", level, renderQuotes(m[2]), level)
		return
	}
	if hrRe.MatchString(trimmed) {
		r.flushPara()
		r.closeLists(0)
		r.out.WriteString("<hr/>\n")
		return
	}
	if m := listRe.FindStringSubmatch(line); m != nil {
		r.flushPara()
		r.listItem(m[1], m[2])
		return
	}
	r.closeLists(0)
	r.para = append(r.para, renderQuotes(trimmed))
}

func (r *blockRenderer) flushPara() {
	if len(r.para) == 0 {
		return
	}
	r.out.WriteString("<p>" + strings.Join(r.para, "\n") + "</p>\n")
	r.para = r.para[:0]
}

func listKind(c byte) string {
	switch c {
	case '*':
		return "ul"
	case '#':
		return "ol"
	default:
		return "dl"
	}
}

func (r *blockRenderer) listItem(prefix, content string) {
	kinds := make([]string, len(prefix))
	for i := range prefix {
		kinds[i] = listKind(prefix[i])
	}
	common := 0
	for common < len(kinds) && common < len(r.lists) && kinds[common] == r.lists[common] {
		common++
	}
	r.closeLists(common)
	for _, kind := range kinds[len(r.lists):] {
		r.out.WriteString("<" + kind + ">")
		r.lists = append(r.lists, kind)
	}
	item := "li"
	if r.lists[len(r.lists)-1] == "dl" {
		item = "dd"
		if prefix[len(prefix)-1] == ';' {
			item = "dt"
		}
	}
	r.out.WriteString("<" + item + ">" + renderQuotes(strings.TrimSpace(content)) + "</" + item + ">\n")
}

func (r *blockRenderer) closeLists(keep int) {
	for len(r.lists) > keep {
		kind := r.lists[len(r.lists)-1]
		r.lists = r.lists[:len(r.lists)-1]
		r.out.WriteString("</" + kind + ">\n")
	}
}

func (r *blockRenderer) closeAll() {
	r.flushPara()
	r.closeLists(0)
}

// renderQuotes converts apostrophe runs into italic and bold markup on
// one line, closing anything left open at the end of the line.
func renderQuotes(line string) string {
	if !strings.Contains(line, "''") {
		return line
	}
	var (
		out  strings.Builder
		open []string
	)
	toggle := func(tag string) {
		idx := -1
		for i, t := range open {
			if t == tag {
				idx = i
			}
		}
		if idx < 0 {
			open = append(open, tag)
			out.WriteString("<" + tag + ">")
			return
		}
		for i := len(open) - 1; i >= idx; i-- {
			out.WriteString("</" + open[i] + ">")
		}
		reopen := append([]string(nil), open[idx+1:]...)
		open = open[:idx]
		for _, t := range reopen {
			open = append(open, t)
			out.WriteString("<" + t + ">")
		}
	}

	last := 0
	for _, loc := range quoteRunRe.FindAllStringIndex(line, -1) {
		out.WriteString(line[last:loc[0]])
		n := loc[1] - loc[0]
		switch {
		case n == 2:
			toggle("i")
		case n == 3:
			toggle("b")
		case n == 4:
			out.WriteString("'")
			toggle("b")
		default:
			out.WriteString(strings.Repeat("'", n-5))
			toggle("b")
			toggle("i")
		}
		last = loc[1]
	}
	out.WriteString(line[last:])
	for i := len(open) - 1; i >= 0; i-- {
		out.WriteString("</" + open[i] + ">")
	}
	return out.String()
}
