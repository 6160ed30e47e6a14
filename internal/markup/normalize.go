package markup

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// dropped elements never contribute text.
const dropped = "ref, references, script, style, gallery, noinclude, math, timeline, imagemap, table"

// unwrapped elements keep their children but lose the element itself.
const unwrapped = "span, font, center, abbr, cite"

var renamed = map[string]string{
	"strong": "b",
	"em":     "i",
	"strike": "s",
	"del":    "s",
	"ins":    "u",
}

// Normalize parses loose HTML and rewrites it into the reduced element set
// Extract understands.
func Normalize(htmlText string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc.Find(dropped).Remove()
	doc.Find(unwrapped).Each(func(_ int, s *goquery.Selection) {
		if s.Contents().Length() == 0 {
			s.Remove()
			return
		}
		s.Contents().Unwrap()
	})
	for from, to := range renamed {
		doc.Find(from).Each(func(_ int, s *goquery.Selection) {
			inner, err := s.Html()
			if err != nil {
				return
			}
			s.ReplaceWithHtml("<" + to + ">" + inner + "</" + to + ">")
		})
	}
	doc.Find("b, i, u, s, a").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) == "" {
			s.Remove()
		}
	})
	return doc, nil
}
