package markup

import (
	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// Parser converts raw article markup into an Article.
type Parser struct{}

// NewParser returns a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse renders raw, normalizes the resulting HTML and extracts text and tags.
func (p *Parser) Parse(_ string, raw string) (wiki.Article, error) {
	rendered, err := Render(raw)
	if err != nil {
		return wiki.Article{}, err
	}
	doc, err := Normalize(rendered)
	if err != nil {
		return wiki.Article{}, err
	}
	text, tags := Extract(doc)
	return wiki.Article{Text: text, Tags: tags}, nil
}
