package wiki

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// DefaultRedirectAliases is used when no localized magic words are known.
var DefaultRedirectAliases = []string{"#REDIRECT"}

// specialTitle matches titles in a non-content namespace such as
// "Category:Foo" or "Template:Bar". The character after the colon must not
// be Unicode whitespace, which includes separators like U+00A0.
var specialTitle = regexp.MustCompile(`^[\p{L}\p{N}_]+:[^\s\v\p{Z}\x{1c}-\x{1f}\x{85}]`)

// IsSpecial reports whether title belongs to a non-content namespace.
func IsSpecial(title string) bool {
	return specialTitle.MatchString(title)
}

// NormalizeTitle folds a title into canonical form: NFC, underscores as
// spaces, whitespace runs collapsed and trimmed, first letter upper-cased
// using the rules of lang.
func NormalizeTitle(lang, title string) string {
	title = norm.NFC.String(title)
	title = strings.ReplaceAll(title, "_", " ")
	title = strings.Join(strings.FieldsFunc(title, unicode.IsSpace), " ")
	if title == "" {
		return ""
	}
	first, size := utf8.DecodeRuneInString(title)
	if !unicode.IsLower(first) {
		return title
	}
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.Und
	}
	return cases.Upper(tag).String(string(first)) + title[size:]
}

// RedirectMatcher detects redirect markup and extracts its target.
type RedirectMatcher struct {
	lang string
	re   *regexp.Regexp
}

// NewRedirectMatcher compiles a matcher for the given redirect magic words
// (e.g. "#REDIRECT", "#WEITERLEITUNG"). Matching is case-insensitive.
func NewRedirectMatcher(lang string, aliases []string) *RedirectMatcher {
	if len(aliases) == 0 {
		aliases = DefaultRedirectAliases
	}
	quoted := make([]string, 0, len(aliases))
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(alias))
	}
	if len(quoted) == 0 {
		quoted = append(quoted, regexp.QuoteMeta(DefaultRedirectAliases[0]))
	}
	pattern := `(?is)^\s*(?:` + strings.Join(quoted, "|") + `)\s*:?\s*\[\[([^\]]+?)\]\]`
	return &RedirectMatcher{lang: lang, re: regexp.MustCompile(pattern)}
}

// Target returns the normalized redirect target of raw, if raw is a
// redirect. Section anchors and link labels are dropped.
func (m *RedirectMatcher) Target(raw string) (string, bool) {
	match := m.re.FindStringSubmatch(raw)
	if match == nil {
		return "", false
	}
	target := match[1]
	target, _, _ = strings.Cut(target, "|")
	target, _, _ = strings.Cut(target, "#")
	target = NormalizeTitle(m.lang, target)
	if target == "" {
		return "", false
	}
	return target, true
}
