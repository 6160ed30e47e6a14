package wiki

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind discriminates conversion outcomes.
type Kind int

// Outcome kinds.
const (
	KindFailed Kind = iota
	KindArticle
	KindRedirect
)

var kindNames = map[Kind]string{
	KindFailed:   "failed",
	KindArticle:  "article",
	KindRedirect: "redirect",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown outcome kind %d", int(k))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown outcome kind %q", text)
}

// Outcome is the result of converting one title: either a serialized article,
// a serialized redirect stub, or a conversion failure.
type Outcome struct {
	Title   string
	Kind    Kind
	Payload []byte
	// Redirect holds the normalized target for KindRedirect.
	Redirect string
	// Err is set for KindFailed and always matches ErrConversion.
	Err error
}

// OK reports whether the outcome carries a payload for the sink.
func (o Outcome) OK() bool {
	return o.Kind == KindArticle || o.Kind == KindRedirect
}

// Failure builds a KindFailed outcome, wrapping cause as a ConversionError.
func Failure(title string, cause error) Outcome {
	return Outcome{
		Title: title,
		Kind:  KindFailed,
		Err:   &ConversionError{Title: title, Cause: cause},
	}
}

// Tag is an offset-annotated structural marker on article text. Offsets
// count Unicode code points.
type Tag struct {
	Name  string
	Start int
	End   int
	Attrs map[string]string
}

// MarshalJSON encodes the tag as [name, start, end, attrs].
func (t Tag) MarshalJSON() ([]byte, error) {
	attrs := t.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	return encode([]any{t.Name, t.Start, t.End, attrs})
}

// UnmarshalJSON decodes the [name, start, end, attrs] form.
func (t *Tag) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode tag: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("decode tag: want 4 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &t.Name); err != nil {
		return fmt.Errorf("decode tag name: %w", err)
	}
	if err := json.Unmarshal(raw[1], &t.Start); err != nil {
		return fmt.Errorf("decode tag start: %w", err)
	}
	if err := json.Unmarshal(raw[2], &t.End); err != nil {
		return fmt.Errorf("decode tag end: %w", err)
	}
	if err := json.Unmarshal(raw[3], &t.Attrs); err != nil {
		return fmt.Errorf("decode tag attrs: %w", err)
	}
	return nil
}

// RedirectKey is the metadata key naming a redirect target.
const RedirectKey = "r"

// Article is the serialized payload: (text, tags) for normal articles and
// (text, tags, meta) for redirects.
type Article struct {
	Text string
	Tags []Tag
	Meta map[string]string
}

// NewRedirect builds the zero-content stub for a redirect to target.
func NewRedirect(target string) Article {
	return Article{Meta: map[string]string{RedirectKey: target}}
}

// Redirect returns the redirect target, if any.
func (a Article) Redirect() (string, bool) {
	target, ok := a.Meta[RedirectKey]
	return target, ok
}

// Encode serializes the article without HTML escaping. Use it instead of
// json.Marshal, which escapes '<', '>' and '&' in the text.
func (a Article) Encode() ([]byte, error) {
	return encode(a)
}

// MarshalJSON encodes the 2- or 3-element record.
func (a Article) MarshalJSON() ([]byte, error) {
	tags := a.Tags
	if tags == nil {
		tags = []Tag{}
	}
	if len(a.Meta) == 0 {
		return encode([]any{a.Text, tags})
	}
	return encode([]any{a.Text, tags, a.Meta})
}

// UnmarshalJSON decodes either record form.
func (a *Article) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode article: %w", err)
	}
	if len(raw) != 2 && len(raw) != 3 {
		return fmt.Errorf("decode article: want 2 or 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &a.Text); err != nil {
		return fmt.Errorf("decode article text: %w", err)
	}
	if err := json.Unmarshal(raw[1], &a.Tags); err != nil {
		return fmt.Errorf("decode article tags: %w", err)
	}
	a.Meta = nil
	if len(raw) == 3 {
		if err := json.Unmarshal(raw[2], &a.Meta); err != nil {
			return fmt.Errorf("decode article meta: %w", err)
		}
	}
	return nil
}

// encode marshals without HTML escaping so payloads stay byte-compatible
// with other producers of the format.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
