// Package worker runs conversions in isolated OS processes.
//
// The parent starts a child with the hidden "worker" command and talks to it
// over stdin/stdout, one JSON document per line. The child opens its private
// store handle once, answers with a ready message and then converts one
// title per request until stdin closes. Child logs go to stderr and are
// copied into the parent's logger.
package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// Request asks the worker to convert one title.
type Request struct {
	Title string `json:"title"`
}

// Response is either the handshake (Ready or Fatal set) or the outcome of
// one Request.
type Response struct {
	Ready    bool            `json:"ready,omitempty"`
	Fatal    string          `json:"fatal,omitempty"`
	Title    string          `json:"title,omitempty"`
	Kind     wiki.Kind       `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Redirect string          `json:"redirect,omitempty"`
	Error    string          `json:"error,omitempty"`
	Empty    bool            `json:"empty,omitempty"`
}

func responseFromOutcome(out wiki.Outcome) Response {
	resp := Response{
		Title:    out.Title,
		Kind:     out.Kind,
		Payload:  out.Payload,
		Redirect: out.Redirect,
	}
	if out.Kind == wiki.KindFailed {
		resp.Payload = nil
		cause := out.Err
		var convErr *wiki.ConversionError
		if errors.As(out.Err, &convErr) && convErr.Cause != nil {
			cause = convErr.Cause
		}
		if cause != nil {
			resp.Error = cause.Error()
		}
		resp.Empty = errors.Is(out.Err, wiki.ErrEmptyArticle)
	}
	return resp
}

// Outcome rebuilds the wiki.Outcome carried by the response.
func (r Response) Outcome() wiki.Outcome {
	if r.Kind != wiki.KindFailed {
		return wiki.Outcome{
			Title:    r.Title,
			Kind:     r.Kind,
			Payload:  append([]byte(nil), r.Payload...),
			Redirect: r.Redirect,
		}
	}
	var cause error
	switch {
	case r.Empty:
		cause = wiki.ErrEmptyArticle
	case r.Error != "":
		cause = errors.New(r.Error)
	}
	return wiki.Failure(r.Title, cause)
}

// lineWriter writes one JSON document per line without HTML escaping, so
// payload bytes cross the pipe unchanged.
type lineWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &lineWriter{w: bw, enc: enc}
}

func (l *lineWriter) write(v any) error {
	if err := l.enc.Encode(v); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush message: %w", err)
	}
	return nil
}

// readLine reads one newline-terminated message of any length.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
			return line, nil
		}
		return nil, err
	}
	return line, nil
}
