// Package render serializes pull responses in the content type the client
// negotiated: JSON, XML or a line-oriented text format.
package render

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"unicode/utf8"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/failure"
	"github.com/ggoodman/pullgate/qos"
)

// ErrNotAcceptable is returned by Negotiate when the Accept header matches
// no supported format.
var ErrNotAcceptable = errors.New("render: no acceptable content type")

// Format is a response rendering.
type Format int

const (
	JSON Format = iota
	XML
	Text
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	xmlMediaType  = contenttype.NewMediaType("application/xml")
	textMediaType = contenttype.NewMediaType("text/plain")

	// Order matters: the first entry is served when Accept is absent.
	availableMediaTypes = []contenttype.MediaType{jsonMediaType, xmlMediaType, textMediaType}
)

// ContentType is the Content-Type header value for f.
func (f Format) ContentType() string {
	switch f {
	case XML:
		return xmlMediaType.String()
	case Text:
		return textMediaType.String() + "; charset=utf-8"
	default:
		return jsonMediaType.String()
	}
}

func (f Format) String() string {
	switch f {
	case XML:
		return "xml"
	case Text:
		return "text"
	default:
		return "json"
	}
}

// Negotiate picks the format from the request's Accept header.
func Negotiate(r *http.Request) (Format, error) {
	mt, _, err := contenttype.GetAcceptableMediaType(r, availableMediaTypes)
	if err != nil {
		return JSON, fmt.Errorf("%w: %w", ErrNotAcceptable, err)
	}
	switch mt.Type + "/" + mt.Subtype {
	case "application/xml":
		return XML, nil
	case "text/plain":
		return Text, nil
	default:
		return JSON, nil
	}
}

// Message is one rendered item. ID is nil unless the QoS tracks delivery.
type Message struct {
	ID       *string
	Content  string
	Headers  map[string][]string
	Metadata map[string]string
}

// Pagination carries the resume token. NextCursor is always rendered.
type Pagination struct {
	NextCursor string
}

// ErrorObject is the in-band error of an inline failure.
type ErrorObject struct {
	ID      string
	Message string
	Key     string
}

// PullResponse is the body of a successful (or inline failed) pull.
type PullResponse struct {
	Items      []Message
	Pagination Pagination
	Error      *ErrorObject
}

// Payload selects which record parts are copied into messages.
type Payload struct {
	Headers  bool
	Metadata bool
}

// Messages converts records to rendered items. IDs are set only when q
// requires delivery tracking.
func Messages(recs []connector.Record, q qos.QoS, p Payload) []Message {
	out := make([]Message, 0, len(recs))
	for _, rec := range recs {
		m := Message{
			Content:  string(rec.Value),
			Headers:  map[string][]string{},
			Metadata: map[string]string{},
		}
		if q.RequiresID() {
			id := rec.Cursor.ID()
			m.ID = &id
		}
		if p.Headers {
			for k, v := range rec.Headers {
				m.Headers[k] = append([]string(nil), v...)
			}
		}
		if p.Metadata {
			for k, v := range rec.Metadata {
				m.Metadata[k] = v
			}
		}
		out = append(out, m)
	}
	return out
}

// Inline builds the response of an inline endpoint failure.
func Inline(fe *failure.Error, transactionID, nextCursor string) PullResponse {
	return PullResponse{
		Items:      []Message{},
		Pagination: Pagination{NextCursor: nextCursor},
		Error:      &ErrorObject{ID: transactionID, Message: fe.Message, Key: fe.Key},
	}
}

// Render writes resp in format f.
func Render(w io.Writer, f Format, resp PullResponse) error {
	if resp.Items == nil {
		resp.Items = []Message{}
	}
	if resp.Error != nil {
		resp.Items = []Message{}
	}
	switch f {
	case XML:
		return renderXML(w, resp)
	case Text:
		return renderText(w, resp)
	default:
		return renderJSON(w, resp)
	}
}

// RenderFailure writes the top-level error body of fe in format f.
func RenderFailure(w io.Writer, f Format, fe *failure.Error) error {
	env := fe.Envelope()
	switch f {
	case XML:
		return renderFailureXML(w, env)
	case Text:
		return renderFailureText(w, env)
	default:
		return renderFailureJSON(w, env)
	}
}

// Decode parses a body produced by Render.
func Decode(r io.Reader, f Format) (PullResponse, error) {
	switch f {
	case XML:
		return decodeXML(r)
	case Text:
		return decodeText(r)
	default:
		return decodeJSON(r)
	}
}

// DecodeFailure parses a body produced by RenderFailure.
func DecodeFailure(r io.Reader, f Format) (failure.Envelope, error) {
	switch f {
	case XML:
		return decodeFailureXML(r)
	case Text:
		return decodeFailureText(r)
	default:
		return decodeFailureJSON(r)
	}
}

// contentBase64 marks content carried as standard base64 because it is not
// text all three formats can represent.
const contentBase64 = "base64"

// encodeContent returns the wire form of content and its encoding, empty for
// plain text.
func encodeContent(content string) (string, string) {
	if plainText(content) {
		return content, ""
	}
	return base64.StdEncoding.EncodeToString([]byte(content)), contentBase64
}

func decodeContent(wire, encoding string) (string, error) {
	switch encoding {
	case "":
		return wire, nil
	case contentBase64:
		b, err := base64.StdEncoding.DecodeString(wire)
		if err != nil {
			return "", fmt.Errorf("decode content: %w", err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("decode content: unknown encoding %q", encoding)
	}
}

// plainText reports whether s is valid UTF-8 made of characters XML 1.0
// accepts. Tab, LF and CR are the only control characters allowed.
func plainText(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
		case r < 0x20 || r == 0x7f || r == 0xfffe || r == 0xffff:
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
