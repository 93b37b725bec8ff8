package render

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ggoodman/pullgate/failure"
)

// The text format is line oriented. A bare word opens a block (items, item,
// pagination, error); every other line is "field: value" inside the current
// block. Values escape backslash, LF and CR. Header and metadata keys also
// escape "=" as \e so the first bare "=" separates key from value.

var (
	textEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)
	textUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r")
	keyEscaper    = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, "=", `\e`)
	keyUnescaper  = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r", `\e`, "=")
)

func escape(s string) string { return textEscaper.Replace(s) }

func unescape(s string) string { return textUnescaper.Replace(s) }

func escapeKey(s string) string { return keyEscaper.Replace(s) }

func unescapeKey(s string) string { return keyUnescaper.Replace(s) }

type textWriter struct {
	w   *bufio.Writer
	err error
}

func (t *textWriter) line(parts ...string) {
	if t.err != nil {
		return
	}
	for _, p := range parts {
		if _, t.err = t.w.WriteString(p); t.err != nil {
			return
		}
	}
	t.err = t.w.WriteByte('\n')
}

func renderText(w io.Writer, resp PullResponse) error {
	tw := &textWriter{w: bufio.NewWriter(w)}
	tw.line("items")
	for _, m := range resp.Items {
		tw.line("item")
		if m.ID != nil {
			tw.line("id: ", escape(*m.ID))
		}
		content, encoding := encodeContent(m.Content)
		if encoding != "" {
			tw.line("encoding: ", encoding)
		}
		tw.line("content: ", escape(content))
		for _, k := range sortedKeys(m.Headers) {
			for _, v := range m.Headers[k] {
				tw.line("header: ", escapeKey(k), "=", escape(v))
			}
		}
		for _, k := range sortedKeys(m.Metadata) {
			tw.line("metadata: ", escapeKey(k), "=", escape(m.Metadata[k]))
		}
	}
	tw.line("pagination")
	tw.line("nextCursor: ", escape(resp.Pagination.NextCursor))
	if e := resp.Error; e != nil {
		tw.line("error")
		tw.line("id: ", escape(e.ID))
		tw.line("message: ", escape(e.Message))
		tw.line("key: ", escape(e.Key))
	}
	if tw.err != nil {
		return tw.err
	}
	return tw.w.Flush()
}

func decodeText(r io.Reader) (PullResponse, error) {
	resp := PullResponse{Items: []Message{}}
	var (
		block     string
		cur       *Message
		encodings []string
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if line == "" {
			continue
		}
		field, value, ok := strings.Cut(line, ": ")
		if !ok {
			switch line {
			case "items", "pagination":
				block = line
			case "item":
				block = line
				resp.Items = append(resp.Items, Message{Headers: map[string][]string{}, Metadata: map[string]string{}})
				cur = &resp.Items[len(resp.Items)-1]
				encodings = append(encodings, "")
			case "error":
				block = line
				resp.Error = &ErrorObject{}
			default:
				return PullResponse{}, fmt.Errorf("decode text response: line %d: unknown block %q", n, line)
			}
			continue
		}
		switch block {
		case "item":
			switch field {
			case "id":
				id := unescape(value)
				cur.ID = &id
			case "encoding":
				encodings[len(encodings)-1] = value
			case "content":
				cur.Content = unescape(value)
			case "header":
				k, v, _ := strings.Cut(value, "=")
				k = unescapeKey(k)
				cur.Headers[k] = append(cur.Headers[k], unescape(v))
			case "metadata":
				k, v, _ := strings.Cut(value, "=")
				cur.Metadata[unescapeKey(k)] = unescape(v)
			}
		case "pagination":
			if field == "nextCursor" {
				resp.Pagination.NextCursor = unescape(value)
			}
		case "error":
			switch field {
			case "id":
				resp.Error.ID = unescape(value)
			case "message":
				resp.Error.Message = unescape(value)
			case "key":
				resp.Error.Key = unescape(value)
			}
		default:
			return PullResponse{}, fmt.Errorf("decode text response: line %d: field %q outside a block", n, field)
		}
	}
	if err := sc.Err(); err != nil {
		return PullResponse{}, fmt.Errorf("decode text response: %w", err)
	}
	for i, enc := range encodings {
		content, err := decodeContent(resp.Items[i].Content, enc)
		if err != nil {
			return PullResponse{}, fmt.Errorf("decode text response: item %d: %w", i, err)
		}
		resp.Items[i].Content = content
	}
	return resp, nil
}

func renderFailureText(w io.Writer, env failure.Envelope) error {
	_, err := fmt.Fprintf(w, "message: %s\nhttp_status_code: %d\n", escape(env.Message), env.HTTPStatusCode)
	return err
}

func decodeFailureText(r io.Reader) (failure.Envelope, error) {
	var env failure.Envelope
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		field, value, ok := strings.Cut(sc.Text(), ": ")
		if !ok {
			continue
		}
		switch field {
		case "message":
			env.Message = unescape(value)
		case "http_status_code":
			code, err := strconv.Atoi(value)
			if err != nil {
				return env, fmt.Errorf("decode text failure: %w", err)
			}
			env.HTTPStatusCode = code
		}
	}
	return env, sc.Err()
}
