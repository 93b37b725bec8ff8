package endpoint

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrExpression reports a malformed template expression.
var ErrExpression = errors.New("endpoint: invalid expression")

// exprPattern matches the accessor expressions understood inside {# ... }.
//
//	request.headers['X-Topic'][0]
//	request.params['topic']
//	request.attributes['tenant']
//	context.attributes['tenant']
//	request.id, request.path, api.id
var exprPattern = regexp.MustCompile(`^(request\.headers|request\.params|request\.attributes|context\.attributes)\['([^']+)'\](?:\[(\d+)\])?$|^(request\.id|request\.path|api\.id)$`)

// Evaluate substitutes every {#expr} occurrence in tmpl using rc. Values that
// are absent render as the empty string.
func Evaluate(tmpl string, rc RequestContext) (string, error) {
	if !strings.Contains(tmpl, "{#") {
		return tmpl, nil
	}
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{#")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated expression in %q", ErrExpression, tmpl)
		}
		expr := strings.TrimSpace(rest[start+2 : start+end])
		v, err := lookup(expr, rc)
		if err != nil {
			return "", err
		}
		b.WriteString(v)
		rest = rest[start+end+1:]
	}
}

func lookup(expr string, rc RequestContext) (string, error) {
	m := exprPattern.FindStringSubmatch(expr)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrExpression, expr)
	}
	switch m[4] {
	case "request.id":
		return rc.RequestID, nil
	case "request.path":
		return rc.Path, nil
	case "api.id":
		return rc.APIID, nil
	}

	idx := 0
	if m[3] != "" {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return "", fmt.Errorf("%w: bad index in %q", ErrExpression, expr)
		}
		idx = n
	}
	name := m[2]

	var values []string
	switch m[1] {
	case "request.headers":
		values = rc.Headers.Values(name)
	case "request.params":
		values = rc.Query[name]
	case "request.attributes", "context.attributes":
		values = attributeValues(rc.Attributes[name])
	}
	if idx >= len(values) {
		return "", nil
	}
	return values[idx], nil
}

// attributeValues flattens the attribute shapes an upstream step may set.
func attributeValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case fmt.Stringer:
		return []string{t.String()}
	default:
		return []string{fmt.Sprint(t)}
	}
}
