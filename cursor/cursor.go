// Package cursor encodes broker-native positions into opaque, URL-safe tokens
// handed to pull clients.
//
// A Cursor names one message: (topic, partition, offset). A Position is the
// set of next-read cursors of a topic, one per partition, and is what clients
// receive as nextCursor and send back as cursor.
package cursor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by every DecodeError.
var ErrMalformed = errors.New("cursor: malformed")

// DecodeError reports a client-supplied token that could not be decoded.
type DecodeError struct {
	Token  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cursor: malformed token %q: %s", e.Token, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

// Cursor is a broker-native position of a single message.
type Cursor struct {
	Topic     string
	Partition int32
	Offset    int64
}

// ID is the plaintext form "topic@partition#offset" used as a message id.
func (c Cursor) ID() string {
	return c.Topic + "@" + strconv.FormatInt(int64(c.Partition), 10) + "#" + strconv.FormatInt(c.Offset, 10)
}

// Next returns the position immediately after c in the same partition.
func (c Cursor) Next() Cursor {
	return Cursor{Topic: c.Topic, Partition: c.Partition, Offset: c.Offset + 1}
}

func (c Cursor) String() string { return c.ID() }

// Encode returns the opaque token for c.
func Encode(c Cursor) string {
	return base64.RawURLEncoding.EncodeToString([]byte(c.ID()))
}

// Decode parses a token produced by Encode.
func Decode(token string) (Cursor, error) {
	raw, err := decodeBase64(token)
	if err != nil {
		return Cursor{}, &DecodeError{Token: token, Reason: "not base64"}
	}
	c, reason := parseTriple(raw)
	if reason != "" {
		return Cursor{}, &DecodeError{Token: token, Reason: reason}
	}
	return c, nil
}

func decodeBase64(token string) (string, error) {
	token = strings.TrimSpace(token)
	var (
		b   []byte
		err error
	)
	if strings.HasSuffix(token, "=") {
		b, err = base64.URLEncoding.DecodeString(token)
	} else {
		b, err = base64.RawURLEncoding.DecodeString(token)
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// parseTriple splits at the last '#' and the last '@' before it so that topic
// names may contain either character.
func parseTriple(s string) (Cursor, string) {
	hash := strings.LastIndexByte(s, '#')
	if hash < 0 {
		return Cursor{}, "missing offset separator"
	}
	at := strings.LastIndexByte(s[:hash], '@')
	if at < 0 {
		return Cursor{}, "missing partition separator"
	}
	topic := s[:at]
	if topic == "" {
		return Cursor{}, "empty topic"
	}
	partition, err := strconv.ParseInt(s[at+1:hash], 10, 32)
	if err != nil || partition < 0 {
		return Cursor{}, "invalid partition"
	}
	offset, err := strconv.ParseInt(s[hash+1:], 10, 64)
	if err != nil || offset < 0 {
		return Cursor{}, "invalid offset"
	}
	return Cursor{Topic: topic, Partition: int32(partition), Offset: offset}, ""
}

// Position holds the next-read cursor of each known partition, sorted by
// topic then partition. The zero value is an empty position.
type Position []Cursor

// Offset returns the next-read offset recorded for the partition.
func (p Position) Offset(topic string, partition int32) (int64, bool) {
	for _, c := range p {
		if c.Topic == topic && c.Partition == partition {
			return c.Offset, true
		}
	}
	return 0, false
}

// Advance records that the message at c has been consumed. The partition's
// next-read offset never moves backwards. The receiver is not modified.
func (p Position) Advance(c Cursor) Position {
	return p.set(c.Next(), false)
}

// With returns a copy of p with the partition's next-read cursor set to c,
// even if that moves it backwards.
func (p Position) With(c Cursor) Position {
	return p.set(c, true)
}

func (p Position) set(next Cursor, force bool) Position {
	out := make(Position, 0, len(p)+1)
	found := false
	for _, c := range p {
		if c.Topic == next.Topic && c.Partition == next.Partition {
			found = true
			if force || next.Offset > c.Offset {
				c = next
			}
		}
		out = append(out, c)
	}
	if !found {
		out = append(out, next)
	}
	sortPosition(out)
	return out
}

// Merge advances p with every partition of other.
func (p Position) Merge(other Position) Position {
	out := p
	for _, c := range other {
		if cur, ok := out.Offset(c.Topic, c.Partition); !ok || c.Offset > cur {
			out = out.With(c)
		}
	}
	return out
}

// Equal reports whether both positions carry the same cursors.
func (p Position) Equal(other Position) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Covers reports whether every partition of other is known to p at exactly
// the same offset.
func (p Position) Covers(other Position) bool {
	for _, c := range other {
		off, ok := p.Offset(c.Topic, c.Partition)
		if !ok || off != c.Offset {
			return false
		}
	}
	return true
}

// IsZero reports whether no partition is known.
func (p Position) IsZero() bool { return len(p) == 0 }

func sortPosition(p Position) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].Topic != p[j].Topic {
			return p[i].Topic < p[j].Topic
		}
		return p[i].Partition < p[j].Partition
	})
}

// EncodePosition returns the opaque token for p. An empty position encodes to
// the empty string.
func EncodePosition(p Position) string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = c.ID()
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(parts, ",")))
}

// DecodePosition parses a token produced by EncodePosition or Encode.
func DecodePosition(token string) (Position, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	raw, err := decodeBase64(token)
	if err != nil {
		return nil, &DecodeError{Token: token, Reason: "not base64"}
	}
	var p Position
	for _, part := range strings.Split(raw, ",") {
		c, reason := parseTriple(part)
		if reason != "" {
			return nil, &DecodeError{Token: token, Reason: reason}
		}
		if _, dup := p.Offset(c.Topic, c.Partition); dup {
			return nil, &DecodeError{Token: token, Reason: "duplicate partition"}
		}
		p = append(p, c)
	}
	sortPosition(p)
	return p, nil
}
