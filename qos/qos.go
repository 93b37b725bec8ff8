// Package qos models the delivery guarantees negotiated between the HTTP
// entrypoint and a broker endpoint.
package qos

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// QoS is a delivery guarantee.
type QoS string

const (
	None        QoS = "NONE"
	Auto        QoS = "AUTO"
	AtMostOnce  QoS = "AT_MOST_ONCE"
	AtLeastOnce QoS = "AT_LEAST_ONCE"
)

// IncompatibleMessage is the fixed client-facing message of a failed negotiation.
const IncompatibleMessage = "Incompatible Qos capabilities between entrypoint requirements and endpoint supports"

var (
	// ErrIncompatible is wrapped by IncompatibleError.
	ErrIncompatible = errors.New("qos: incompatible")
	// ErrUnknown is returned by Parse for unrecognized names.
	ErrUnknown = errors.New("qos: unknown")
)

// IncompatibleError reports a requested guarantee the endpoint cannot honour.
type IncompatibleError struct {
	Requested QoS
	Supported Set
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("%s (requested %s, endpoint supports %s)", IncompatibleMessage, e.Requested, e.Supported)
}

func (e *IncompatibleError) Unwrap() error { return ErrIncompatible }

// strength orders modes from weakest to strongest guarantee.
var strength = map[QoS]int{None: 0, Auto: 1, AtMostOnce: 2, AtLeastOnce: 3}

// Valid reports whether q is one of the known modes.
func (q QoS) Valid() bool {
	_, ok := strength[q]
	return ok
}

// RequiresID reports whether messages delivered under q carry an id for
// redelivery tracking.
func (q QoS) RequiresID() bool {
	return q == AtMostOnce || q == AtLeastOnce
}

// Parse accepts names case-insensitively with '-' or '_' separators.
func Parse(s string) (QoS, error) {
	q := QoS(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !q.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknown, s)
	}
	return q, nil
}

// UnmarshalText lets QoS decode from YAML and JSON strings.
func (q *QoS) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// Set is the collection of modes an endpoint supports.
type Set map[QoS]struct{}

// NewSet builds a Set from the given modes.
func NewSet(modes ...QoS) Set {
	s := make(Set, len(modes))
	for _, m := range modes {
		s[m] = struct{}{}
	}
	return s
}

// All is every known mode.
func All() Set { return NewSet(None, Auto, AtMostOnce, AtLeastOnce) }

func (s Set) Has(q QoS) bool {
	_, ok := s[q]
	return ok
}

// Strongest returns the mode with the strongest guarantee in s.
func (s Set) Strongest() (QoS, bool) {
	var best QoS
	found := false
	for q := range s {
		if !found || strength[q] > strength[best] {
			best, found = q, true
		}
	}
	return best, found
}

func (s Set) String() string {
	names := make([]string, 0, len(s))
	for q := range s {
		names = append(names, string(q))
	}
	sort.Slice(names, func(i, j int) bool { return strength[QoS(names[i])] < strength[QoS(names[j])] })
	return "[" + strings.Join(names, " ") + "]"
}

// Negotiate resolves the effective mode for a request.
//
// NONE and AUTO always succeed: the requested mode is kept when the endpoint
// supports it, otherwise the endpoint's strongest mode is used. AT_MOST_ONCE
// and AT_LEAST_ONCE must be declared by the endpoint.
func Negotiate(requested QoS, supported Set) (QoS, error) {
	switch requested {
	case None, Auto:
		if len(supported) == 0 || supported.Has(requested) {
			return requested, nil
		}
		best, _ := supported.Strongest()
		return best, nil
	case AtMostOnce, AtLeastOnce:
		if supported.Has(requested) {
			return requested, nil
		}
		return "", &IncompatibleError{Requested: requested, Supported: supported}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknown, string(requested))
	}
}
