// Package apis loads the API definitions a gateway serves: YAML documents
// binding a context path to an entrypoint, an endpoint and a security plan.
package apis

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/pullgate/auth"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/failure"
	"github.com/ggoodman/pullgate/fetch"
	"github.com/ggoodman/pullgate/qos"
	"github.com/ggoodman/pullgate/render"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition wraps every load and validation failure.
var ErrInvalidDefinition = errors.New("apis: invalid definition")

// File is the document layout of an API definitions file.
type File struct {
	APIs []Definition `yaml:"apis" json:"apis" validate:"dive"`
}

// Definition is one deployed API.
type Definition struct {
	ID          string          `yaml:"id" json:"id" validate:"required,max=128" jsonschema:"required"`
	Name        string          `yaml:"name,omitempty" json:"name,omitempty"`
	ContextPath string          `yaml:"contextPath" json:"contextPath" validate:"required,startswith=/" jsonschema:"required,pattern=^/"`
	Entrypoint  Entrypoint      `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Endpoint    endpoint.Config `yaml:"endpoint" json:"endpoint" jsonschema:"required"`
	Security    auth.Plan       `yaml:"security,omitempty" json:"security,omitempty"`
}

// Entrypoint configures the HTTP GET side of an API.
type Entrypoint struct {
	QoS                     qos.QoS      `yaml:"qos,omitempty" json:"qos,omitempty" jsonschema:"enum=NONE,enum=AUTO,enum=AT_MOST_ONCE,enum=AT_LEAST_ONCE,default=AUTO"`
	MessagesLimitCount      int          `yaml:"messagesLimitCount,omitempty" json:"messagesLimitCount,omitempty" validate:"gte=0" jsonschema:"default=500,minimum=0"`
	MessagesLimitDurationMs int          `yaml:"messagesLimitDurationMs,omitempty" json:"messagesLimitDurationMs,omitempty" validate:"gte=0" jsonschema:"default=5000,minimum=0"`
	HeadersInPayload        *bool        `yaml:"headersInPayload,omitempty" json:"headersInPayload,omitempty" jsonschema:"default=true"`
	MetadataInPayload       *bool        `yaml:"metadataInPayload,omitempty" json:"metadataInPayload,omitempty" jsonschema:"default=true"`
	FailureMode             failure.Mode `yaml:"failureMode,omitempty" json:"failureMode,omitempty" validate:"omitempty,oneof=status inline" jsonschema:"enum=status,enum=inline,default=status"`
}

// Limit is the per-pull message cap of the entrypoint.
func (e Entrypoint) Limit() int {
	if e.MessagesLimitCount > 0 {
		return e.MessagesLimitCount
	}
	return fetch.DefaultLimit
}

// Interval is how long a pull waits for messages.
func (e Entrypoint) Interval() time.Duration {
	if e.MessagesLimitDurationMs > 0 {
		return time.Duration(e.MessagesLimitDurationMs) * time.Millisecond
	}
	return fetch.DefaultInterval
}

// Payload reports which record parts are rendered.
func (e Entrypoint) Payload() render.Payload {
	return render.Payload{
		Headers:  e.HeadersInPayload == nil || *e.HeadersInPayload,
		Metadata: e.MetadataInPayload == nil || *e.MetadataInPayload,
	}
}

// RequestedQoS is the configured mode, AUTO when unset.
func (e Entrypoint) RequestedQoS() qos.QoS {
	if e.QoS == "" {
		return qos.Auto
	}
	return e.QoS
}

// Mode is the configured failure mode, status when unset.
func (e Entrypoint) Mode() failure.Mode {
	if e.FailureMode == "" {
		return failure.ModeStatus
	}
	return e.FailureMode
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a definitions document.
func Parse(r io.Reader) ([]Definition, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if err := Validate(f.APIs); err != nil {
		return nil, err
	}
	return f.APIs, nil
}

// Load reads and parses the file at path.
func Load(path string) ([]Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read api definitions: %w", err)
	}
	return Parse(bytes.NewReader(b))
}

// Validate checks each definition and the uniqueness of ids and context
// paths across the set.
func Validate(defs []Definition) error {
	ids := map[string]bool{}
	paths := map[string]string{}
	var errs []error
	for i, d := range defs {
		if err := validate.Struct(d); err != nil {
			errs = append(errs, fmt.Errorf("apis[%d] %q: %w", i, d.ID, err))
			continue
		}
		if d.Entrypoint.QoS != "" && !d.Entrypoint.QoS.Valid() {
			errs = append(errs, fmt.Errorf("apis[%d] %q: unknown qos %q", i, d.ID, d.Entrypoint.QoS))
		}
		if ids[d.ID] {
			errs = append(errs, fmt.Errorf("apis[%d]: duplicate id %q", i, d.ID))
		}
		ids[d.ID] = true
		p := NormalizePath(d.ContextPath)
		if other, ok := paths[p]; ok {
			errs = append(errs, fmt.Errorf("apis[%d] %q: context path %s already used by %q", i, d.ID, p, other))
		}
		paths[p] = d.ID
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(errs...))
	}
	return nil
}

// NormalizePath strips trailing slashes, keeping "/" for the root.
func NormalizePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}
