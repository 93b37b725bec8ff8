// Package endpoint resolves the effective broker configuration for a single
// pull request.
//
// Resolution is a pure function of the static API configuration and the
// request context: static topics, then an attribute override, then the
// header override list, then template substitution over every string
// property. The result is validated before any broker is contacted.
package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultTopicAttribute is the request attribute consulted for a topic override.
const DefaultTopicAttribute = "pullgate.endpoint.topic"

// ErrInvalidConfiguration is wrapped by ValidationError.
var ErrInvalidConfiguration = errors.New("endpoint: invalid configuration")

// ValidationError describes the first constraint the resolved configuration
// violates.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("endpoint: invalid configuration: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("endpoint: invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidConfiguration, e.Err}
	}
	return []error{ErrInvalidConfiguration}
}

// Config is the static endpoint section of an API definition.
type Config struct {
	// Type selects the connector, e.g. "kafka" or "mock".
	Type string `yaml:"type" json:"type" validate:"required"`
	// Topics lists candidate topics; the first non-empty one after
	// substitution is used.
	Topics []string `yaml:"topics,omitempty" json:"topics,omitempty"`
	// AutoOffsetReset applies when a subscription starts without a cursor.
	AutoOffsetReset string `yaml:"autoOffsetReset,omitempty" json:"autoOffsetReset,omitempty"`
	// MessageCountLimit caps items per pull regardless of the client's limit.
	MessageCountLimit int `yaml:"messageCountLimit,omitempty" json:"messageCountLimit,omitempty" validate:"gte=0"`
	Servers           []string `yaml:"servers,omitempty" json:"servers,omitempty"`
	// TopicAttribute names the request attribute that may override the topic.
	TopicAttribute string `yaml:"topicAttribute,omitempty" json:"topicAttribute,omitempty"`
	// TopicOverrideHeaders are consulted in order; the first header yielding a
	// non-empty topic wins.
	TopicOverrideHeaders []string          `yaml:"topicOverrideHeaders,omitempty" json:"topicOverrideHeaders,omitempty"`
	Properties           map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// RequestContext is the per-request input to resolution.
type RequestContext struct {
	APIID      string
	RequestID  string
	Path       string
	Headers    http.Header
	Query      url.Values
	Attributes map[string]any
}

// Resolved is the effective configuration of one pull.
type Resolved struct {
	Type              string            `validate:"required"`
	Topic             string            `validate:"required,max=249"`
	AutoOffsetReset   string            `validate:"omitempty,oneof=earliest latest none"`
	MessageCountLimit int               `validate:"gte=0"`
	Servers           []string          `validate:"dive,required"`
	Properties        map[string]string `validate:"dive,keys,required,endkeys"`
}

// Property returns a resolved connector property or def when unset.
func (r Resolved) Property(key, def string) string {
	if v, ok := r.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

// Resolver evaluates Config against request contexts. It is safe for
// concurrent use.
type Resolver struct {
	validate *validator.Validate
}

// NewResolver returns a Resolver.
func NewResolver() *Resolver {
	return &Resolver{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Resolve computes the effective configuration for rc.
func (r *Resolver) Resolve(cfg Config, rc RequestContext) (Resolved, error) {
	topic, err := firstTopic(cfg.Topics, rc)
	if err != nil {
		return Resolved{}, wrapExpr("Topics", err)
	}

	attr := cfg.TopicAttribute
	if attr == "" {
		attr = DefaultTopicAttribute
	}
	// Override values come from upstream steps and clients; they are taken
	// literally and never evaluated as templates.
	if v, ok := rc.Attributes[attr]; ok {
		if t := firstLiteral(splitAll(attributeValues(v))); t != "" {
			topic = t
		}
	}
	for _, h := range cfg.TopicOverrideHeaders {
		if t := firstLiteral(splitAll(rc.Headers.Values(h))); t != "" {
			topic = t
			break
		}
	}

	out := Resolved{
		Type:              cfg.Type,
		Topic:             topic,
		MessageCountLimit: cfg.MessageCountLimit,
	}
	if out.AutoOffsetReset, err = Evaluate(cfg.AutoOffsetReset, rc); err != nil {
		return Resolved{}, wrapExpr("AutoOffsetReset", err)
	}
	out.AutoOffsetReset = strings.ToLower(strings.TrimSpace(out.AutoOffsetReset))
	for _, s := range cfg.Servers {
		v, err := Evaluate(s, rc)
		if err != nil {
			return Resolved{}, wrapExpr("Servers", err)
		}
		out.Servers = append(out.Servers, strings.TrimSpace(v))
	}
	if len(cfg.Properties) > 0 {
		out.Properties = make(map[string]string, len(cfg.Properties))
		keys := make([]string, 0, len(cfg.Properties))
		for k := range cfg.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := Evaluate(cfg.Properties[k], rc)
			if err != nil {
				return Resolved{}, wrapExpr("Properties."+k, err)
			}
			out.Properties[k] = v
		}
	}

	if err := r.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			reason := fe.Tag()
			if fe.Param() != "" {
				reason += "=" + fe.Param()
			}
			return Resolved{}, &ValidationError{Field: fe.Namespace(), Reason: reason}
		}
		return Resolved{}, &ValidationError{Field: "Resolved", Reason: "invalid", Err: err}
	}
	return out, nil
}

func wrapExpr(field string, err error) error {
	return &ValidationError{Field: field, Reason: "expression", Err: err}
}

func firstTopic(candidates []string, rc RequestContext) (string, error) {
	for _, c := range candidates {
		v, err := Evaluate(c, rc)
		if err != nil {
			return "", err
		}
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", nil
}

func firstLiteral(candidates []string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

func splitAll(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.Split(v, ",")...)
	}
	return out
}
