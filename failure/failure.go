// Package failure maps broker, configuration and negotiation errors onto the
// gateway's wire error envelope.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/qos"
)

// Kind classifies a gateway failure.
type Kind int

const (
	KindInternal Kind = iota
	KindNegotiation
	KindConfigValidation
	KindEndpointConnection
	KindEndpointConfiguration
	KindGatewayTimeout
	KindNotAcceptable
)

func (k Kind) String() string {
	switch k {
	case KindNegotiation:
		return "negotiation"
	case KindConfigValidation:
		return "config_validation"
	case KindEndpointConnection:
		return "endpoint_connection"
	case KindEndpointConfiguration:
		return "endpoint_configuration"
	case KindGatewayTimeout:
		return "gateway_timeout"
	case KindNotAcceptable:
		return "not_acceptable"
	default:
		return "internal"
	}
}

// Classification keys carried in in-band error objects.
const (
	KeyQoSIncompatible               = "FAILURE_QOS_INCOMPATIBLE"
	KeyInvalidConfiguration          = "FAILURE_INVALID_CONFIGURATION"
	KeyEndpointConnectionFailed      = "FAILURE_ENDPOINT_CONNECTION_FAILED"
	KeyEndpointConfigurationInvalid  = "FAILURE_ENDPOINT_CONFIGURATION_INVALID"
	KeyGatewayTimeout                = "GATEWAY_TIMEOUT"
	KeyUnsupportedAccept             = "FAILURE_UNSUPPORTED_ACCEPT"
	KeyInternal                      = "FAILURE_INTERNAL"
	MessageInvalidConfiguration      = "Invalid configuration"
	MessageEndpointConnectionFailed  = "Endpoint connection failed"
	MessageRequestTimeout            = "Request timeout"
	MessageUnsupportedAccept         = "Unsupported accept header"
	MessageInternal                  = "Internal server error"
)

// Error is a classified failure ready to be rendered.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Key     string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Inlinable reports whether the failure may be rendered as an in-band error
// object when the entrypoint asks for it.
func (e *Error) Inlinable() bool {
	return e.Kind == KindEndpointConnection || e.Kind == KindEndpointConfiguration
}

func Negotiation(err error) *Error {
	return &Error{Kind: KindNegotiation, Status: http.StatusBadRequest, Message: qos.IncompatibleMessage, Key: KeyQoSIncompatible, Err: err}
}

func InvalidConfiguration(err error) *Error {
	return &Error{Kind: KindConfigValidation, Status: http.StatusInternalServerError, Message: MessageInvalidConfiguration, Key: KeyInvalidConfiguration, Err: err}
}

func EndpointConnection(err error) *Error {
	return &Error{Kind: KindEndpointConnection, Status: http.StatusInternalServerError, Message: MessageEndpointConnectionFailed, Key: KeyEndpointConnectionFailed, Err: err}
}

func EndpointConfiguration(err error) *Error {
	return &Error{Kind: KindEndpointConfiguration, Status: http.StatusInternalServerError, Message: MessageEndpointConnectionFailed, Key: KeyEndpointConfigurationInvalid, Err: err}
}

func GatewayTimeout(err error) *Error {
	return &Error{Kind: KindGatewayTimeout, Status: http.StatusGatewayTimeout, Message: MessageRequestTimeout, Key: KeyGatewayTimeout, Err: err}
}

func NotAcceptable(err error) *Error {
	return &Error{Kind: KindNotAcceptable, Status: http.StatusNotAcceptable, Message: MessageUnsupportedAccept, Key: KeyUnsupportedAccept, Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: MessageInternal, Key: KeyInternal, Err: err}
}

// From classifies err. Unrecognized errors are treated as endpoint
// connection failures, since everything past resolution talks to the broker.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	switch {
	case errors.As(err, &fe):
		return fe
	case errors.Is(err, qos.ErrIncompatible):
		return Negotiation(err)
	case errors.Is(err, endpoint.ErrInvalidConfiguration):
		return InvalidConfiguration(err)
	case errors.Is(err, context.DeadlineExceeded):
		return GatewayTimeout(err)
	case errors.Is(err, connector.ErrConfiguration):
		return EndpointConfiguration(err)
	default:
		return EndpointConnection(err)
	}
}

// Mode selects how inlinable failures reach the client.
type Mode string

const (
	// ModeStatus renders every failure as a top-level HTTP error status.
	ModeStatus Mode = "status"
	// ModeInline renders endpoint failures as an error object inside a 200
	// pull response.
	ModeInline Mode = "inline"
)

// Envelope is the top-level error body.
type Envelope struct {
	Message        string `json:"message" xml:"message"`
	HTTPStatusCode int    `json:"http_status_code" xml:"http_status_code"`
}

// Envelope returns the top-level body for e.
func (e *Error) Envelope() Envelope {
	return Envelope{Message: e.Message, HTTPStatusCode: e.Status}
}
