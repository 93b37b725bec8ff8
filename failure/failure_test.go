package failure_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/failure"
	"github.com/ggoodman/pullgate/qos"
	"github.com/stretchr/testify/assert"
)

func TestFromClassification(t *testing.T) {
	_, incompatible := qos.Negotiate(qos.AtLeastOnce, qos.NewSet(qos.Auto))
	invalid := &endpoint.ValidationError{Field: "AutoOffsetReset", Reason: "oneof"}

	cases := []struct {
		name   string
		err    error
		kind   failure.Kind
		status int
		msg    string
		key    string
	}{
		{"qos", incompatible, failure.KindNegotiation, http.StatusBadRequest, qos.IncompatibleMessage, failure.KeyQoSIncompatible},
		{"validation", invalid, failure.KindConfigValidation, http.StatusInternalServerError, "Invalid configuration", failure.KeyInvalidConfiguration},
		{"timeout", fmt.Errorf("wait: %w", context.DeadlineExceeded), failure.KindGatewayTimeout, http.StatusGatewayTimeout, "Request timeout", failure.KeyGatewayTimeout},
		{"endpoint config", fmt.Errorf("%w: unknown topic", connector.ErrConfiguration), failure.KindEndpointConfiguration, http.StatusInternalServerError, "Endpoint connection failed", failure.KeyEndpointConfigurationInvalid},
		{"connection", fmt.Errorf("%w: dial tcp", connector.ErrConnection), failure.KindEndpointConnection, http.StatusInternalServerError, "Endpoint connection failed", failure.KeyEndpointConnectionFailed},
		{"unknown", errors.New("boom"), failure.KindEndpointConnection, http.StatusInternalServerError, "Endpoint connection failed", failure.KeyEndpointConnectionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fe := failure.From(tc.err)
			assert.Equal(t, tc.kind, fe.Kind)
			assert.Equal(t, tc.status, fe.Status)
			assert.Equal(t, tc.msg, fe.Message)
			assert.Equal(t, tc.key, fe.Key)
			assert.ErrorIs(t, fe, tc.err)
		})
	}
}

func TestFromKeepsClassifiedErrors(t *testing.T) {
	orig := failure.NotAcceptable(nil)
	assert.Same(t, orig, failure.From(fmt.Errorf("wrapped: %w", orig)))
	assert.Nil(t, failure.From(nil))
}

func TestInlinable(t *testing.T) {
	assert.True(t, failure.EndpointConnection(nil).Inlinable())
	assert.True(t, failure.EndpointConfiguration(nil).Inlinable())
	assert.False(t, failure.GatewayTimeout(nil).Inlinable())
	assert.False(t, failure.InvalidConfiguration(nil).Inlinable())
	assert.False(t, failure.Negotiation(nil).Inlinable())
}

func TestEnvelope(t *testing.T) {
	env := failure.GatewayTimeout(context.DeadlineExceeded).Envelope()
	assert.Equal(t, failure.Envelope{Message: "Request timeout", HTTPStatusCode: 504}, env)
}
