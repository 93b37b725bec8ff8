package endpoint_test

import (
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/ggoodman/pullgate/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reqCtx() endpoint.RequestContext {
	h := http.Header{}
	h.Set("X-Tenant", "acme")
	return endpoint.RequestContext{
		APIID:     "api-1",
		RequestID: "req-1",
		Path:      "/orders",
		Headers:   h,
		Query:     url.Values{"region": {"eu", "us"}},
	}
}

func TestResolveStaticTopic(t *testing.T) {
	r := endpoint.NewResolver()
	got, err := r.Resolve(endpoint.Config{Type: "mock", Topics: []string{"", "orders"}}, reqCtx())
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Topic)
	assert.Equal(t, "mock", got.Type)
}

func TestResolveTemplatedTopic(t *testing.T) {
	r := endpoint.NewResolver()
	cfg := endpoint.Config{
		Type:   "kafka",
		Topics: []string{"{#request.headers['X-Tenant']}-orders-{#request.params['region'][1]}"},
	}
	got, err := r.Resolve(cfg, reqCtx())
	require.NoError(t, err)
	assert.Equal(t, "acme-orders-us", got.Topic)
}

func TestResolveOverridePrecedence(t *testing.T) {
	r := endpoint.NewResolver()
	cfg := endpoint.Config{
		Type:                 "kafka",
		Topics:               []string{"static"},
		TopicOverrideHeaders: []string{"X-Primary-Topic", "X-Fallback-Topic"},
	}

	rc := reqCtx()
	rc.Attributes = map[string]any{endpoint.DefaultTopicAttribute: "from-attribute"}
	got, err := r.Resolve(cfg, rc)
	require.NoError(t, err)
	assert.Equal(t, "from-attribute", got.Topic)

	rc.Headers.Set("X-Fallback-Topic", "fallback")
	got, err = r.Resolve(cfg, rc)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Topic)

	rc.Headers.Set("X-Primary-Topic", " , primary-a,primary-b")
	got, err = r.Resolve(cfg, rc)
	require.NoError(t, err)
	assert.Equal(t, "primary-a", got.Topic)
}

func TestResolveHeaderValuesAreLiteral(t *testing.T) {
	r := endpoint.NewResolver()
	rc := reqCtx()
	rc.Headers.Set("X-Topic", "{#api.id}")
	got, err := r.Resolve(endpoint.Config{Type: "mock", TopicOverrideHeaders: []string{"X-Topic"}}, rc)
	require.NoError(t, err)
	assert.Equal(t, "{#api.id}", got.Topic)
}

func TestResolveAttributeShapes(t *testing.T) {
	r := endpoint.NewResolver()
	cfg := endpoint.Config{Type: "mock", Topics: []string{"static"}, TopicAttribute: "route"}
	for name, v := range map[string]any{
		"slice":     []string{"", "sliced"},
		"any slice": []any{"sliced"},
		"csv":       " ,sliced",
	} {
		rc := reqCtx()
		rc.Attributes = map[string]any{"route": v}
		got, err := r.Resolve(cfg, rc)
		require.NoError(t, err, name)
		assert.Equal(t, "sliced", got.Topic, name)
	}
}

func TestResolveSubstitutesProperties(t *testing.T) {
	r := endpoint.NewResolver()
	rc := reqCtx()
	rc.Attributes = map[string]any{"reset": "EARLIEST"}
	cfg := endpoint.Config{
		Type:            "kafka",
		Topics:          []string{"orders"},
		AutoOffsetReset: "{#context.attributes['reset']}",
		Servers:         []string{"{#request.headers['X-Tenant']}.kafka:9092"},
		Properties:      map[string]string{"groupIdPrefix": "{#api.id}-"},
	}
	got, err := r.Resolve(cfg, rc)
	require.NoError(t, err)
	assert.Equal(t, "earliest", got.AutoOffsetReset)
	assert.Equal(t, []string{"acme.kafka:9092"}, got.Servers)
	assert.Equal(t, "api-1-", got.Property("groupIdPrefix", ""))
	assert.Equal(t, "dflt", got.Property("missing", "dflt"))
}

func TestResolveValidationFailures(t *testing.T) {
	r := endpoint.NewResolver()
	cases := map[string]endpoint.Config{
		"missing topic":      {Type: "mock"},
		"bad reset":          {Type: "mock", Topics: []string{"t"}, AutoOffsetReset: "{#request.headers['X-Tenant']}"},
		"negative limit":     {Type: "mock", Topics: []string{"t"}, MessageCountLimit: -1},
		"unknown expression": {Type: "mock", Topics: []string{"{#request.body}"}},
		"unterminated":       {Type: "mock", Topics: []string{"{#api.id"}},
		"empty server":       {Type: "mock", Topics: []string{"t"}, Servers: []string{"{#request.headers['X-Missing']}"}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(cfg, reqCtx())
			require.Error(t, err)
			assert.True(t, errors.Is(err, endpoint.ErrInvalidConfiguration))
			var ve *endpoint.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.NotEmpty(t, ve.Field)
		})
	}
}

func TestEvaluate(t *testing.T) {
	rc := reqCtx()
	rc.Attributes = map[string]any{"n": 7}
	out, err := endpoint.Evaluate("{#api.id}/{#request.id}{#request.path}/{#request.attributes['n']}/{#request.headers['X-None']}", rc)
	require.NoError(t, err)
	assert.Equal(t, "api-1/req-1/orders/7/", out)

	_, err = endpoint.Evaluate("{#request.headers[X]}", rc)
	assert.ErrorIs(t, err, endpoint.ErrExpression)
}
