package render_test

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/failure"
	"github.com/ggoodman/pullgate/qos"
	"github.com/ggoodman/pullgate/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func sample() render.PullResponse {
	return render.PullResponse{
		Items: []render.Message{
			{
				ID:       ptr("demo@0#0"),
				Content:  "message1",
				Headers:  map[string][]string{"X-Trace": {"a", "b"}, "Content-Type": {"text/plain"}},
				Metadata: map[string]string{"partition": "0", "topic": "demo"},
			},
			{
				ID:       nil,
				Content:  "multi\nline\r\nwith \\ backslash: and = signs",
				Headers:  map[string][]string{},
				Metadata: map[string]string{},
			},
		},
		Pagination: render.Pagination{NextCursor: cursor.Encode(cursor.Cursor{Topic: "demo", Partition: 0, Offset: 2})},
	}
}

func TestFormatsRoundTrip(t *testing.T) {
	for _, f := range []render.Format{render.JSON, render.XML, render.Text} {
		t.Run(f.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, render.Render(&buf, f, sample()))
			got, err := render.Decode(&buf, f)
			require.NoError(t, err)
			assert.Equal(t, sample(), got)
		})
	}
}

func TestFormatsRoundTripKeysAndBinaryContent(t *testing.T) {
	resp := render.PullResponse{
		Items: []render.Message{
			{
				ID:       ptr("demo@0#7"),
				Content:  "a\x01b\xffc",
				Headers:  map[string][]string{"X=Weird": {"v=1"}, `back\slash`: {"x"}},
				Metadata: map[string]string{"k=1": "v", "k": "1=v"},
			},
			{
				Content:  "\x00\x1b[0m",
				Headers:  map[string][]string{},
				Metadata: map[string]string{},
			},
		},
	}
	for _, f := range []render.Format{render.JSON, render.XML, render.Text} {
		t.Run(f.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, render.Render(&buf, f, resp))
			got, err := render.Decode(&buf, f)
			require.NoError(t, err)
			assert.Equal(t, resp, got)
		})
	}
}

func TestBinaryContentIsBase64(t *testing.T) {
	resp := render.PullResponse{Items: []render.Message{{Content: "\xff", Headers: map[string][]string{}, Metadata: map[string]string{}}}}
	var buf bytes.Buffer
	require.NoError(t, render.Render(&buf, render.JSON, resp))
	assert.JSONEq(t, `{"items":[{"id":null,"content":"/w==","encoding":"base64","headers":{},"metadata":{}}],"pagination":{"nextCursor":""}}`, buf.String())
}

func TestEmptyItemsAreAList(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, render.Render(&buf, render.JSON, render.PullResponse{}))
	assert.JSONEq(t, `{"items":[],"pagination":{"nextCursor":""}}`, buf.String())
}

func TestJSONShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, render.Render(&buf, render.JSON, sample()))
	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	items := raw["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "demo@0#0", items[0].(map[string]any)["id"])
	second := items[1].(map[string]any)
	v, present := second["id"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.NotContains(t, raw, "error")
}

func TestInlineFailureHasNoItems(t *testing.T) {
	fe := failure.EndpointConfiguration(connector.ErrConfiguration)
	resp := render.Inline(fe, "tx-1", "")
	resp.Items = sample().Items

	for _, f := range []render.Format{render.JSON, render.XML, render.Text} {
		var buf bytes.Buffer
		require.NoError(t, render.Render(&buf, f, resp))
		got, err := render.Decode(&buf, f)
		require.NoError(t, err)
		assert.Empty(t, got.Items, f.String())
		require.NotNil(t, got.Error, f.String())
		assert.Equal(t, "tx-1", got.Error.ID)
		assert.Equal(t, failure.KeyEndpointConfigurationInvalid, got.Error.Key)
	}

	var buf bytes.Buffer
	require.NoError(t, render.Render(&buf, render.JSON, resp))
	assert.JSONEq(t, `{"items":[],"pagination":{"nextCursor":""},"error":{"id":"tx-1","message":"Endpoint connection failed","metadata":{"key":"FAILURE_ENDPOINT_CONFIGURATION_INVALID"}}}`, buf.String())
}

func TestRenderFailure(t *testing.T) {
	fe := failure.GatewayTimeout(nil)
	var buf bytes.Buffer
	require.NoError(t, render.RenderFailure(&buf, render.JSON, fe))
	assert.JSONEq(t, `{"message":"Request timeout","http_status_code":504}`, buf.String())

	for _, f := range []render.Format{render.XML, render.Text} {
		buf.Reset()
		require.NoError(t, render.RenderFailure(&buf, f, fe))
		env, err := render.DecodeFailure(&buf, f)
		require.NoError(t, err)
		assert.Equal(t, fe.Envelope(), env)
	}
}

func TestNegotiate(t *testing.T) {
	cases := []struct {
		accept string
		want   render.Format
		err    bool
	}{
		{"", render.JSON, false},
		{"*/*", render.JSON, false},
		{"application/json", render.JSON, false},
		{"application/xml", render.XML, false},
		{"text/plain", render.Text, false},
		{"text/plain;q=0.5, application/xml", render.XML, false},
		{"image/png", render.JSON, true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		if tc.accept != "" {
			r.Header.Set("Accept", tc.accept)
		}
		got, err := render.Negotiate(r)
		if tc.err {
			assert.ErrorIs(t, err, render.ErrNotAcceptable, tc.accept)
			continue
		}
		require.NoError(t, err, tc.accept)
		assert.Equal(t, tc.want, got, tc.accept)
	}
}

func TestMessagesRespectQoSAndPayloadFlags(t *testing.T) {
	recs := []connector.Record{{
		Cursor:   cursor.Cursor{Topic: "demo", Partition: 1, Offset: 7},
		Value:    []byte("v"),
		Headers:  map[string][]string{"h": {"1"}},
		Metadata: map[string]string{"m": "1"},
	}}

	msgs := render.Messages(recs, qos.AtLeastOnce, render.Payload{Headers: true, Metadata: true})
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ID)
	assert.Equal(t, "demo@1#7", *msgs[0].ID)
	assert.Equal(t, []string{"1"}, msgs[0].Headers["h"])
	assert.Equal(t, "1", msgs[0].Metadata["m"])

	msgs = render.Messages(recs, qos.Auto, render.Payload{})
	assert.Nil(t, msgs[0].ID)
	assert.Empty(t, msgs[0].Headers)
	assert.Empty(t, msgs[0].Metadata)
	assert.NotNil(t, msgs[0].Headers)
}
