package qos_test

import (
	"errors"
	"testing"

	"github.com/ggoodman/pullgate/qos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	cases := []struct {
		name      string
		requested qos.QoS
		supported qos.Set
		want      qos.QoS
		wantErr   bool
	}{
		{"auto supported", qos.Auto, qos.All(), qos.Auto, false},
		{"none supported", qos.None, qos.NewSet(qos.None), qos.None, false},
		{"auto picks strongest", qos.Auto, qos.NewSet(qos.AtMostOnce, qos.AtLeastOnce), qos.AtLeastOnce, false},
		{"none picks strongest", qos.None, qos.NewSet(qos.AtMostOnce), qos.AtMostOnce, false},
		{"auto empty set", qos.Auto, nil, qos.Auto, false},
		{"alo supported", qos.AtLeastOnce, qos.All(), qos.AtLeastOnce, false},
		{"amo supported", qos.AtMostOnce, qos.NewSet(qos.AtMostOnce), qos.AtMostOnce, false},
		{"alo unsupported", qos.AtLeastOnce, qos.NewSet(qos.None, qos.Auto), "", true},
		{"amo unsupported", qos.AtMostOnce, qos.NewSet(qos.AtLeastOnce), "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := qos.Negotiate(tc.requested, tc.supported)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, qos.ErrIncompatible))
				assert.Contains(t, err.Error(), qos.IncompatibleMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNegotiateUnknown(t *testing.T) {
	_, err := qos.Negotiate(qos.QoS("EXACTLY_ONCE"), qos.All())
	assert.ErrorIs(t, err, qos.ErrUnknown)
}

func TestParse(t *testing.T) {
	for in, want := range map[string]qos.QoS{
		"auto":          qos.Auto,
		"at-least-once": qos.AtLeastOnce,
		" At_Most_Once": qos.AtMostOnce,
		"NONE":          qos.None,
	} {
		got, err := qos.Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := qos.Parse("sometimes")
	assert.ErrorIs(t, err, qos.ErrUnknown)
}

func TestRequiresID(t *testing.T) {
	assert.True(t, qos.AtLeastOnce.RequiresID())
	assert.True(t, qos.AtMostOnce.RequiresID())
	assert.False(t, qos.Auto.RequiresID())
	assert.False(t, qos.None.RequiresID())
}
