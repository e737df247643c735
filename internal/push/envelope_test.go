package push

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	t.Parallel()

	msg, err := ParseEnvelope([]byte(`{"nodeId":12,"type":"info","data":{"uptime":5}}`))
	require.NoError(t, err)
	require.Equal(t, "12", msg.NodeID)
	require.Equal(t, TypeInfo, msg.Type)
	require.JSONEq(t, `{"uptime":5}`, string(msg.Data))

	msg, err = ParseEnvelope([]byte(`{"nodeId":"edge-3","type":"status","data":0}`))
	require.NoError(t, err)
	require.Equal(t, "edge-3", msg.NodeID)
}

func TestParseEnvelope_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		``,
		`[]`,
		`{"type":"info"}`,
		`{"nodeId":3}`,
		`{"nodeId":{},"type":"info"}`,
	} {
		_, err := ParseEnvelope([]byte(raw))
		require.ErrorIs(t, err, ErrMalformedEnvelope, "raw=%q", raw)
	}
}

func TestMessageType_Known(t *testing.T) {
	t.Parallel()

	require.True(t, TypeStatus.Known())
	require.True(t, TypeInfo.Known())
	require.False(t, MessageType("metrics").Known())
}
