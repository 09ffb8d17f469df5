package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestEncodeAudit(t *testing.T) {
	body, err := encodeAudit("webhook.inbound", map[string]interface{}{
		"id":       "log_1",
		"status":   "success",
		"duration": 12.5,
	})
	require.NoError(t, err)

	var s structpb.Struct
	require.NoError(t, proto.Unmarshal(body, &s))
	m := s.AsMap()
	require.Equal(t, "webhook.inbound", m["kind"])
	require.Equal(t, "log_1", m["id"])
	require.Equal(t, 12.5, m["duration"])
}

func TestEncodeAuditRejectsUnsupported(t *testing.T) {
	_, err := encodeAudit("x", map[string]interface{}{"bad": make(chan int)})
	require.Error(t, err)
}
