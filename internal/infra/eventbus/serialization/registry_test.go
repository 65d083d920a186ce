package serialization

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copysentry/copysentry/internal/domain/scanning"
)

func TestSerializeRoundTrip_TaskEnqueued(t *testing.T) {
	evt := scanning.NewTaskEnqueuedEvent(
		uuid.New(), uuid.New(), uuid.New(),
		"sha256:abcd", "ff00", []string{"sunset", "oil painting"},
	)

	data, err := SerializeEventEnvelope(scanning.EventTypeTaskEnqueued, evt)
	require.NoError(t, err)

	gotType, payload, err := UnmarshalUniversalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, scanning.EventTypeTaskEnqueued, gotType)

	obj, err := DeserializePayload(gotType, payload)
	require.NoError(t, err)

	decoded, ok := obj.(scanning.TaskEnqueuedEvent)
	require.True(t, ok, "payload must decode to its concrete event type")
	assert.Equal(t, evt.ScanID, decoded.ScanID)
	assert.Equal(t, evt.Pointer, decoded.Pointer)
	assert.Equal(t, evt.Keywords, decoded.Keywords)
}

func TestUnmarshalUniversalEnvelope_RejectsMissingType(t *testing.T) {
	_, _, err := UnmarshalUniversalEnvelope([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestDeserializePayload_UnknownType(t *testing.T) {
	_, err := DeserializePayload("Mystery", []byte(`{}`))
	assert.Error(t, err)
}
