package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/tracestream/pkg/message"
)

func TestMarshalEvent(t *testing.T) {
	e := message.NewCreateSpan("proj", "span-1", map[string]any{"name": "llm-call"})

	data, err := Marshal(e)
	require.NoError(t, err)

	var got Event
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, e.ID(), got.ID)
	assert.Equal(t, "create_span", got.Kind)
	assert.Equal(t, "proj", got.ProjectName)
	assert.Equal(t, "span-1", got.EntityID)
	assert.Equal(t, map[string]any{"name": "llm-call"}, got.Payload)
}

func TestMarshalBatchKeepsOrder(t *testing.T) {
	items := []message.Message{
		message.NewCreateTrace("p", "t1", 1),
		message.NewCreateTrace("p", "t2", 2),
		message.NewCreateTrace("p", "t3", 3),
	}
	b, err := message.NewBatch(message.KindCreateTracesBatch, items)
	require.NoError(t, err)

	data, err := Marshal(b)
	require.NoError(t, err)

	var got Batch
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, "create_traces_batch", got.Kind)
	assert.Equal(t, "create_trace", got.ItemKind)
	require.Len(t, got.Items, 3)
	for i, item := range got.Items {
		assert.Equal(t, items[i].ID(), item.ID)
	}
}

func TestAttachmentHasNoJSONForm(t *testing.T) {
	a, err := message.NewAttachment(message.AttachmentSpec{
		Data:       []byte("x"),
		EntityType: message.EntityTrace,
		EntityID:   "t",
	})
	require.NoError(t, err)

	_, err = Marshal(a)
	assert.Error(t, err)
	_, err = Items(a)
	assert.Error(t, err)
}
