package eventexport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NoBrokersReturnsNil(t *testing.T) {
	assert.Nil(t, New(nil, "topic"))
	assert.Nil(t, New([]string{}, "topic"))
	assert.Nil(t, New([]string{"localhost:9092"}, ""))
}

func TestNilExporter_MethodsAreNoOps(t *testing.T) {
	var e *Exporter

	assert.NotPanics(t, func() {
		e.Add(Record{SessionID: "s1", Kind: "container_status"})
		e.Flush()
	})
	assert.NoError(t, e.Close())
}

func TestExporter_AddBuffersBelowMaxBatch(t *testing.T) {
	e := New([]string{"127.0.0.1:9999"}, "session-events")
	require.NotNil(t, e)

	for i := 0; i < defaultMaxBatch-1; i++ {
		e.Add(Record{SessionID: "s", Kind: "container_status"})
	}

	e.mu.Lock()
	buffered := len(e.buffer)
	e.mu.Unlock()

	assert.Equal(t, defaultMaxBatch-1, buffered)
}

func TestExporter_AddFlushesAtMaxBatch(t *testing.T) {
	e := New([]string{"127.0.0.1:9999"}, "session-events")
	require.NotNil(t, e)

	for i := 0; i < defaultMaxBatch; i++ {
		e.Add(Record{SessionID: "s", Kind: "container_status"})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.buffer, "buffer should have been swapped out once it hit maxBatch")
}
