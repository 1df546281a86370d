package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_DropsWithoutListeners(t *testing.T) {
	e := NewEmitter(EventTagDiscovered)
	var got []Event
	defer e.Subscribe(func(ev Event) { got = append(got, ev) })()

	delivered, err := e.Emit(EventTagDiscovered, map[string]any{"tagId": "01"})
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Empty(t, got)

	require.NoError(t, e.AddListener(EventTagDiscovered))
	delivered, err = e.Emit(EventTagDiscovered, map[string]any{"tagId": "02"})
	require.NoError(t, err)
	assert.True(t, delivered)
	require.Len(t, got, 1)
	assert.Equal(t, "02", got[0].Body["tagId"])
}

func TestEmitter_RejectsUnsupportedEvents(t *testing.T) {
	e := NewEmitter(EventStatusChange)

	err := e.AddListener("onSomethingElse")
	require.Error(t, err)
	assert.Equal(t, CodeUnknownEvent, CodeOf(err))

	_, err = e.Emit("onSomethingElse", nil)
	assert.Equal(t, CodeUnknownEvent, CodeOf(err))
	assert.False(t, e.Supports("onSomethingElse"))
	assert.True(t, e.Supports(EventStatusChange))
}

func TestEmitter_RemoveListenersFloorsAtZero(t *testing.T) {
	e := NewEmitter(EventStatusChange)
	require.NoError(t, e.AddListener(EventStatusChange))
	require.NoError(t, e.AddListener(EventStatusChange))

	e.RemoveListeners(1)
	assert.Equal(t, 1, e.ListenerCount())
	e.RemoveListeners(5)
	assert.Equal(t, 0, e.ListenerCount())
	e.RemoveListeners(-3)
	assert.Equal(t, 0, e.ListenerCount())
}

func TestEmitter_UnsubscribeAndFanOut(t *testing.T) {
	e := NewEmitter(EventStatusChange)
	require.NoError(t, e.AddListener(EventStatusChange))

	var a, b int
	unsubA := e.Subscribe(func(Event) { a++ })
	unsubB := e.Subscribe(func(Event) { b++ })
	defer unsubB()

	_, _ = e.Emit(EventStatusChange, nil)
	unsubA()
	unsubA()
	_, _ = e.Emit(EventStatusChange, nil)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestEmitter_SupportedEventsSorted(t *testing.T) {
	e := NewEmitter(EventStatusChange, EventTagDiscovered, EventSessionError)
	assert.Equal(t, []string{EventSessionError, EventStatusChange, EventTagDiscovered}, e.SupportedEvents())
}
