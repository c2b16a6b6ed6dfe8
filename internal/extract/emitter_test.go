package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversToJobSubscribersOnly(t *testing.T) {
	e := NewEmitter()

	var gotA, gotB []Event
	unsubA := e.Subscribe("job-a", func(ev Event) { gotA = append(gotA, ev) })
	defer unsubA()
	unsubB := e.Subscribe("job-b", func(ev Event) { gotB = append(gotB, ev) })
	defer unsubB()

	e.Emit(Event{Type: EventPageProcessed, JobID: "job-a", Page: 1})
	e.Emit(Event{Type: EventRecipeFound, JobID: "job-a", Page: 1})
	e.Emit(Event{Type: EventJobCompleted, JobID: "job-b"})

	require.Len(t, gotA, 2)
	assert.Equal(t, EventPageProcessed, gotA[0].Type)
	assert.Equal(t, EventRecipeFound, gotA[1].Type)
	require.Len(t, gotB, 1)
	assert.False(t, gotB[0].At.IsZero())
}

func TestEmitterUnsubscribeStopsDelivery(t *testing.T) {
	e := NewEmitter()
	var got int
	unsub := e.Subscribe("job-a", func(Event) { got++ })

	e.Emit(Event{Type: EventJobStarted, JobID: "job-a"})
	unsub()
	e.Emit(Event{Type: EventJobCompleted, JobID: "job-a"})

	assert.Equal(t, 1, got)
	assert.False(t, e.HasListeners("job-a"))
}

func TestEmitterHasListeners(t *testing.T) {
	e := NewEmitter()
	assert.False(t, e.HasListeners("job-a"))
	unsub := e.Subscribe("job-a", func(Event) {})
	assert.True(t, e.HasListeners("job-a"))
	assert.False(t, e.HasListeners("job-b"))
	unsub()
	assert.False(t, e.HasListeners("job-a"))
}

func TestEmitterIsolatesPanickingSubscriber(t *testing.T) {
	e := NewEmitter()
	var survived bool
	unsub1 := e.Subscribe("job-a", func(Event) { panic("listener bug") })
	defer unsub1()
	unsub2 := e.Subscribe("job-a", func(Event) { survived = true })
	defer unsub2()

	require.NotPanics(t, func() {
		e.Emit(Event{Type: EventPageProcessed, JobID: "job-a"})
	})
	assert.True(t, survived)
}

func TestEmitterDoubleUnsubscribeIsSafe(t *testing.T) {
	e := NewEmitter()
	unsub := e.Subscribe("job-a", func(Event) {})
	unsub()
	assert.NotPanics(t, unsub)
}
