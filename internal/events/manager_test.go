package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestManager_EmitDispatchesToSubscriber(t *testing.T) {
	m := NewManager(zerolog.Nop())
	var received *OrderSubmittedData

	m.Subscribe(OrderSubmitted, func(ev Event) {
		received = ev.Data.(*OrderSubmittedData)
	})

	m.Emit("execution", &OrderSubmittedData{ClientOrderID: "abc", Symbol: "AAPL"})

	assert.NotNil(t, received)
	assert.Equal(t, "abc", received.ClientOrderID)
}

func TestManager_EmitIgnoresUnsubscribedTypes(t *testing.T) {
	m := NewManager(zerolog.Nop())
	called := false
	m.Subscribe(FillIngested, func(ev Event) { called = true })

	m.Emit("execution", &OrderSubmittedData{ClientOrderID: "abc"})

	assert.False(t, called)
}

func TestManager_HandlerPanicDoesNotPropagateOrBlockOthers(t *testing.T) {
	m := NewManager(zerolog.Nop())
	secondCalled := false

	m.Subscribe(OrderSubmitted, func(ev Event) { panic("boom") })
	m.Subscribe(OrderSubmitted, func(ev Event) { secondCalled = true })

	assert.NotPanics(t, func() {
		m.Emit("execution", &OrderSubmittedData{ClientOrderID: "abc"})
	})
	assert.True(t, secondCalled)
}
