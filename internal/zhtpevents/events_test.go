package zhtpevents

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoutingActivitySubscribersReceiveEvent(t *testing.T) {
	bus := New(nil)

	var got []RoutingActivity
	bus.OnRoutingActivity(func(a RoutingActivity) { got = append(got, a) })
	bus.OnRoutingActivity(func(a RoutingActivity) { got = append(got, a) })

	bus.EmitRoutingActivity(RoutingActivity{MessageID: 42, HopCount: 2})

	require.Len(t, got, 2)
	require.EqualValues(t, 42, got[0].MessageID)
}

func TestBlockCommittedSubscribersReceiveEvent(t *testing.T) {
	bus := New(nil)

	var got *BlockCommitted
	bus.OnBlockCommitted(func(e BlockCommitted) { got = &e })

	bus.EmitBlockCommitted(BlockCommitted{Height: 7})

	require.NotNil(t, got)
	require.EqualValues(t, 7, got.Height)
}

func TestNoSubscribersDoesNotPanic(t *testing.T) {
	bus := New(nil)
	require.NotPanics(t, func() {
		bus.EmitRoutingActivity(RoutingActivity{})
		bus.EmitBlockCommitted(BlockCommitted{})
	})
}
