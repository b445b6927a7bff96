package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/protocol"
	"github.com/rehabcare/messaging/internal/registry/registrytest"
)

func TestRegistry_Register_And_PushTo(t *testing.T) {
	req := require.New(t)
	reg := New(0)
	alice := registrytest.NewHandle()

	// Given alice is registered
	req.NoError(reg.Register("alice", alice))

	// When an event is pushed to alice and to an offline user
	delivered := reg.PushTo("alice", protocol.EventMessageSent, "payload")
	skipped := reg.PushTo("bob", protocol.EventMessageSent, "payload")

	// Then only alice receives it
	req.True(delivered)
	req.False(skipped)
	req.Len(alice.Events(), 1)
	req.Equal(protocol.EventMessageSent, alice.Events()[0].Type)
	req.True(reg.IsOnline("alice"))
	req.False(reg.IsOnline("bob"))
	req.Equal([]model.Identity{"alice"}, reg.ListOnline())
}

func TestRegistry_Register_ClosesPreviousHandle(t *testing.T) {
	req := require.New(t)
	reg := New(0)
	first := registrytest.NewHandle()
	second := registrytest.NewHandle()

	// Given alice connected once
	req.NoError(reg.Register("alice", first))

	// When she connects from a second device
	req.NoError(reg.Register("alice", second))

	// Then the first handle is closed and pushes go to the second
	req.True(first.Closed())
	req.False(second.Closed())
	reg.PushTo("alice", protocol.EventUserTyping, nil)
	req.Empty(first.Events())
	req.Len(second.Events(), 1)
	req.Equal(1, reg.Count())
}

func TestRegistry_Unregister_StaleHandleIsNoop(t *testing.T) {
	req := require.New(t)
	reg := New(0)
	stale := registrytest.NewHandle()
	fresh := registrytest.NewHandle()
	var transitions []Transition
	reg.OnTransition(func(tr Transition) { transitions = append(transitions, tr) })

	// Given alice reconnected
	req.NoError(reg.Register("alice", stale))
	req.NoError(reg.Register("alice", fresh))

	// When the stale connection's close event arrives late
	removed := reg.Unregister("alice", stale)

	// Then the newer registration survives and no offline transition fires
	req.False(removed)
	req.True(reg.IsOnline("alice"))
	req.Len(transitions, 2)
	req.True(transitions[0].Online)
	req.True(transitions[1].Online)

	// And the current handle does remove the mapping
	req.True(reg.Unregister("alice", fresh))
	req.False(reg.IsOnline("alice"))
	req.Len(transitions, 3)
	req.False(transitions[2].Online)
	req.Equal(model.Identity("alice"), transitions[2].UserID)
}

func TestRegistry_IsOnlineFalseWhenListenerRuns(t *testing.T) {
	req := require.New(t)
	reg := New(0)
	h := registrytest.NewHandle()
	var onlineDuringOffline bool
	reg.OnTransition(func(tr Transition) {
		if !tr.Online {
			onlineDuringOffline = reg.IsOnline(tr.UserID)
		}
	})
	req.NoError(reg.Register("alice", h))

	reg.Unregister("alice", h)

	req.False(onlineDuringOffline)
}

func TestRegistry_ConnectionLimit(t *testing.T) {
	req := require.New(t)
	reg := New(2)

	req.NoError(reg.Register("a", registrytest.NewHandle()))
	req.NoError(reg.Register("b", registrytest.NewHandle()))

	// A third identity is rejected
	err := reg.Register("c", registrytest.NewHandle())
	req.ErrorIs(err, ErrTooManyConnections)

	// But replacing an existing identity is allowed at the limit
	req.NoError(reg.Register("a", registrytest.NewHandle()))
	req.Equal(2, reg.Count())
}

func TestRegistry_PushTo_FailureIsSwallowed(t *testing.T) {
	req := require.New(t)
	reg := New(0)
	h := registrytest.NewHandle()
	h.Fail = errors.New("buffer full")
	req.NoError(reg.Register("alice", h))

	req.NotPanics(func() {
		req.False(reg.PushTo("alice", protocol.EventNewMessage, nil))
	})
}

func TestRegistry_Broadcast(t *testing.T) {
	req := require.New(t)
	reg := New(0)
	handles := map[model.Identity]*registrytest.Handle{
		"a": registrytest.NewHandle(),
		"b": registrytest.NewHandle(),
		"c": registrytest.NewHandle(),
	}
	for id, h := range handles {
		req.NoError(reg.Register(id, h))
	}

	n := reg.Broadcast(protocol.EventUserStatusChange, nil)

	req.Equal(3, n)
	for _, h := range handles {
		req.Len(h.OfType(protocol.EventUserStatusChange), 1)
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	req := require.New(t)
	reg := New(0)
	a := registrytest.NewHandle()
	b := registrytest.NewHandle()
	req.NoError(reg.Register("a", a))
	req.NoError(reg.Register("b", b))

	reg.Shutdown()

	req.True(a.Closed())
	req.True(b.Closed())
	req.Empty(reg.ListOnline())
	req.ErrorIs(reg.Register("c", registrytest.NewHandle()), ErrClosed)
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	req := require.New(t)
	reg := New(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := registrytest.NewHandle()
			_ = reg.Register("alice", h)
			reg.PushTo("alice", protocol.EventUserTyping, nil)
			reg.Unregister("alice", h)
		}()
	}
	wg.Wait()

	req.False(reg.IsOnline("alice"))
}
