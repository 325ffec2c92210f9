package registry

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/transx/core/xa"
)

type stubResource struct{ name string }

func (s stubResource) Name() string    { return s.name }
func (s stubResource) Paginated() bool { return false }
func (s stubResource) OpenRecovery(context.Context) (xa.Resource, io.Closer, error) {
	return nil, io.NopCloser(nil), nil
}

func TestRegisterLookupDeregister(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(stubResource{"orders"}))
	require.NoError(t, r.Register(stubResource{"billing"}))
	require.ErrorIs(t, r.Register(stubResource{"orders"}), ErrDuplicateResource)

	res, ok := r.Lookup("orders")
	require.True(t, ok)
	require.Equal(t, "orders", res.Name())

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "billing", list[0].Name())

	require.NoError(t, r.Deregister("orders"))
	require.ErrorIs(t, r.Deregister("orders"), ErrUnknownResource)
	_, ok = r.Lookup("orders")
	require.False(t, ok)
	require.Error(t, r.Register(stubResource{}))
}

func TestSubscribeReceivesEvents(t *testing.T) {
	r := New(nil)
	var events []Event
	cancel := r.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, r.Register(stubResource{"queue"}))
	require.NoError(t, r.Deregister("queue"))
	cancel()
	cancel()
	require.NoError(t, r.Register(stubResource{"late"}))

	require.Len(t, events, 2)
	require.Equal(t, EventRegistered, events[0].Kind)
	require.Equal(t, "queue", events[0].Name)
	require.Equal(t, EventDeregistered, events[1].Kind)
	require.Equal(t, "deregistered", events[1].Kind.String())
}
