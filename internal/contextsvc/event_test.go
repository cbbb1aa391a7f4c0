package contextsvc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_RaiseInRegistrationOrder(t *testing.T) {
	e := NewEvent[int]("test")
	var got []string
	e.AddListener(func(int) error { got = append(got, "a"); return nil })
	e.AddListener(func(int) error { got = append(got, "b"); return nil })
	e.AddListener(func(int) error { got = append(got, "c"); return nil })

	faults := e.Raise(1)
	assert.Empty(t, faults)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestEvent_FaultIsolation(t *testing.T) {
	e := NewEvent[string]("update")
	boom := errors.New("boom")
	var delivered []int
	e.AddListener(func(string) error { delivered = append(delivered, 0); return boom })
	e.AddListener(func(string) error { panic("listener exploded") })
	e.AddListener(func(string) error { delivered = append(delivered, 2); return nil })

	faults := e.Raise("x")
	require.Len(t, faults, 2)
	for _, f := range faults {
		assert.ErrorIs(t, f, ErrObserverFault)
	}
	assert.ErrorIs(t, faults[0], boom)
	assert.Contains(t, faults[1].Error(), "listener exploded")
	assert.Equal(t, []int{0, 2}, delivered)
}

func TestEvent_RemoveListener(t *testing.T) {
	e := NewEvent[int]("test")
	calls := 0
	remove := e.AddListener(func(int) error { calls++; return nil })
	e.AddListener(func(int) error { return nil })
	require.Equal(t, 2, e.Len())

	e.Raise(0)
	remove()
	remove()
	e.Raise(0)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, e.Len())
}

func TestEvent_ListenerAddedDuringRaise(t *testing.T) {
	e := NewEvent[int]("test")
	late := 0
	e.AddListener(func(int) error {
		e.AddListener(func(int) error { late++; return nil })
		return nil
	})

	e.Raise(0)
	assert.Equal(t, 0, late, "listener added during Raise must wait for the next Raise")
	e.Raise(0)
	assert.Equal(t, 1, late)
}
