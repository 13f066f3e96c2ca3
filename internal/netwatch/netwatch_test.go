package netwatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icefall-net/icefall/internal/program"
)

func TestStaticResolver(t *testing.T) {
	s := NewStatic(
		program.Interface{Name: "eth0", Index: 2},
		program.Interface{Name: "eth1", Index: 3},
	)

	i, err := s.Lookup("eth0")
	require.NoError(t, err)
	assert.Equal(t, 2, i.Index)

	_, err = s.Lookup("wlan0")
	assert.Error(t, err)

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStaticEvents(t *testing.T) {
	s := NewStatic(program.Interface{Name: "eth0", Index: 2})

	var events []Event
	s.OnEvent(func(e Event) { events = append(events, e) })

	s.Add(program.Interface{Name: "eth1", Index: 3})
	require.Len(t, events, 1)
	assert.Equal(t, Appear, events[0].Kind)
	assert.Equal(t, "eth1", events[0].Interface.Name)

	// Re-adding a known link is silent.
	s.Add(program.Interface{Name: "eth1", Index: 3})
	assert.Len(t, events, 1)

	s.Remove("eth1")
	require.Len(t, events, 2)
	assert.Equal(t, Depart, events[1].Kind)

	// Removing an unknown link is silent.
	s.Remove("wlan0")
	assert.Len(t, events, 2)
}
