package counter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icefall-net/icefall/internal/bytecode"
	"github.com/icefall-net/icefall/internal/kernel"
)

func TestViewReads(t *testing.T) {
	f := kernel.NewFake()
	m, err := f.CreateMap(kernel.MapSpec{Name: "t", Slots: 3})
	require.NoError(t, err)

	sink := m.(bytecode.CounterSink)
	sink.IncPacket(0)
	sink.AddBytes(0, 100)
	sink.IncPacket(2)
	sink.IncPacket(2)
	sink.AddBytes(2, 60)

	v := NewView(f, m, 3)
	require.Equal(t, 3, v.Slots())

	c, err := v.Rule(0)
	require.NoError(t, err)
	assert.Equal(t, kernel.Counters{Packets: 1, Bytes: 100}, c)

	c, err = v.Rule(1)
	require.NoError(t, err)
	assert.Zero(t, c.Packets)

	_, err = v.Rule(3)
	assert.Error(t, err)
	_, err = v.Rule(-1)
	assert.Error(t, err)

	snap, err := v.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 3)
	assert.Equal(t, uint64(2), snap[2].Packets)

	total, err := v.Total()
	require.NoError(t, err)
	assert.Equal(t, kernel.Counters{Packets: 3, Bytes: 160}, total)
}

func TestNilView(t *testing.T) {
	var v *View
	assert.Zero(t, v.Slots())

	_, err := v.Rule(0)
	assert.Error(t, err)

	snap, err := v.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)

	assert.Nil(t, NewView(kernel.NewFake(), nil, 0))
}
