package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetTestClear(t *testing.T) {
	b := New(8)
	require.False(t, b.Test(3))
	b.Set(3)
	require.True(t, b.Test(3))
	b.ClearAll()
	require.Equal(t, 0, b.CountSet())
}

func TestLargeCapacitySpillsToSlice(t *testing.T) {
	b := New(2 * 16384) // window_size at its max, per spec
	b.Set(32767)
	require.True(t, b.Test(32767))
	require.Equal(t, 1, b.CountSet())
}

func TestMissingInRange(t *testing.T) {
	b := New(8)
	b.Set(0)
	b.Set(2)
	missing := b.MissingInRange(0, 4, nil)
	require.Equal(t, []int{1, 3}, missing)
	require.True(t, b.AnyMissingInRange(0, 4))
	require.False(t, b.AnyMissingInRange(0, 1))
}

func TestWireRoundTrip(t *testing.T) {
	b := New(16)
	b.Set(1)
	b.Set(9)
	raw := b.ToBytes(16)
	require.Len(t, raw, 2)

	b2 := New(16)
	b2.FromBytes(raw, 16)
	require.True(t, b2.Test(1))
	require.True(t, b2.Test(9))
	require.Equal(t, 2, b2.CountSet())
}
