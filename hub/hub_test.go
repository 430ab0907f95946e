package hub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRememberAssignsDistinctPorts(t *testing.T) {
	h := New[string](2, 1)

	p1, err := h.Remember(HCIUSB2, "a")
	require.NoError(t, err)
	p2, err := h.Remember(HCIUSB2, "b")
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)

	_, err = h.Remember(HCIUSB2, "c")
	require.ErrorIs(t, err, ErrPortFull)

	p3, err := h.Remember(HCIUSB3, "c")
	require.NoError(t, err)
	require.Equal(t, 1, p3)
}

func TestFindAndForget(t *testing.T) {
	h := New[string](1, 1)
	port, err := h.Remember(HCIUSB2, "dev")
	require.NoError(t, err)

	dev, ok := h.Find(HCIUSB2, port)
	require.True(t, ok)
	require.Equal(t, "dev", dev)

	_, ok = h.Find(HCIUSB3, port)
	require.False(t, ok, "port indices are per-class, not shared")

	got, err := h.Forget(HCIUSB2, port)
	require.NoError(t, err)
	require.Equal(t, "dev", got)

	_, ok = h.Find(HCIUSB2, port)
	require.False(t, ok)
}

func TestIdempotentDetach(t *testing.T) {
	h := New[string](1, 0)
	port, err := h.Remember(HCIUSB2, "dev")
	require.NoError(t, err)

	_, err = h.Forget(HCIUSB2, port)
	require.NoError(t, err)

	_, err = h.Forget(HCIUSB2, port)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPortUniquenessAfterForgetReassign(t *testing.T) {
	h := New[string](1, 0)
	p1, err := h.Remember(HCIUSB2, "a")
	require.NoError(t, err)
	_, err = h.Forget(HCIUSB2, p1)
	require.NoError(t, err)

	p2, err := h.Remember(HCIUSB2, "b")
	require.NoError(t, err)
	require.Equal(t, p1, p2, "freed slot should be reusable")

	count := 0
	h.ForEach(func(class HCIClass, port int, dev string) { count++ })
	require.Equal(t, 1, count)
}

func TestDestroyAllReleasesBeforeInvokingDestroy(t *testing.T) {
	h := New[string](2, 1)
	h.Remember(HCIUSB2, "a")
	h.Remember(HCIUSB2, "b")
	h.Remember(HCIUSB3, "c")

	var destroyed []string
	h.DestroyAll(func(class HCIClass, port int, dev string) {
		// The table must already be empty by the time destroy runs for
		// any entry, proving references were released before teardown.
		_, ok := h.Find(class, port)
		require.False(t, ok)
		destroyed = append(destroyed, dev)
	})

	require.ElementsMatch(t, []string{"a", "b", "c"}, destroyed)

	count := 0
	h.ForEach(func(HCIClass, int, string) { count++ })
	require.Equal(t, 0, count)
}

func TestSpeedToHCIClassMapping(t *testing.T) {
	require.Equal(t, HCIUSB2, SpeedLow.HCIClass())
	require.Equal(t, HCIUSB2, SpeedFull.HCIClass())
	require.Equal(t, HCIUSB2, SpeedHigh.HCIClass())
	require.Equal(t, HCIUSB2, SpeedWireless.HCIClass()) // ambiguous; see DESIGN.md
	require.Equal(t, HCIUSB3, SpeedSuper.HCIClass())
	require.Equal(t, HCIUSB3, SpeedSuperPlus.HCIClass())
}
