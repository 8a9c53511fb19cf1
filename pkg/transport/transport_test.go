package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterSet(t *testing.T) {
	var fs FilterSet
	prefix := []byte("M2MI\x01\x02\x03\x04")
	frame := append([]byte("M2MI\x01\x02\x03\x04"), "payload"...)

	require.False(t, fs.Match(frame))
	require.NoError(t, fs.Add(prefix))
	require.NoError(t, fs.Add(prefix))
	require.True(t, fs.Match(frame))
	require.Equal(t, 1, fs.Len())

	require.NoError(t, fs.Remove(prefix))
	require.True(t, fs.Match(frame), "still referenced once")
	require.NoError(t, fs.Remove(prefix))
	require.False(t, fs.Match(frame))
	require.NoError(t, fs.Remove(prefix), "unknown prefix is a no-op")

	require.False(t, fs.Match([]byte("M2MI")), "frames shorter than a prefix never match")
	require.ErrorIs(t, fs.Add([]byte("short")), ErrInvalidPrefix)
}
