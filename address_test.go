package m2mi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddress_Hash(t *testing.T) {
	require.Equal(t, uint32(0x248bfa47), InterfaceAddress("hello").Hash())
	require.Equal(t, uint32(0x82638fc7), collidingA.Hash())

	id := NewGroupID()
	require.Equal(t, GroupAddress(id).Hash(), GroupAddress(id).Hash())
	require.NotEqual(t, InterfaceAddress(id.String()), GroupAddress(id), "kinds never compare equal")
}

func TestAddress_Prefix(t *testing.T) {
	prefix := InterfaceAddress("hello").Prefix()
	require.Equal(t, []byte{'M', '2', 'M', 'I', 0x24, 0x8b, 0xfa, 0x47}, prefix)

	hash, err := parsePrefix(append(prefix, 0x01))
	require.NoError(t, err)
	require.Equal(t, uint32(0x248bfa47), hash)

	_, err = parsePrefix([]byte("M2MI"))
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = parsePrefix([]byte("JAVA\x00\x00\x00\x00"))
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestAddress_Accessors(t *testing.T) {
	require.True(t, Address{}.IsZero())
	require.True(t, InterfaceAddress("").IsZero())

	name, ok := InterfaceAddress("a.B").InterfaceName()
	require.True(t, ok)
	require.Equal(t, "a.B", name)
	_, ok = InterfaceAddress("a.B").GroupID()
	require.False(t, ok)

	id := NewGroupID()
	got, ok := GroupAddress(id).GroupID()
	require.True(t, ok)
	require.Equal(t, id, got)
	require.True(t, GroupAddress(id).IsGroup())
	require.False(t, id.IsWildcard())
}
