package m2mi

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// PrefixLength is the size of the prefix every outgoing frame starts with.
const PrefixLength = 8

// prefixMagic identifies the protocol version on the wire.
var prefixMagic = [4]byte{'M', '2', 'M', 'I'}

// GroupID is an opaque, globally-unique token addressing a group of
// exported objects. GroupIDs are never reused.
type GroupID uuid.UUID

// Wildcard is the reserved GroupID meaning "all interfaces", it is the
// GroupID of every `BroadcastHandle`.
var Wildcard = GroupID(uuid.Nil)

// NewGroupID mints a fresh GroupID.
func NewGroupID() GroupID {
	return GroupID(uuid.Must(uuid.NewV7()))
}

func (id GroupID) String() string {
	return uuid.UUID(id).String()
}

// IsWildcard reports whether the id is the reserved `Wildcard`.
func (id GroupID) IsWildcard() bool {
	return id == Wildcard
}

type addressKind uint8

const (
	addressNone addressKind = iota
	addressInterface
	addressGroup
)

// Address is what exported objects answer to: either the name of a target
// interface or a `GroupID`. The zero Address is invalid.
type Address struct {
	kind  addressKind
	iface string
	group GroupID
}

// InterfaceAddress returns the address of every object exported under the
// interface named `name`.
func InterfaceAddress(name string) Address {
	return Address{kind: addressInterface, iface: name}
}

// GroupAddress returns the address of every object attached to `id`.
func GroupAddress(id GroupID) Address {
	return Address{kind: addressGroup, group: id}
}

// IsZero reports whether the address designates nothing.
func (a Address) IsZero() bool {
	switch a.kind {
	case addressInterface:
		return a.iface == ""
	case addressGroup:
		return false
	default:
		return true
	}
}

// IsGroup reports whether the address is a `GroupID`.
func (a Address) IsGroup() bool {
	return a.kind == addressGroup
}

// InterfaceName returns the interface name of an interface address.
func (a Address) InterfaceName() (string, bool) {
	return a.iface, a.kind == addressInterface
}

// GroupID returns the GroupID of a group address.
func (a Address) GroupID() (GroupID, bool) {
	return a.group, a.kind == addressGroup
}

// Hash is the 32-bit structural hash of the address. Distinct addresses
// can collide, that's why filters are reference counted by hash.
func (a Address) Hash() uint32 {
	switch a.kind {
	case addressInterface:
		return murmur3.Sum32([]byte(a.iface))
	case addressGroup:
		return murmur3.Sum32(a.group[:])
	default:
		return 0
	}
}

// Prefix returns the 8-byte wire prefix of frames addressed to `a`.
func (a Address) Prefix() []byte {
	return MessagePrefix(a.Hash())
}

func (a Address) String() string {
	switch a.kind {
	case addressInterface:
		return "interface:" + a.iface
	case addressGroup:
		return "group:" + a.group.String()
	default:
		return "none"
	}
}

// LogValue implements `slog.LogValuer`.
func (a Address) LogValue() slog.Value {
	return slog.StringValue(a.String())
}

// MessagePrefix returns the magic constant followed by the big-endian hash.
func MessagePrefix(hash uint32) []byte {
	prefix := make([]byte, PrefixLength)
	copy(prefix, prefixMagic[:])
	binary.BigEndian.PutUint32(prefix[4:], hash)
	return prefix
}

// parsePrefix validates the magic constant and extracts the hash.
func parsePrefix(frame []byte) (uint32, error) {
	if len(frame) < PrefixLength {
		return 0, fmt.Errorf("%w: frame of %d bytes is shorter than its prefix", ErrInvalidFrame, len(frame))
	}
	if [4]byte(frame[:4]) != prefixMagic {
		return 0, fmt.Errorf("%w: bad magic %x", ErrUnknownFormat, frame[:4])
	}
	return binary.BigEndian.Uint32(frame[4:PrefixLength]), nil
}
