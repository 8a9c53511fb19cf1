package m2mi

import (
	"fmt"
)

// Filterer is the part of a `Transport` which pre-selects inbound frames.
type Filterer interface {
	RegisterFilter(prefix []byte) error
	DeregisterFilter(prefix []byte) error
}

// filterRegistry counts how many exported addresses share a hash, so the
// transport only hears about a prefix on 0->1 and 1->0 transitions.
//
// Not thread safe: the owning layer holds its state lock.
type filterRegistry struct {
	counts map[uint32]int
	tr     Filterer
	hash   func(Address) uint32
	onFlip func(registered bool)
}

func newFilterRegistry(tr Filterer) *filterRegistry {
	return &filterRegistry{
		counts: make(map[uint32]int),
		tr:     tr,
		hash:   Address.Hash,
	}
}

func (fr *filterRegistry) increment(addr Address) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidArgument)
	}

	hash := fr.hash(addr)
	fr.counts[hash]++
	if fr.counts[hash] != 1 {
		return nil
	}

	if fr.onFlip != nil {
		fr.onFlip(true)
	}
	if fr.tr == nil {
		return nil
	}
	if err := fr.tr.RegisterFilter(MessagePrefix(hash)); err != nil {
		return fmt.Errorf("%w: register %08x for %s: %w", ErrExportFailure, hash, addr, err)
	}
	return nil
}

func (fr *filterRegistry) decrement(addr Address) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidArgument)
	}

	hash := fr.hash(addr)
	count, has := fr.counts[hash]
	if !has {
		return nil
	}
	if count > 1 {
		fr.counts[hash] = count - 1
		return nil
	}

	delete(fr.counts, hash)
	if fr.onFlip != nil {
		fr.onFlip(false)
	}
	if fr.tr == nil {
		return nil
	}
	if err := fr.tr.DeregisterFilter(MessagePrefix(hash)); err != nil {
		return fmt.Errorf("%w: deregister %08x for %s: %w", ErrExportFailure, hash, addr, err)
	}
	return nil
}

func (fr *filterRegistry) count(hash uint32) int {
	return fr.counts[hash]
}
