// Package transport holds what M2MI transports have in common. The
// transports themselves live in the sub-packages.
package transport

import (
	"errors"
	"sync"
)

// PrefixLength is the size of the frame prefix used for filtering.
const PrefixLength = 8

var (
	ErrClosed        = errors.New("transport: closed")
	ErrInvalidPrefix = errors.New("transport: filter prefix must be 8 bytes")
)

// FilterSet is the set of frame prefixes a transport endpoint accepts.
//
// It is reference counted so that several layers can share an endpoint.
// It is safe for concurrent use.
type FilterSet struct {
	lk       sync.RWMutex
	prefixes map[[PrefixLength]byte]int
}

func (fs *FilterSet) Add(prefix []byte) error {
	key, err := toKey(prefix)
	if err != nil {
		return err
	}
	fs.lk.Lock()
	defer fs.lk.Unlock()
	if fs.prefixes == nil {
		fs.prefixes = make(map[[PrefixLength]byte]int)
	}
	fs.prefixes[key]++
	return nil
}

// Remove drops one reference to `prefix`. Removing an unknown prefix is a
// no-op.
func (fs *FilterSet) Remove(prefix []byte) error {
	key, err := toKey(prefix)
	if err != nil {
		return err
	}
	fs.lk.Lock()
	defer fs.lk.Unlock()
	count, has := fs.prefixes[key]
	if !has {
		return nil
	}
	if count <= 1 {
		delete(fs.prefixes, key)
	} else {
		fs.prefixes[key] = count - 1
	}
	return nil
}

// Match tells whether the prefix of `frame` is accepted.
func (fs *FilterSet) Match(frame []byte) bool {
	if len(frame) < PrefixLength {
		return false
	}
	key := [PrefixLength]byte(frame[:PrefixLength])
	fs.lk.RLock()
	defer fs.lk.RUnlock()
	return fs.prefixes[key] > 0
}

// Len is the number of distinct prefixes accepted.
func (fs *FilterSet) Len() int {
	fs.lk.RLock()
	defer fs.lk.RUnlock()
	return len(fs.prefixes)
}

func toKey(prefix []byte) ([PrefixLength]byte, error) {
	if len(prefix) != PrefixLength {
		return [PrefixLength]byte{}, ErrInvalidPrefix
	}
	return [PrefixLength]byte(prefix), nil
}
