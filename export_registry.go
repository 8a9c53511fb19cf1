package m2mi

import (
	"errors"
	"fmt"
	"reflect"
)

// exportRegistry maps addresses to the set of local objects answering
// to them.
//
// Not thread safe: the owning layer holds its state lock.
type exportRegistry struct {
	sets    map[Address]*exportSet
	filters *filterRegistry
}

// exportSet is an identity set which remembers insertion order so target
// snapshots are deterministic.
type exportSet struct {
	members []any
	index   map[any]struct{}
}

func newExportRegistry(filters *filterRegistry) *exportRegistry {
	return &exportRegistry{
		sets:    make(map[Address]*exportSet),
		filters: filters,
	}
}

// validateObject checks that `obj` has an identity, i.e. that it is a
// non-nil pointer.
func validateObject(obj any) error {
	if obj == nil {
		return fmt.Errorf("%w: nil object", ErrInvalidArgument)
	}
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Pointer {
		return fmt.Errorf("%w: exported objects must be pointers, got %T", ErrInvalidArgument, obj)
	}
	if v.IsNil() {
		return fmt.Errorf("%w: nil %T", ErrInvalidArgument, obj)
	}
	return nil
}

func (er *exportRegistry) export(addr Address, obj any) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidArgument)
	}
	if err := validateObject(obj); err != nil {
		return err
	}

	set, has := er.sets[addr]
	if !has {
		set = &exportSet{index: make(map[any]struct{})}
		er.sets[addr] = set
	}
	if _, member := set.index[obj]; !member {
		set.index[obj] = struct{}{}
		set.members = append(set.members, obj)
	}
	if !has {
		return er.filters.increment(addr)
	}
	return nil
}

func (er *exportRegistry) unexport(addr Address, obj any) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidArgument)
	}
	if obj == nil {
		return fmt.Errorf("%w: nil object", ErrInvalidArgument)
	}

	set, has := er.sets[addr]
	if !has || !set.remove(obj) {
		return nil
	}
	if len(set.members) == 0 {
		delete(er.sets, addr)
		return er.filters.decrement(addr)
	}
	return nil
}

func (er *exportRegistry) unexportAll(addr Address) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidArgument)
	}
	if _, has := er.sets[addr]; !has {
		return nil
	}
	delete(er.sets, addr)
	return er.filters.decrement(addr)
}

// unexportEverywhere removes `obj` from every address it is bound to.
// Filter failures do not stop the sweep, they are joined.
func (er *exportRegistry) unexportEverywhere(obj any) error {
	if obj == nil {
		return fmt.Errorf("%w: nil object", ErrInvalidArgument)
	}

	var errs []error
	for addr, set := range er.sets {
		if !set.remove(obj) || len(set.members) > 0 {
			continue
		}
		delete(er.sets, addr)
		if err := er.filters.decrement(addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (er *exportRegistry) isExported(addr Address) bool {
	_, has := er.sets[addr]
	return has
}

func (er *exportRegistry) isExportedBy(addr Address, obj any) bool {
	set, has := er.sets[addr]
	if !has || obj == nil || !hashable(obj) {
		return false
	}
	_, member := set.index[obj]
	return member
}

// snapshot returns a copy of the members of `addr`, later mutations of the
// registry do not affect it.
func (er *exportRegistry) snapshot(addr Address) []any {
	set, has := er.sets[addr]
	if !has {
		return nil
	}
	return append([]any(nil), set.members...)
}

func (er *exportRegistry) addresses() []Address {
	addrs := make([]Address, 0, len(er.sets))
	for addr := range er.sets {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (set *exportSet) remove(obj any) bool {
	if !hashable(obj) {
		return false
	}
	if _, member := set.index[obj]; !member {
		return false
	}
	delete(set.index, obj)
	for i, m := range set.members {
		if m == obj {
			set.members = append(set.members[:i], set.members[i+1:]...)
			break
		}
	}
	return true
}

// hashable guards map lookups against unhashable dynamic types.
func hashable(obj any) bool {
	return reflect.TypeOf(obj).Comparable()
}
