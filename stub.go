package m2mi

import (
	"fmt"
	"reflect"
	"sync"
)

var stubs sync.Map // reflect.Type -> func(Handle) any

// RegisterStub installs the typed wrapper of handles to `desc`. When a
// handle reference arrives for a parameter whose type is the described
// interface, it is passed through `wrap` so the target receives something
// implementing that interface. `m2mi-stubgen` output registers itself from
// its `init`.
//
// `wrap` may return a different type per handle kind. Registering again
// replaces the previous wrapper.
func RegisterStub(desc *InterfaceDescriptor, wrap func(Handle) any) {
	if desc == nil || wrap == nil {
		panic("m2mi: RegisterStub needs a descriptor and a wrapper")
	}
	stubs.Store(desc.typ, wrap)
}

// wrapHandle turns a decoded handle into a value of the parameter type
// `typ`.
func wrapHandle(h Handle, typ reflect.Type) (reflect.Value, error) {
	hv := reflect.ValueOf(h)
	if hv.Type().AssignableTo(typ) {
		return hv, nil
	}

	wrap, ok := stubs.Load(typ)
	if !ok {
		return reflect.Value{}, fmt.Errorf("%T is not assignable to %s and no stub is registered for it", h, typ)
	}
	// the handle interface must provide every method of `typ`.
	if !h.Interface().typ.Implements(typ) {
		return reflect.Value{}, fmt.Errorf("a %s handle cannot stand for %s", h.Interface().name, typ)
	}

	stub := wrap.(func(Handle) any)(h)
	wrapped := reflect.ValueOf(stub)
	if !wrapped.IsValid() || !wrapped.Type().AssignableTo(typ) {
		return reflect.Value{}, fmt.Errorf("the stub of %s returned %T", typ, stub)
	}
	return wrapped, nil
}
