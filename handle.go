package m2mi

import (
	"fmt"
)

// Handle is the caller side of M2MI: invoking a method on a handle invokes
// it on every object the handle reaches, without waiting for them.
//
// Methods are called through `Call` (by name) or `Invoke` (by index in the
// interface method set). Use `m2mi-stubgen` to generate typed wrappers
// implementing your own interface on top of `Post`.
type Handle interface {
	Kind() Kind
	Interface() *InterfaceDescriptor
	// GroupID is `Wildcard` for broadcast handles.
	GroupID() GroupID
	Address() Address

	Call(method string, args ...any) error
	Invoke(index int, args ...any) error
	// Post is like `Call` but hands errors to the layer error handler.
	Post(method string, args ...any)

	// Invokes tells whether `obj` is currently a local target.
	Invokes(obj any) bool
	// LocalTargets is a snapshot of the objects this handle reaches in
	// this process.
	LocalTargets() []any
}

type handle struct {
	layer *Layer
	kind  Kind
	iface *InterfaceDescriptor
	group GroupID
}

func (h *handle) Kind() Kind {
	return h.kind
}

func (h *handle) Interface() *InterfaceDescriptor {
	return h.iface
}

func (h *handle) GroupID() GroupID {
	return h.group
}

func (h *handle) Address() Address {
	if h.kind == KindBroadcast {
		return InterfaceAddress(h.iface.name)
	}
	return GroupAddress(h.group)
}

func (h *handle) Call(method string, args ...any) error {
	md, ok := h.iface.MethodByName(method)
	if !ok {
		return fmt.Errorf("%w: %s has no method %s", ErrInvalidArgument, h.iface.name, method)
	}
	return h.Invoke(md.Index, args...)
}

func (h *handle) Invoke(index int, args ...any) error {
	md, ok := h.iface.Method(index)
	if !ok {
		return fmt.Errorf("%w: %s has no method %d", ErrInvalidArgument, h.iface.name, index)
	}
	values, err := md.bindArgs(args)
	if err != nil {
		return err
	}
	inv, err := newInvocation(h.kind, h.group, h.iface, index, values)
	if err != nil {
		return err
	}
	return h.layer.processFromLocalCall(inv)
}

func (h *handle) Invokes(obj any) bool {
	if obj == nil {
		return false
	}
	return h.layer.isExportedBy(h.Address(), obj)
}

func (h *handle) LocalTargets() []any {
	return h.layer.snapshot(h.Address())
}

func (h *handle) String() string {
	if h.kind == KindBroadcast {
		return fmt.Sprintf("%s(%s)", h.kind, h.iface.name)
	}
	return fmt.Sprintf("%s(%s,%s)", h.kind, h.iface.name, h.group)
}

// BroadcastHandle reaches every object exported under its interface.
type BroadcastHandle struct {
	handle
}

func (h *BroadcastHandle) Post(method string, args ...any) {
	if err := h.Call(method, args...); err != nil {
		h.layer.reportPostError(h, method, err)
	}
}

// GroupHandle reaches every object attached to its group.
type GroupHandle struct {
	handle
}

func (h *GroupHandle) Post(method string, args ...any) {
	if err := h.Call(method, args...); err != nil {
		h.layer.reportPostError(h, method, err)
	}
}

// Attach adds `obj` to the group. It is also exported under the handle
// interface so broadcasts reach it.
func (h *GroupHandle) Attach(obj any) error {
	return h.layer.exportGroup(h.group, obj, h.iface)
}

// Detach removes `obj` from the group. It stays exported under the
// interface, use `Layer.Unexport` for that.
func (h *GroupHandle) Detach(obj any) error {
	return h.layer.unexportGroupMember(h.group, obj)
}

// SingleHandle reaches exactly one object, wherever it lives. Invocations
// on a handle whose object is in this process never go to the network.
type SingleHandle struct {
	handle
}

func (h *SingleHandle) Post(method string, args ...any) {
	if err := h.Call(method, args...); err != nil {
		h.layer.reportPostError(h, method, err)
	}
}

// Attach binds the handle to `obj` in place of the current object. The
// current object must be exported in this layer.
func (h *SingleHandle) Attach(obj any) error {
	if obj == nil {
		return fmt.Errorf("%w: nil object", ErrInvalidArgument)
	}
	return h.layer.rebindSingle(h.group, obj, h.iface)
}

// Detach unbinds the handle. It cannot be attached again afterwards, and
// its invocations go nowhere in this process.
func (h *SingleHandle) Detach() error {
	return h.layer.rebindSingle(h.group, nil, h.iface)
}

var (
	_ Handle = (*BroadcastHandle)(nil)
	_ Handle = (*GroupHandle)(nil)
	_ Handle = (*SingleHandle)(nil)
)
