package m2mi

import (
	"fmt"
	"reflect"
	"strings"
)

// Kind is the fan-out policy of an invocation.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindBroadcast reaches every object exported under an interface.
	KindBroadcast
	// KindGroup reaches every object attached to a GroupID.
	KindGroup
	// KindSingle reaches the object bound to a GroupID, wherever it is.
	KindSingle
)

func (k Kind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindGroup:
		return "group"
	case KindSingle:
		return "single"
	default:
		return "unknown"
	}
}

func (k Kind) valid() bool {
	return k >= KindBroadcast && k <= KindSingle
}

// Invocation is the envelope of one method call: who it's for, which
// method, and the bound arguments. It is consumed once by the worker
// pool and never requeued.
type Invocation struct {
	kind   Kind
	addr   Address
	iface  *InterfaceDescriptor
	method int
	args   []reflect.Value

	// dispatch state, owned by the invocation queue under its lock.
	resolved bool
	targets  []any
	cursor   int
	inflight int
}

func newInvocation(kind Kind, group GroupID, iface *InterfaceDescriptor, method int, args []reflect.Value) (*Invocation, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: invocation kind %d", ErrInvalidArgument, kind)
	}
	if iface == nil {
		return nil, fmt.Errorf("%w: nil interface descriptor", ErrInvalidArgument)
	}
	md, ok := iface.Method(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no method %d", ErrInvalidArgument, iface.name, method)
	}
	if len(args) != len(md.ArgTypes) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidArgument, md.Signature, len(md.ArgTypes), len(args))
	}

	inv := &Invocation{
		kind:   kind,
		iface:  iface,
		method: method,
		args:   args,
	}
	switch kind {
	case KindBroadcast:
		inv.addr = InterfaceAddress(iface.name)
	default:
		if group.IsWildcard() {
			return nil, fmt.Errorf("%w: %s invocation needs a group", ErrInvalidArgument, kind)
		}
		inv.addr = GroupAddress(group)
	}
	return inv, nil
}

// Kind is the fan-out policy.
func (inv *Invocation) Kind() Kind {
	return inv.kind
}

// Address is where the invocation is delivered.
func (inv *Invocation) Address() Address {
	return inv.addr
}

// Interface is the descriptor of the target interface.
func (inv *Invocation) Interface() *InterfaceDescriptor {
	return inv.iface
}

// Method is the descriptor of the invoked method.
func (inv *Invocation) Method() MethodDescriptor {
	return inv.iface.methods[inv.method]
}

// Args returns a copy of the bound arguments.
func (inv *Invocation) Args() []any {
	out := make([]any, len(inv.args))
	for i, v := range inv.args {
		out[i] = v.Interface()
	}
	return out
}

// Prefix is the wire prefix of the frame carrying this invocation.
func (inv *Invocation) Prefix() []byte {
	return inv.addr.Prefix()
}

// nextTarget hands out the next not-yet-delivered target, resolving the
// target set on first use.
func (inv *Invocation) nextTarget(resolve func(Address) []any) (any, bool) {
	if !inv.resolved {
		inv.targets = resolve(inv.addr)
		inv.resolved = true
	}
	if inv.cursor >= len(inv.targets) {
		return nil, false
	}
	target := inv.targets[inv.cursor]
	inv.targets[inv.cursor] = nil
	inv.cursor++
	return target, true
}

// invoke calls the method on `target`. A panic in the target is
// recovered and returned.
func (inv *Invocation) invoke(target any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTargetPanic, r)
		}
	}()

	md := inv.iface.methods[inv.method]
	v := reflect.ValueOf(target)
	if !v.Type().Implements(inv.iface.typ) {
		return fmt.Errorf("%w: %T does not implement %s", ErrInvalidArgument, target, inv.iface.name)
	}
	// Method indexes of an interface value follow the interface method set,
	// so we go through a value of the interface type.
	iv := reflect.New(inv.iface.typ).Elem()
	iv.Set(v)
	fn := iv.Method(md.Index)
	if md.Variadic {
		fn.CallSlice(inv.args)
	} else {
		fn.Call(inv.args)
	}
	return nil
}

func (inv *Invocation) String() string {
	var b strings.Builder
	b.WriteString(inv.kind.String())
	b.WriteString("(")
	b.WriteString(inv.addr.String())
	b.WriteString(",")
	b.WriteString(inv.iface.name)
	b.WriteString(".")
	b.WriteString(inv.iface.methods[inv.method].Signature)
	b.WriteString(")")
	return b.String()
}
