package m2mi

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// InterfaceDescriptor describes a target interface: its name, which is
// used for addressing, its ordered methods and its super-interfaces.
//
// Descriptors are immutable and cached per interface type.
type InterfaceDescriptor struct {
	name    string
	typ     reflect.Type
	methods []MethodDescriptor
	byName  map[string]int
	supers  []*InterfaceDescriptor
}

// MethodDescriptor describes one method of a target interface.
type MethodDescriptor struct {
	Name      string
	Index     int
	ArgTypes  []reflect.Type
	Variadic  bool
	Signature string
}

type describeOpts struct {
	name   string
	supers []*InterfaceDescriptor
}

// DescribeOption customises `Describe`.
type DescribeOption func(*describeOpts)

// WithName overrides the interface name used on the wire. By default, it's
// the import path of the package followed by the type name.
func WithName(name string) DescribeOption {
	return func(o *describeOpts) {
		o.name = name
	}
}

// Extends declares the super-interfaces of the described interface. Go does
// not keep track of interface embedding at runtime, so it must be declared
// to make broadcasts on the super-interface reach implementations of the
// described one.
func Extends(supers ...*InterfaceDescriptor) DescribeOption {
	return func(o *describeOpts) {
		o.supers = append(o.supers, supers...)
	}
}

var descriptorCache sync.Map

// Describe validates the interface `T` and returns its descriptor.
//
// Every method of `T` MUST have no result: neither return values nor
// errors can travel back to the caller of a multi-target invocation.
//
// Arguments MUST come back from the wire as they left: interface
// parameters only carry handles, `any` and interfaces nested in values
// are refused, and so are structs with unexported fields unless they
// implement `encoding.BinaryMarshaler` (like `time.Time`).
func Describe[T any](opts ...DescribeOption) (*InterfaceDescriptor, error) {
	return DescribeType(reflect.TypeFor[T](), opts...)
}

// MustDescribe is like `Describe` but panics on an invalid interface.
func MustDescribe[T any](opts ...DescribeOption) *InterfaceDescriptor {
	desc, err := Describe[T](opts...)
	if err != nil {
		panic(err)
	}
	return desc
}

// DescribeType is the non-generic version of `Describe`.
func DescribeType(typ reflect.Type, opts ...DescribeOption) (*InterfaceDescriptor, error) {
	if typ == nil || typ.Kind() != reflect.Interface {
		return nil, fmt.Errorf("%w: %v is not an interface type", ErrInvalidInterface, typ)
	}

	var o describeOpts
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		if typ.Name() == "" {
			return nil, fmt.Errorf("%w: anonymous interfaces need a name", ErrInvalidInterface)
		}
		o.name = typ.PkgPath() + "." + typ.Name()
	}

	key := cacheKey{typ: typ, name: o.name}
	if cached, ok := descriptorCache.Load(key); ok {
		desc := cached.(*InterfaceDescriptor)
		if len(o.supers) == 0 || sameSupers(desc.supers, o.supers) {
			return desc, nil
		}
		return nil, fmt.Errorf("%w: %s already described with other super-interfaces", ErrInvalidInterface, o.name)
	}

	desc := &InterfaceDescriptor{
		name:    o.name,
		typ:     typ,
		methods: make([]MethodDescriptor, typ.NumMethod()),
		byName:  make(map[string]int, typ.NumMethod()),
	}

	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if m.Type.NumOut() != 0 {
			return nil, fmt.Errorf(
				"%w: method %s.%s has results, target methods return nothing",
				ErrInvalidInterface, o.name, m.Name,
			)
		}
		md := MethodDescriptor{
			Name:     m.Name,
			Index:    i,
			ArgTypes: make([]reflect.Type, m.Type.NumIn()),
			Variadic: m.Type.IsVariadic(),
		}
		names := make([]string, m.Type.NumIn())
		for j := range md.ArgTypes {
			md.ArgTypes[j] = m.Type.In(j)
			names[j] = md.ArgTypes[j].String()
			if err := checkArgType(md.ArgTypes[j], true, make(map[reflect.Type]bool)); err != nil {
				return nil, fmt.Errorf(
					"%w: argument %d of %s.%s: %s",
					ErrInvalidInterface, j, o.name, m.Name, err,
				)
			}
		}
		md.Signature = m.Name + "(" + strings.Join(names, ",") + ")"
		desc.methods[i] = md
		desc.byName[m.Name] = i
	}

	for _, super := range o.supers {
		if super == nil {
			return nil, fmt.Errorf("%w: nil super-interface", ErrInvalidInterface)
		}
		if !typ.Implements(super.typ) {
			return nil, fmt.Errorf("%w: %s does not extend %s", ErrInvalidInterface, o.name, super.name)
		}
		desc.supers = append(desc.supers, super)
	}

	actual, _ := descriptorCache.LoadOrStore(key, desc)
	return actual.(*InterfaceDescriptor), nil
}

var (
	binaryMarshaler   = reflect.TypeFor[encoding.BinaryMarshaler]()
	binaryUnmarshaler = reflect.TypeFor[encoding.BinaryUnmarshaler]()
)

// checkArgType reports why values of `typ` would not survive the msgpack
// round trip. `param` is set for the declared parameter type itself, the
// only place a handle reference can be.
func checkArgType(typ reflect.Type, param bool, seen map[reflect.Type]bool) error {
	ptr := reflect.PointerTo(typ)
	if ptr.Implements(binaryUnmarshaler) && (typ.Implements(binaryMarshaler) || ptr.Implements(binaryMarshaler)) {
		return nil
	}

	switch typ.Kind() {
	case reflect.Bool, reflect.String, reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return nil
	case reflect.Interface:
		if !param {
			return fmt.Errorf("%s inside a value, handles are only carried by parameters", typ)
		}
		if typ.NumMethod() == 0 {
			return fmt.Errorf("%s does not keep the dynamic type of its values", typ)
		}
		return nil
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return checkArgType(typ.Elem(), false, seen)
	case reflect.Map:
		if err := checkArgType(typ.Key(), false, seen); err != nil {
			return err
		}
		return checkArgType(typ.Elem(), false, seen)
	case reflect.Struct:
		if seen[typ] {
			return nil
		}
		seen[typ] = true
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			if !f.IsExported() {
				return fmt.Errorf("%s has the unexported field %s", typ, f.Name)
			}
			if err := checkArgType(f.Type, false, seen); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s values cannot be encoded", typ)
	}
}

type cacheKey struct {
	typ  reflect.Type
	name string
}

func sameSupers(a, b []*InterfaceDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Name is the fully-qualified name of the interface.
func (desc *InterfaceDescriptor) Name() string {
	return desc.name
}

// Type is the described interface type.
func (desc *InterfaceDescriptor) Type() reflect.Type {
	return desc.typ
}

// Methods returns the ordered methods of the interface.
func (desc *InterfaceDescriptor) Methods() []MethodDescriptor {
	return append([]MethodDescriptor(nil), desc.methods...)
}

// Method returns the method at `index`.
func (desc *InterfaceDescriptor) Method(index int) (MethodDescriptor, bool) {
	if index < 0 || index >= len(desc.methods) {
		return MethodDescriptor{}, false
	}
	return desc.methods[index], true
}

// MethodByName returns the method called `name`.
func (desc *InterfaceDescriptor) MethodByName(name string) (MethodDescriptor, bool) {
	i, ok := desc.byName[name]
	if !ok {
		return MethodDescriptor{}, false
	}
	return desc.methods[i], true
}

// Supers returns the declared super-interfaces.
func (desc *InterfaceDescriptor) Supers() []*InterfaceDescriptor {
	return append([]*InterfaceDescriptor(nil), desc.supers...)
}

// Lineage walks the interface and all its super-interfaces, recursively,
// each one exactly once.
func (desc *InterfaceDescriptor) Lineage() []*InterfaceDescriptor {
	seen := make(map[*InterfaceDescriptor]struct{})
	var out []*InterfaceDescriptor
	var walk func(*InterfaceDescriptor)
	walk = func(d *InterfaceDescriptor) {
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
		for _, s := range d.supers {
			walk(s)
		}
	}
	walk(desc)
	return out
}

// Implements reports whether `obj` can be exported under this interface.
func (desc *InterfaceDescriptor) Implements(obj any) bool {
	return obj != nil && reflect.TypeOf(obj).Implements(desc.typ)
}

func (desc *InterfaceDescriptor) String() string {
	return desc.name
}

// bindArgs validates `args` against the method and converts them to the
// declared argument types.
func (md MethodDescriptor) bindArgs(args []any) ([]reflect.Value, error) {
	if len(args) != len(md.ArgTypes) && !md.Variadic {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidArgument, md.Signature, len(md.ArgTypes), len(args))
	}
	if md.Variadic && len(args) < len(md.ArgTypes)-1 {
		return nil, fmt.Errorf("%w: %s takes at least %d arguments, got %d", ErrInvalidArgument, md.Signature, len(md.ArgTypes)-1, len(args))
	}

	// Variadic arguments are packed in a slice, like `reflect.Value.CallSlice`
	// expects them.
	if md.Variadic && !(len(args) == len(md.ArgTypes) && isSliceOf(args[len(args)-1], md.ArgTypes[len(md.ArgTypes)-1])) {
		fixed := len(md.ArgTypes) - 1
		sliceType := md.ArgTypes[fixed]
		rest := reflect.MakeSlice(sliceType, 0, len(args)-fixed)
		for i, arg := range args[fixed:] {
			v, err := convertArg(arg, sliceType.Elem())
			if err != nil {
				return nil, fmt.Errorf("%w: %s variadic argument %d: %w", ErrInvalidArgument, md.Signature, i, err)
			}
			rest = reflect.Append(rest, v)
		}
		args = append(append([]any(nil), args[:fixed]...), rest.Interface())
	}

	values := make([]reflect.Value, len(args))
	for i, arg := range args {
		v, err := convertArg(arg, md.ArgTypes[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s argument %d: %w", ErrInvalidArgument, md.Signature, i, err)
		}
		values[i] = v
	}
	return values, nil
}

func isSliceOf(arg any, sliceType reflect.Type) bool {
	return arg != nil && reflect.TypeOf(arg) == sliceType
}

func convertArg(arg any, typ reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch typ.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(typ), nil
		default:
			return reflect.Value{}, fmt.Errorf("nil is not a valid %s", typ)
		}
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(typ) {
		if typ.Kind() == reflect.Interface {
			// keep the static type so Call sees the expected parameter type.
			iv := reflect.New(typ).Elem()
			iv.Set(v)
			return iv, nil
		}
		return v, nil
	}
	if v.Type().ConvertibleTo(typ) && sameKindFamily(v.Kind(), typ.Kind()) {
		return v.Convert(typ), nil
	}
	return reflect.Value{}, fmt.Errorf("%T is not assignable to %s", arg, typ)
}

// sameKindFamily only allows lossless-looking conversions, e.g. a named
// string type to string, never int to string.
func sameKindFamily(a, b reflect.Kind) bool {
	return a == b
}
