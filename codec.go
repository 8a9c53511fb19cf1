package m2mi

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	formatV1 byte = 0x01

	argValue  byte = 0x00
	argHandle byte = 0x01

	msgpackNil byte = 0xc0
)

const (
	fieldGroup     protowire.Number = 1
	fieldInterface protowire.Number = 2
	fieldMethod    protowire.Number = 3
	fieldSignature protowire.Number = 4
	fieldArg       protowire.Number = 5
	fieldOrigin    protowire.Number = 6
)

// errEcho marks a frame sent by the decoding layer itself.
var errEcho = errors.New("codec: own frame looped back")

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return h
}()

// marshalInvocation builds the frame carrying `inv`: the 8 bytes prefix
// followed by the envelope. `origin` identifies the sending layer.
func marshalInvocation(inv *Invocation, origin uuid.UUID) ([]byte, error) {
	md := inv.Method()
	buf := make([]byte, 0, 128)
	buf = append(buf, inv.addr.Prefix()...)
	buf = append(buf, formatV1, byte(inv.kind))

	if id, ok := inv.addr.GroupID(); ok {
		buf = protowire.AppendTag(buf, fieldGroup, protowire.BytesType)
		buf = protowire.AppendBytes(buf, id[:])
	}
	buf = protowire.AppendTag(buf, fieldInterface, protowire.BytesType)
	buf = protowire.AppendString(buf, inv.iface.name)
	buf = protowire.AppendTag(buf, fieldMethod, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(inv.method))
	buf = protowire.AppendTag(buf, fieldSignature, protowire.BytesType)
	buf = protowire.AppendString(buf, md.Signature)

	for i, arg := range inv.args {
		payload, err := encodeArg(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", i, md.Signature, err)
		}
		buf = protowire.AppendTag(buf, fieldArg, protowire.BytesType)
		buf = protowire.AppendBytes(buf, payload)
	}
	buf = protowire.AppendTag(buf, fieldOrigin, protowire.BytesType)
	buf = protowire.AppendBytes(buf, origin[:])
	return buf, nil
}

func encodeArg(v reflect.Value) ([]byte, error) {
	if h, ok := handleOf(v); ok {
		return appendHandleRef([]byte{argHandle}, h), nil
	}
	if v.IsValid() && v.Kind() == reflect.Interface && !v.IsNil() {
		return nil, fmt.Errorf("%w: %s can only be sent as a handle, got %s", ErrInvalidArgument, v.Type(), v.Elem().Type())
	}

	var val any
	if v.IsValid() {
		val = v.Interface()
	}
	payload := []byte{argValue}
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(val); err != nil {
		return nil, err
	}
	return append(payload, out...), nil
}

func handleOf(v reflect.Value) (Handle, bool) {
	if !v.IsValid() {
		return nil, false
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, false
		}
	}
	h, ok := v.Interface().(Handle)
	return h, ok
}

func appendHandleRef(buf []byte, h Handle) []byte {
	id := h.GroupID()
	buf = append(buf, byte(h.Kind()))
	buf = append(buf, id[:]...)
	return append(buf, h.Interface().Name()...)
}

// frameError wraps a decoding failure.
func frameError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFrame, fmt.Sprintf(format, args...))
}

type envelope struct {
	kind      Kind
	group     GroupID
	hasGroup  bool
	iface     string
	method    uint64
	hasMethod bool
	signature string
	args      [][]byte
	origin    uuid.UUID
}

// unmarshalInvocation decodes a frame against the interfaces known to this
// layer. The prefix is checked against the decoded address.
func (l *Layer) unmarshalInvocation(frame []byte) (*Invocation, error) {
	hash, err := parsePrefix(frame)
	if err != nil {
		return nil, err
	}
	body := frame[PrefixLength:]
	if len(body) < 2 {
		return nil, frameError("truncated envelope")
	}
	if body[0] != formatV1 {
		return nil, fmt.Errorf("%w: envelope format %#02x", ErrUnknownFormat, body[0])
	}

	env, err := parseEnvelope(body[1:])
	if err != nil {
		return nil, err
	}
	if env.origin == l.id {
		return nil, errEcho
	}
	if !env.kind.valid() {
		return nil, frameError("unknown kind %d", env.kind)
	}
	if env.kind != KindBroadcast && !env.hasGroup {
		return nil, frameError("%s envelope without group", env.kind)
	}
	if !env.hasMethod {
		return nil, frameError("envelope without method")
	}

	desc, ok := l.catalog.lookup(env.iface)
	if !ok {
		return nil, frameError("unknown interface %q", env.iface)
	}
	if env.method >= uint64(len(desc.methods)) {
		return nil, frameError("%s has no method %d", desc.name, env.method)
	}
	md := desc.methods[env.method]
	if md.Signature != env.signature {
		return nil, frameError("signature mismatch: got %s, know %s", env.signature, md.Signature)
	}
	if len(env.args) != len(md.ArgTypes) {
		return nil, frameError("%s takes %d arguments, got %d", md.Signature, len(md.ArgTypes), len(env.args))
	}

	args := make([]reflect.Value, len(env.args))
	for i, raw := range env.args {
		args[i], err = l.decodeArg(raw, md.ArgTypes[i])
		if err != nil {
			return nil, frameError("argument %d of %s: %s", i, md.Signature, err)
		}
	}

	inv, err := newInvocation(env.kind, env.group, desc, md.Index, args)
	if err != nil {
		return nil, frameError("%s", err)
	}
	if inv.addr.Hash() != hash {
		return nil, frameError("prefix %08x does not match %s", hash, inv.addr)
	}
	return inv, nil
}

func parseEnvelope(b []byte) (*envelope, error) {
	env := &envelope{kind: Kind(b[0])}
	b = b[1:]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, frameError("%s", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldGroup && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, frameError("group: %s", protowire.ParseError(n))
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return nil, frameError("group: %s", err)
			}
			env.group, env.hasGroup = GroupID(id), true
			b = b[n:]
		case num == fieldInterface && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, frameError("interface: %s", protowire.ParseError(n))
			}
			env.iface = v
			b = b[n:]
		case num == fieldMethod && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, frameError("method: %s", protowire.ParseError(n))
			}
			env.method, env.hasMethod = v, true
			b = b[n:]
		case num == fieldSignature && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, frameError("signature: %s", protowire.ParseError(n))
			}
			env.signature = v
			b = b[n:]
		case num == fieldArg && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, frameError("argument: %s", protowire.ParseError(n))
			}
			env.args = append(env.args, v)
			b = b[n:]
		case num == fieldOrigin && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, frameError("origin: %s", protowire.ParseError(n))
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return nil, frameError("origin: %s", err)
			}
			env.origin = id
			b = b[n:]
		default:
			// Newer peers may add fields.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, frameError("field %d: %s", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return env, nil
}

func (l *Layer) decodeArg(raw []byte, typ reflect.Type) (reflect.Value, error) {
	if len(raw) == 0 {
		return reflect.Value{}, fmt.Errorf("empty argument")
	}

	switch raw[0] {
	case argValue:
		if typ.Kind() == reflect.Interface {
			// interfaces carry handles, or nothing.
			if len(raw) != 2 || raw[1] != msgpackNil {
				return reflect.Value{}, fmt.Errorf("%s expects a handle reference", typ)
			}
			return reflect.Zero(typ), nil
		}
		ptr := reflect.New(typ)
		if err := codec.NewDecoderBytes(raw[1:], msgpackHandle).Decode(ptr.Interface()); err != nil {
			return reflect.Value{}, err
		}
		return ptr.Elem(), nil
	case argHandle:
		h, err := l.parseHandleRef(raw[1:])
		if err != nil {
			return reflect.Value{}, err
		}
		hv, err := wrapHandle(h, typ)
		if err != nil {
			return reflect.Value{}, err
		}
		v := reflect.New(typ).Elem()
		v.Set(hv)
		return v, nil
	default:
		return reflect.Value{}, fmt.Errorf("unknown argument tag %#02x", raw[0])
	}
}

func (l *Layer) parseHandleRef(b []byte) (Handle, error) {
	if len(b) < 1+len(uuid.UUID{}) {
		return nil, fmt.Errorf("truncated handle reference")
	}
	kind := Kind(b[0])
	id, err := uuid.FromBytes(b[1:17])
	if err != nil {
		return nil, err
	}
	return l.handleFromRef(kind, GroupID(id), string(b[17:]))
}

// handleFromRef rebuilds a handle received from elsewhere. Nothing gets
// exported.
func (l *Layer) handleFromRef(kind Kind, id GroupID, name string) (Handle, error) {
	desc, ok := l.catalog.lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown interface %q", name)
	}
	switch kind {
	case KindBroadcast:
		return &BroadcastHandle{handle{layer: l, kind: kind, iface: desc, group: Wildcard}}, nil
	case KindGroup, KindSingle:
		if id.IsWildcard() {
			return nil, fmt.Errorf("%s handle reference without group", kind)
		}
		if kind == KindGroup {
			return &GroupHandle{handle{layer: l, kind: kind, iface: desc, group: id}}, nil
		}
		return &SingleHandle{handle{layer: l, kind: kind, iface: desc, group: id}}, nil
	default:
		return nil, fmt.Errorf("unknown handle kind %d", kind)
	}
}

// MarshalHandle encodes a handle so that it can be given to another layer
// out of band, e.g. in a file or a configuration.
func MarshalHandle(h Handle) []byte {
	return appendHandleRef(make([]byte, 0, 17+len(h.Interface().Name())), h)
}

// UnmarshalHandle rebuilds a handle encoded by `MarshalHandle`. Its
// interface must be known to this layer.
func (l *Layer) UnmarshalHandle(b []byte) (Handle, error) {
	h, err := l.parseHandleRef(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return h, nil
}
