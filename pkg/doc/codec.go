package doc

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/astromechza/graphsync/pkg/clock"
)

// deltaFormat is bumped whenever the encoding changes incompatibly.
const deltaFormat = 1

// field numbers
const (
	deltaFormatField = 1
	deltaChangeField = 2

	changeOriginField  = 1
	changeSeqField     = 2
	changeLamportField = 3
	changeDepField     = 4
	changeTimeField    = 5
	changeOpField      = 6

	depOriginField = 1
	depSeqField    = 2

	opKindField   = 1
	opTargetField = 2
	opKeyField    = 3
	opFieldField  = 4
	opValueField  = 5
	opElemField   = 6
	opRefField    = 7

	valueKindField   = 1
	valueBoolField   = 2
	valueIntField    = 3
	valueFloatField  = 4
	valueStringField = 5

	refLamportField = 1
	refOriginField  = 2
)

var errTruncated = errors.New("truncated message")

func encodeDelta(changes []*Change) []byte {
	b := protowire.AppendTag(nil, deltaFormatField, protowire.VarintType)
	b = protowire.AppendVarint(b, deltaFormat)
	for _, c := range changes {
		b = protowire.AppendTag(b, deltaChangeField, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeChange(c))
	}
	return b
}

// encodeDeltas is encodeDelta split into deltas of at most maxBytes each. A
// change too large for the budget on its own gets a delta to itself.
func encodeDeltas(changes []*Change, maxBytes int) [][]byte {
	header := protowire.SizeTag(deltaFormatField) + protowire.SizeVarint(deltaFormat)
	var out [][]byte
	var b []byte
	for _, c := range changes {
		enc := encodeChange(c)
		size := protowire.SizeTag(deltaChangeField) + protowire.SizeBytes(len(enc))
		if b != nil && len(b)+size > maxBytes {
			out = append(out, b)
			b = nil
		}
		if b == nil {
			b = make([]byte, 0, header+size)
			b = protowire.AppendTag(b, deltaFormatField, protowire.VarintType)
			b = protowire.AppendVarint(b, deltaFormat)
		}
		b = protowire.AppendTag(b, deltaChangeField, protowire.BytesType)
		b = protowire.AppendBytes(b, enc)
	}
	if b != nil {
		out = append(out, b)
	}
	return out
}

func encodeChange(c *Change) []byte {
	var b []byte
	b = appendString(b, changeOriginField, c.Origin)
	b = appendVarint(b, changeSeqField, c.Seq)
	b = appendVarint(b, changeLamportField, c.Lamport)
	for _, origin := range c.Deps.Origins() {
		var dep []byte
		dep = appendString(dep, depOriginField, origin)
		dep = appendVarint(dep, depSeqField, c.Deps[origin])
		b = protowire.AppendTag(b, changeDepField, protowire.BytesType)
		b = protowire.AppendBytes(b, dep)
	}
	if !c.Time.IsZero() {
		b = appendVarint(b, changeTimeField, uint64(c.Time.UnixMilli()))
	}
	for _, op := range c.Ops {
		b = protowire.AppendTag(b, changeOpField, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(op))
	}
	return b
}

func encodeOp(op Op) []byte {
	var b []byte
	b = appendVarint(b, opKindField, uint64(op.Kind))
	b = appendString(b, opTargetField, op.Target)
	if op.Key != "" {
		b = appendString(b, opKeyField, op.Key)
	}
	if op.Field != "" {
		b = appendString(b, opFieldField, op.Field)
	}
	if op.Kind == OpSetField {
		b = protowire.AppendTag(b, opValueField, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeValue(op.Value))
	}
	if op.Kind == OpInsert {
		b = appendString(b, opElemField, op.Elem)
	}
	if !op.Ref.IsRoot() {
		var ref []byte
		ref = appendVarint(ref, refLamportField, op.Ref.Lamport)
		ref = appendString(ref, refOriginField, op.Ref.Origin)
		b = protowire.AppendTag(b, opRefField, protowire.BytesType)
		b = protowire.AppendBytes(b, ref)
	}
	return b
}

func encodeValue(v Value) []byte {
	b := appendVarint(nil, valueKindField, uint64(v.Kind()))
	switch v.Kind() {
	case KindBool:
		b = appendVarint(b, valueBoolField, protowire.EncodeBool(v.Bool()))
	case KindInt:
		b = appendVarint(b, valueIntField, protowire.EncodeZigZag(v.Int()))
	case KindFloat:
		b = protowire.AppendTag(b, valueFloatField, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v.Float()))
	case KindString:
		b = appendString(b, valueStringField, v.Str())
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// fieldReader walks the fields of one message and refuses anything it does not
// know, so that an incompatible encoding is never half understood.
type fieldReader struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func (r *fieldReader) next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return false
	}
	r.b = r.b[n:]
	r.num, r.typ = num, typ
	return true
}

func (r *fieldReader) expect(typ protowire.Type) bool {
	if r.typ != typ {
		r.err = fmt.Errorf("field %d has wire type %d, want %d", r.num, r.typ, typ)
		return false
	}
	return true
}

func (r *fieldReader) varint() uint64 {
	if !r.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) bytes() []byte {
	if !r.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) fixed64() uint64 {
	if !r.expect(protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) unknown() {
	r.err = fmt.Errorf("unknown field %d", r.num)
}

func decodeDelta(data []byte) ([]*Change, error) {
	if len(data) == 0 {
		return nil, errTruncated
	}
	r := &fieldReader{b: data}
	var format uint64
	var changes []*Change
	for r.next() {
		switch r.num {
		case deltaFormatField:
			format = r.varint()
			if r.err == nil && format != deltaFormat {
				return nil, fmt.Errorf("unsupported delta format %d", format)
			}
		case deltaChangeField:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			c, err := decodeChange(raw)
			if err != nil {
				return nil, fmt.Errorf("change %d: %w", len(changes), err)
			}
			changes = append(changes, c)
		default:
			r.unknown()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if format == 0 {
		return nil, errors.New("missing delta format")
	}
	return changes, nil
}

func decodeChange(data []byte) (*Change, error) {
	r := &fieldReader{b: data}
	c := &Change{Deps: clock.VersionVector{}}
	for r.next() {
		switch r.num {
		case changeOriginField:
			c.Origin = string(r.bytes())
		case changeSeqField:
			c.Seq = r.varint()
		case changeLamportField:
			c.Lamport = r.varint()
		case changeDepField:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			origin, seq, err := decodeDep(raw)
			if err != nil {
				return nil, err
			}
			c.Deps[origin] = seq
		case changeTimeField:
			c.Time = time.UnixMilli(int64(r.varint())).UTC()
		case changeOpField:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			op, err := decodeOp(raw)
			if err != nil {
				return nil, fmt.Errorf("op %d: %w", len(c.Ops), err)
			}
			c.Ops = append(c.Ops, op)
		default:
			r.unknown()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	c.Stamp.Ops = len(c.Ops)
	if err := validateChange(c); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeDep(data []byte) (string, uint64, error) {
	r := &fieldReader{b: data}
	var origin string
	var seq uint64
	for r.next() {
		switch r.num {
		case depOriginField:
			origin = string(r.bytes())
		case depSeqField:
			seq = r.varint()
		default:
			r.unknown()
		}
	}
	if r.err != nil {
		return "", 0, r.err
	}
	if origin == "" || seq == 0 {
		return "", 0, errors.New("invalid dependency")
	}
	return origin, seq, nil
}

func decodeOp(data []byte) (Op, error) {
	r := &fieldReader{b: data}
	var op Op
	for r.next() {
		switch r.num {
		case opKindField:
			op.Kind = OpKind(r.varint())
		case opTargetField:
			op.Target = string(r.bytes())
		case opKeyField:
			op.Key = string(r.bytes())
		case opFieldField:
			op.Field = string(r.bytes())
		case opValueField:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			v, err := decodeValue(raw)
			if err != nil {
				return Op{}, err
			}
			op.Value = v
		case opElemField:
			op.Elem = string(r.bytes())
		case opRefField:
			raw := r.bytes()
			if r.err != nil {
				break
			}
			ref, err := decodeRef(raw)
			if err != nil {
				return Op{}, err
			}
			op.Ref = ref
		default:
			r.unknown()
		}
	}
	return op, r.err
}

func decodeValue(data []byte) (Value, error) {
	r := &fieldReader{b: data}
	var kind Kind
	var v Value
	for r.next() {
		switch r.num {
		case valueKindField:
			kind = Kind(r.varint())
		case valueBoolField:
			v = Bool(protowire.DecodeBool(r.varint()))
		case valueIntField:
			v = Int(protowire.DecodeZigZag(r.varint()))
		case valueFloatField:
			v = Float(math.Float64frombits(r.fixed64()))
		case valueStringField:
			v = String(string(r.bytes()))
		default:
			r.unknown()
		}
	}
	if r.err != nil {
		return Null(), r.err
	}
	if kind > KindString {
		return Null(), fmt.Errorf("unknown value kind %d", kind)
	}
	if kind != v.Kind() {
		if kind == KindNull {
			return Null(), errors.New("null value with payload")
		}
		// zero payloads are written explicitly, so a mismatch is corruption
		return Null(), fmt.Errorf("value kind %s does not match payload", kind)
	}
	return v, nil
}

func decodeRef(data []byte) (clock.OpID, error) {
	r := &fieldReader{b: data}
	var id clock.OpID
	for r.next() {
		switch r.num {
		case refLamportField:
			id.Lamport = r.varint()
		case refOriginField:
			id.Origin = string(r.bytes())
		default:
			r.unknown()
		}
	}
	if r.err != nil {
		return clock.Root, r.err
	}
	if id.Lamport == 0 || id.Origin == "" {
		return clock.Root, errors.New("invalid element reference")
	}
	return id, nil
}

func validateChange(c *Change) error {
	switch {
	case c.Origin == "":
		return errors.New("missing origin")
	case c.Seq == 0:
		return errors.New("missing sequence number")
	case c.Lamport == 0:
		return errors.New("missing lamport time")
	case len(c.Ops) == 0:
		return errors.New("change without operations")
	case c.Lamport > math.MaxUint64-uint64(len(c.Ops)):
		return errors.New("lamport time overflows")
	}
	if _, self := c.Deps[c.Origin]; self {
		return errors.New("change depends on its own origin")
	}
	for i, op := range c.Ops {
		if err := validateOp(op); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

func validateOp(op Op) error {
	if !op.Kind.valid() {
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	if op.Target == "" {
		return errors.New("missing target")
	}
	switch op.Kind {
	case OpCreate, OpDelete:
		if op.Key == "" {
			return errors.New("missing key")
		}
	case OpSetField:
		if op.Key == "" || op.Field == "" {
			return errors.New("missing key or field")
		}
	case OpRemove:
		if op.Ref.IsRoot() {
			return errors.New("remove without element reference")
		}
	}
	return nil
}
