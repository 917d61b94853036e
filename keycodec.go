package kvtable

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/orderedcode"
)

// FlatMarshaler lets a key type choose its own byte form. The form must sort
// byte-lexicographically in the same order as the values it represents.
type FlatMarshaler interface {
	MarshalFlat(buf []byte) []byte
}

type FlatUnmarshaler interface {
	UnmarshalFlat(buf []byte) error
}

var (
	flatMarshalerType     = reflect.TypeOf((*FlatMarshaler)(nil)).Elem()
	flatUnmarshalerType   = reflect.TypeOf((*FlatUnmarshaler)(nil)).Elem()
	binaryMarshalerType   = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
	binaryUnmarshalerType = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()
	timeType              = reflect.TypeOf((*time.Time)(nil)).Elem()
	byteType              = reflect.TypeOf((byte)(0))
)

const (
	signBit       = uint64(1) << 63
	presentMarker = 0x01
)

var keyEncodings sync.Map

// keyEncoding flattens a key type into components. Each component has a fixed
// order-preserving byte form, and the components are framed with orderedcode
// strings, which keeps encoded keys prefix-free: enc(a) is never a proper
// prefix of enc(b), so enc(secondary) ++ enc(primary) sorts by secondary
// key first.
type keyEncoding struct {
	typ        reflect.Type
	components []*keyComponent
}

type keyComponent struct {
	Type    reflect.Type
	Path    string
	Getters []func(v reflect.Value, init bool) reflect.Value
	// Nullable components sit behind a pointer. A nil pointer encodes as an
	// empty part, anything else gets a presence byte in front.
	Nullable bool
	Encode  func(buf []byte, v reflect.Value) []byte
	Decode  func(b []byte, v reflect.Value) error
}

func (kc *keyComponent) valueIn(val reflect.Value, init bool) reflect.Value {
	for i := len(kc.Getters) - 1; i >= 0; i-- {
		if !val.IsValid() {
			return val
		}
		val = kc.Getters[i](val, init)
	}
	return val
}

func keyEncodingOf(typ reflect.Type) *keyEncoding {
	if e, ok := keyEncodings.Load(typ); ok {
		return e.(*keyEncoding)
	}
	enc := &keyEncoding{typ: typ}
	enumerateKeyComponents(typ, func(kc *keyComponent) {
		enc.components = append(enc.components, kc)
	})
	if len(enc.components) == 0 {
		panic(fmt.Errorf("key type %v has no encodable components", typ))
	}
	actual, _ := keyEncodings.LoadOrStore(typ, enc)
	return actual.(*keyEncoding)
}

func (enc *keyEncoding) encode(buf []byte, val reflect.Value) []byte {
	var scratch []byte
	for _, kc := range enc.components {
		cval := kc.valueIn(val, false)
		scratch = scratch[:0]
		if cval.IsValid() {
			if kc.Nullable {
				scratch = append(scratch, presentMarker)
			}
			scratch = kc.Encode(scratch, cval)
		}
		buf = must(orderedcode.Append(buf, string(scratch)))
	}
	return buf
}

// decode fills val (which must be settable) from the leading key in buf and
// returns the bytes that follow it.
func (enc *keyEncoding) decode(buf []byte, val reflect.Value) ([]byte, error) {
	if !val.CanSet() {
		panic(fmt.Errorf("keyEncoding must decode into a settable value, got %v", val.Type()))
	}
	s := string(buf)
	for _, kc := range enc.components {
		var part string
		var err error
		s, err = orderedcode.Parse(s, &part)
		if err != nil {
			return nil, dataErrf(buf, len(buf)-len(s), err, "invalid %v key", enc.typ)
		}
		if kc.Nullable {
			if part == "" {
				continue // nil pointer
			}
			if part[0] != presentMarker {
				return nil, dataErrf(buf, len(buf)-len(s), nil, "invalid %v key component %s: bad presence byte %02x", enc.typ, kc.Path, part[0])
			}
			part = part[1:]
		}
		cval := kc.valueIn(val, true)
		if err := kc.Decode([]byte(part), cval); err != nil {
			return nil, dataErrf(buf, len(buf)-len(s), err, "invalid %v key component %s", enc.typ, kc.Path)
		}
	}
	return buf[len(buf)-len(s):], nil
}

// split returns the length of the leading key in buf.
func (enc *keyEncoding) split(buf []byte) (int, error) {
	s := string(buf)
	for range enc.components {
		var err error
		s, err = orderedcode.Parse(s, new(string))
		if err != nil {
			return 0, dataErrf(buf, len(buf)-len(s), err, "invalid %v key", enc.typ)
		}
	}
	return len(buf) - len(s), nil
}

func (enc *keyEncoding) format(buf []byte) string {
	val := reflect.New(enc.typ).Elem()
	if _, err := enc.decode(buf, val); err != nil {
		return hexstr(buf)
	}
	return fmt.Sprint(val.Interface())
}

func enumerateKeyComponents(typ reflect.Type, f func(kc *keyComponent)) {
	if typ == timeType {
		// Seconds then nanoseconds, so the whole time.Time range fits; UnixNano
		// overflows outside 1678-2262. Decoded times are in UTC.
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				t := v.Interface().(time.Time)
				buf = binary.BigEndian.AppendUint64(buf, uint64(t.Unix())^signBit)
				return binary.BigEndian.AppendUint32(buf, uint32(t.Nanosecond()))
			},
			Decode: func(b []byte, v reflect.Value) error {
				if len(b) != 12 {
					return fmt.Errorf("invalid time.Time length: got %d bytes, wanted 12", len(b))
				}
				sec := int64(binary.BigEndian.Uint64(b) ^ signBit)
				nsec := binary.BigEndian.Uint32(b[8:])
				if nsec >= 1e9 {
					return fmt.Errorf("invalid time.Time nanoseconds %d", nsec)
				}
				v.Set(reflect.ValueOf(time.Unix(sec, int64(nsec)).UTC()))
				return nil
			},
		})
		return
	}
	if typ.Implements(flatMarshalerType) && reflect.PointerTo(typ).Implements(flatUnmarshalerType) {
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return v.Interface().(FlatMarshaler).MarshalFlat(buf)
			},
			Decode: func(b []byte, v reflect.Value) error {
				return v.Addr().Interface().(FlatUnmarshaler).UnmarshalFlat(b)
			},
		})
		return
	}
	if ptrType := reflect.PointerTo(typ); ptrType.Implements(binaryMarshalerType) && ptrType.Implements(binaryUnmarshalerType) {
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				p := reflect.New(typ)
				p.Elem().Set(v)
				data, err := p.Interface().(encoding.BinaryMarshaler).MarshalBinary()
				if err != nil {
					panic(fmt.Errorf("%v.MarshalBinary: %w", typ, err))
				}
				return append(buf, data...)
			},
			Decode: func(b []byte, v reflect.Value) error {
				return v.Addr().Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(b)
			},
		})
		return
	}
	switch typ.Kind() {
	case reflect.String:
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return append(buf, v.String()...)
			},
			Decode: func(b []byte, v reflect.Value) error {
				v.SetString(string(b))
				return nil
			},
		})
	case reflect.Bool:
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				if v.Bool() {
					return append(buf, 1)
				}
				return append(buf, 0)
			},
			Decode: func(b []byte, v reflect.Value) error {
				if len(b) != 1 || b[0] > 1 {
					return fmt.Errorf("invalid bool %x", b)
				}
				v.SetBool(b[0] == 1)
				return nil
			},
		})
	case reflect.Uint, reflect.Uint64, reflect.Uint32, reflect.Uint16, reflect.Uint8, reflect.Uintptr:
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return binary.BigEndian.AppendUint64(buf, v.Uint())
			},
			Decode: func(b []byte, v reflect.Value) error {
				if len(b) != 8 {
					return fmt.Errorf("invalid uint length: got %d bytes, wanted 8", len(b))
				}
				v.SetUint(binary.BigEndian.Uint64(b))
				return nil
			},
		})
	case reflect.Int, reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8:
		// Two's complement puts negative numbers after positive ones in byte
		// order; flipping the sign bit fixes that.
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return binary.BigEndian.AppendUint64(buf, uint64(v.Int())^signBit)
			},
			Decode: func(b []byte, v reflect.Value) error {
				if len(b) != 8 {
					return fmt.Errorf("invalid int length: got %d bytes, wanted 8", len(b))
				}
				v.SetInt(int64(binary.BigEndian.Uint64(b) ^ signBit))
				return nil
			},
		})
	case reflect.Float64, reflect.Float32:
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return binary.BigEndian.AppendUint64(buf, encodeFloatBits(v.Float()))
			},
			Decode: func(b []byte, v reflect.Value) error {
				if len(b) != 8 {
					return fmt.Errorf("invalid float length: got %d bytes, wanted 8", len(b))
				}
				v.SetFloat(decodeFloatBits(binary.BigEndian.Uint64(b)))
				return nil
			},
		})
	case reflect.Ptr:
		elemType := typ.Elem()
		get := func(v reflect.Value, init bool) reflect.Value {
			if v.IsNil() {
				if !init {
					return reflect.Value{}
				}
				v.Set(reflect.New(elemType))
			}
			return v.Elem()
		}
		enumerateKeyComponents(elemType, func(kc *keyComponent) {
			kc.Getters = append(kc.Getters, get)
			kc.Nullable = true
			f(kc)
		})
	case reflect.Struct:
		n := typ.NumField()
		for i := 0; i < n; i++ {
			field := typ.Field(i)
			if !field.IsExported() {
				continue
			}
			get := func(v reflect.Value, init bool) reflect.Value {
				return v.Field(i)
			}
			enumerateKeyComponents(field.Type, func(kc *keyComponent) {
				kc.Getters = append(kc.Getters, get)
				kc.Path = "." + field.Name + kc.Path
				f(kc)
			})
		}
	case reflect.Slice:
		if typ.Elem() != byteType {
			panic(fmt.Errorf("kvtable does not know how to encode slice %v", typ))
		}
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				return append(buf, v.Bytes()...)
			},
			Decode: func(b []byte, v reflect.Value) error {
				if len(b) == 0 {
					v.SetZero()
					return nil
				}
				v.Set(reflect.ValueOf(cloneBytes(b)).Convert(typ))
				return nil
			},
		})
	case reflect.Array:
		if typ.Elem() != byteType {
			panic(fmt.Errorf("kvtable does not know how to encode array %v", typ))
		}
		f(&keyComponent{
			Type: typ,
			Encode: func(buf []byte, v reflect.Value) []byte {
				off := len(buf)
				buf = slices.Grow(buf, v.Len())[:off+v.Len()]
				reflect.Copy(reflect.ValueOf(buf[off:]), v)
				return buf
			},
			Decode: func(b []byte, v reflect.Value) error {
				if len(b) != v.Len() {
					return fmt.Errorf("invalid %v length: got %d bytes, wanted %d", typ, len(b), v.Len())
				}
				reflect.Copy(v, reflect.ValueOf(b))
				return nil
			},
		})
	default:
		panic(fmt.Errorf("kvtable does not know how to encode %v", typ))
	}
}

func encodeFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&signBit != 0 {
		return ^bits
	}
	return bits | signBit
}

func decodeFloatBits(bits uint64) float64 {
	if bits&signBit != 0 {
		return math.Float64frombits(bits &^ signBit)
	}
	return math.Float64frombits(^bits)
}
