// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"math"
	"reflect"

	"github.com/grailbio/base/errors"
)

// Marshaler is implemented by user-defined aggregates that provide
// their own wire layout. MarshalWire must write fields in a fixed
// order that UnmarshalWire reads back exactly.
type Marshaler interface {
	MarshalWire(b *Buffer)
}

// Unmarshaler is the decoding counterpart of Marshaler.
type Unmarshaler interface {
	UnmarshalWire(d *Decoder)
}

var (
	typeOfMarshaler   = reflect.TypeOf((*Marshaler)(nil)).Elem()
	typeOfUnmarshaler = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
	typeOfBytes       = reflect.TypeOf([]byte(nil))
)

// Encode appends the wire encoding of v to b. Supported values are
// booleans, fixed-size integers and floats, strings, byte slices,
// slices of supported values, structs whose exported fields are
// supported values (encoded in declaration order; unexported fields
// are skipped), and types implementing Marshaler. Encoding an
// unsupported value panics with a fatal error: the set of wire types
// is closed by construction, so an unsupported value is a programming
// error, not input to validate.
func Encode(b *Buffer, v interface{}) {
	if m, ok := v.(Marshaler); ok {
		m.MarshalWire(b)
		return
	}
	EncodeValue(b, reflect.ValueOf(v))
}

// EncodeValue is Encode on an already-reflected value.
func EncodeValue(b *Buffer, v reflect.Value) {
	if v.Type().Implements(typeOfMarshaler) {
		v.Interface().(Marshaler).MarshalWire(b)
		return
	}
	if v.CanAddr() && v.Addr().Type().Implements(typeOfMarshaler) {
		v.Addr().Interface().(Marshaler).MarshalWire(b)
		return
	}
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			b.WriteUint8(1)
		} else {
			b.WriteUint8(0)
		}
	case reflect.Int8:
		b.WriteUint8(byte(v.Int()))
	case reflect.Int16:
		b.WriteUint16(uint16(v.Int()))
	case reflect.Int32:
		b.WriteUint32(uint32(v.Int()))
	case reflect.Int, reflect.Int64:
		b.WriteUint64(uint64(v.Int()))
	case reflect.Uint8:
		b.WriteUint8(byte(v.Uint()))
	case reflect.Uint16:
		b.WriteUint16(uint16(v.Uint()))
	case reflect.Uint32:
		b.WriteUint32(uint32(v.Uint()))
	case reflect.Uint, reflect.Uint64:
		b.WriteUint64(v.Uint())
	case reflect.Float32:
		b.WriteUint32(math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		b.WriteUint64(math.Float64bits(v.Float()))
	case reflect.String:
		s := v.String()
		b.WriteUint32(uint32(len(s)))
		b.Write([]byte(s))
	case reflect.Slice:
		if v.Type() == typeOfBytes {
			p := v.Bytes()
			b.WriteUint32(uint32(len(p)))
			b.Write(p)
			return
		}
		n := v.Len()
		b.WriteUint32(uint32(n))
		for i := 0; i < n; i++ {
			EncodeValue(b, v.Index(i))
		}
	case reflect.Struct:
		typ := v.Type()
		for i := 0; i < typ.NumField(); i++ {
			if typ.Field(i).PkgPath != "" { // unexported
				continue
			}
			EncodeValue(b, v.Field(i))
		}
	default:
		panic(errors.E(errors.Fatal, fmt.Errorf("wire: cannot encode value of type %s", v.Type())))
	}
}

// A Decoder consumes the wire encoding from a byte slice. Reads past
// the end of the available bytes panic with a fatal error.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns a decoder reading from p.
func NewDecoder(p []byte) *Decoder {
	return &Decoder{buf: p}
}

// Remaining returns the number of unconsumed bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) require(n int) {
	if d.off+n > len(d.buf) {
		panic(errors.E(errors.Fatal,
			fmt.Errorf("wire: decode past end of buffer: need %d bytes at offset %d of %d", n, d.off, len(d.buf))))
	}
}

// Byte consumes and returns one byte.
func (d *Decoder) Byte() byte {
	d.require(1)
	c := d.buf[d.off]
	d.off++
	return c
}

// Uint16 consumes a little-endian uint16.
func (d *Decoder) Uint16() uint16 {
	d.require(2)
	v := uint16(d.buf[d.off]) | uint16(d.buf[d.off+1])<<8
	d.off += 2
	return v
}

// Uint32 consumes a little-endian uint32.
func (d *Decoder) Uint32() uint32 {
	d.require(4)
	v := uint32(d.buf[d.off]) | uint32(d.buf[d.off+1])<<8 |
		uint32(d.buf[d.off+2])<<16 | uint32(d.buf[d.off+3])<<24
	d.off += 4
	return v
}

// Uint64 consumes a little-endian uint64.
func (d *Decoder) Uint64() uint64 {
	lo := d.Uint32()
	hi := d.Uint32()
	return uint64(lo) | uint64(hi)<<32
}

// Next consumes and returns the next n bytes. The returned slice
// aliases the decoder's underlying storage.
func (d *Decoder) Next(n int) []byte {
	d.require(n)
	p := d.buf[d.off : d.off+n]
	d.off += n
	return p
}

// Decode reads the wire encoding of *v from d. v must be a non-nil
// pointer to a supported type; see Encode for the supported set.
func Decode(d *Decoder, v interface{}) {
	if u, ok := v.(Unmarshaler); ok {
		u.UnmarshalWire(d)
		return
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		panic(errors.E(errors.Fatal, fmt.Errorf("wire: decode target must be a non-nil pointer, got %T", v)))
	}
	DecodeValue(d, rv.Elem())
}

// DecodeValue is Decode on an already-reflected, settable value.
func DecodeValue(d *Decoder, v reflect.Value) {
	if v.CanAddr() && v.Addr().Type().Implements(typeOfUnmarshaler) {
		v.Addr().Interface().(Unmarshaler).UnmarshalWire(d)
		return
	}
	if v.Kind() == reflect.Ptr && v.Type().Implements(typeOfUnmarshaler) {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v.Interface().(Unmarshaler).UnmarshalWire(d)
		return
	}
	switch v.Kind() {
	case reflect.Bool:
		v.SetBool(d.Byte() != 0)
	case reflect.Int8:
		v.SetInt(int64(int8(d.Byte())))
	case reflect.Int16:
		v.SetInt(int64(int16(d.Uint16())))
	case reflect.Int32:
		v.SetInt(int64(int32(d.Uint32())))
	case reflect.Int, reflect.Int64:
		v.SetInt(int64(d.Uint64()))
	case reflect.Uint8:
		v.SetUint(uint64(d.Byte()))
	case reflect.Uint16:
		v.SetUint(uint64(d.Uint16()))
	case reflect.Uint32:
		v.SetUint(uint64(d.Uint32()))
	case reflect.Uint, reflect.Uint64:
		v.SetUint(d.Uint64())
	case reflect.Float32:
		v.SetFloat(float64(math.Float32frombits(d.Uint32())))
	case reflect.Float64:
		v.SetFloat(math.Float64frombits(d.Uint64()))
	case reflect.String:
		n := int(d.Uint32())
		v.SetString(string(d.Next(n)))
	case reflect.Slice:
		n := int(d.Uint32())
		if v.Type() == typeOfBytes {
			p := make([]byte, n)
			copy(p, d.Next(n))
			v.SetBytes(p)
			return
		}
		s := reflect.MakeSlice(v.Type(), n, n)
		for i := 0; i < n; i++ {
			DecodeValue(d, s.Index(i))
		}
		v.Set(s)
	case reflect.Struct:
		typ := v.Type()
		for i := 0; i < typ.NumField(); i++ {
			if typ.Field(i).PkgPath != "" {
				continue
			}
			DecodeValue(d, v.Field(i))
		}
	default:
		panic(errors.E(errors.Fatal, fmt.Errorf("wire: cannot decode value of type %s", v.Type())))
	}
}
