package xgb

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeUBJSON decodes a UBJSON document into the same generic shape that
// encoding/json produces: map[string]interface{}, []interface{}, string,
// bool, nil, float64 for floating types, and int64 for integer types.
//
// It covers the subset XGBoost emits, which includes strongly-typed and
// count-optimized containers. All multi-byte values are big-endian, per the
// UBJSON specification.
func DecodeUBJSON(data []byte) (interface{}, error) {
	var d = ubjsonDecoder{buf: data}
	value, err := d.readValue(0)
	if err != nil {
		return nil, err
	}
	return value, nil
}

type ubjsonDecoder struct {
	buf []byte
	pos int
}

// readValue decodes the next value. If marker is zero it is read from the
// stream; containers pass a pre-read element type for optimized layouts.
func (d *ubjsonDecoder) readValue(marker byte) (interface{}, error) {
	var err error
	if marker == 0 {
		if marker, err = d.readByte(); err != nil {
			return nil, err
		}
	}

	switch marker {
	case 'Z':
		return nil, nil
	case 'T':
		return true, nil
	case 'F':
		return false, nil
	case 'i':
		b, err := d.readByte()
		return int64(int8(b)), err
	case 'U':
		b, err := d.readByte()
		return int64(b), err
	case 'I':
		raw, err := d.readBytes(2)
		if err != nil {
			return nil, err
		}
		return int64(int16(binary.BigEndian.Uint16(raw))), nil
	case 'l':
		raw, err := d.readBytes(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.BigEndian.Uint32(raw))), nil
	case 'L':
		raw, err := d.readBytes(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(raw)), nil
	case 'd':
		raw, err := d.readBytes(4)
		if err != nil {
			return nil, err
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), nil
	case 'D':
		raw, err := d.readBytes(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	case 'C':
		b, err := d.readByte()
		return string(rune(b)), err
	case 'S', 'H':
		return d.readString()
	case '[':
		return d.readArray()
	case '{':
		return d.readObject()
	case 'N':
		// No-op; decode the following value.
		return d.readValue(0)
	default:
		return nil, fmt.Errorf("ubjson: unknown type marker %q at offset %d", marker, d.pos-1)
	}
}

// readArray decodes an array, handling the optional strongly-typed ($) and
// count-optimized (#) container forms.
func (d *ubjsonDecoder) readArray() (interface{}, error) {
	var elemType, count, err = d.readContainerHeader()
	if err != nil {
		return nil, err
	}

	var out []interface{}
	if count >= 0 {
		out = make([]interface{}, 0, count)
		for i := 0; i < count; i++ {
			v, err := d.readValue(elemType)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	for {
		marker, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if marker == ']' {
			return out, nil
		}
		v, err := d.readValue(marker)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

func (d *ubjsonDecoder) readObject() (interface{}, error) {
	var elemType, count, err = d.readContainerHeader()
	if err != nil {
		return nil, err
	}

	var out = map[string]interface{}{}
	if count >= 0 {
		for i := 0; i < count; i++ {
			key, err := d.readString()
			if err != nil {
				return nil, err
			}
			v, err := d.readValue(elemType)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	}

	for {
		marker, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if marker == '}' {
			return out, nil
		}
		// The marker read was the first byte of the key's length value.
		d.pos--
		key, err := d.readString()
		if err != nil {
			return nil, err
		}
		v, err := d.readValue(0)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
}

// readContainerHeader consumes an optional $type and #count. It returns
// elemType 0 for untyped containers and count -1 for unbounded ones.
func (d *ubjsonDecoder) readContainerHeader() (byte, int, error) {
	var elemType byte
	var count = -1

	marker, err := d.peekByte()
	if err != nil {
		return 0, 0, err
	}
	if marker == '$' {
		d.pos++
		if elemType, err = d.readByte(); err != nil {
			return 0, 0, err
		}
		if marker, err = d.peekByte(); err != nil {
			return 0, 0, err
		}
		if marker != '#' {
			return 0, 0, fmt.Errorf("ubjson: typed container missing count at offset %d", d.pos)
		}
	}
	if marker == '#' {
		d.pos++
		if count, err = d.readLength(); err != nil {
			return 0, 0, err
		}
	}
	return elemType, count, nil
}

// readLength reads an integer-typed value used as a string or container
// length.
func (d *ubjsonDecoder) readLength() (int, error) {
	var v, err = d.readValue(0)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("ubjson: expected integer length, got %T at offset %d", v, d.pos)
	}
	if n < 0 {
		return 0, fmt.Errorf("ubjson: negative length %d at offset %d", n, d.pos)
	}
	return int(n), nil
}

func (d *ubjsonDecoder) readString() (string, error) {
	var n, err = d.readLength()
	if err != nil {
		return "", err
	}
	raw, err := d.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (d *ubjsonDecoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("ubjson: unexpected end of input at offset %d", d.pos)
	}
	var b = d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *ubjsonDecoder) peekByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("ubjson: unexpected end of input at offset %d", d.pos)
	}
	return d.buf[d.pos], nil
}

func (d *ubjsonDecoder) readBytes(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("ubjson: unexpected end of input at offset %d", d.pos)
	}
	var out = d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}
