package resp2

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/mediocregopher/redpub/internal/bytesutil"
	"github.com/mediocregopher/redpub/resp"
)

// Any represents any primitive go type, such as integers, floats, strings,
// bools, byte slices and slices of those, as well as error and
// resp.Marshaler/resp.Unmarshaler values.
//
// When marshaling, nil becomes the nil bulk string, strings and byte slices
// become bulk strings, integers become RESP integers, bools become 1 or 0 and
// slices become arrays.
//
// When unmarshaling, I must be nil (the message is discarded), a
// resp.Unmarshaler, or a pointer to one of: string, []byte, int, int64, bool,
// []string, [][]byte or interface{}. Unmarshaling into *interface{} produces
// string (simple strings), []byte (bulk strings), int64, Error, nil or
// []interface{} holding more of the same.
//
// A redis error reply is always returned as an Error wrapped in
// resp.ErrConnUsable, regardless of I.
type Any struct {
	I interface{}
}

// MarshalRESP implements the Marshaler method.
func (a Any) MarshalRESP(w io.Writer) error {
	switch v := a.I.(type) {
	case nil:
		_, err := w.Write(nilBulkString)
		return err
	case resp.Marshaler:
		return v.MarshalRESP(w)
	case error:
		return Error{E: v}.MarshalRESP(w)
	case string:
		return BulkString{S: v}.MarshalRESP(w)
	case []byte:
		return BulkStringBytes{B: v, MarshalNotNil: true}.MarshalRESP(w)
	case bool:
		if v {
			return Int{I: 1}.MarshalRESP(w)
		}
		return Int{I: 0}.MarshalRESP(w)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Int{I: anyIntToInt64(v)}.MarshalRESP(w)
	case float32:
		return BulkString{S: strconv.FormatFloat(float64(v), 'f', -1, 32)}.MarshalRESP(w)
	case float64:
		return BulkString{S: strconv.FormatFloat(v, 'f', -1, 64)}.MarshalRESP(w)
	case []string:
		if err := (ArrayHeader{N: len(v)}).MarshalRESP(w); err != nil {
			return err
		}
		for _, s := range v {
			if err := (BulkString{S: s}).MarshalRESP(w); err != nil {
				return err
			}
		}
		return nil
	case [][]byte:
		if err := (ArrayHeader{N: len(v)}).MarshalRESP(w); err != nil {
			return err
		}
		for _, b := range v {
			if err := (BulkStringBytes{B: b}).MarshalRESP(w); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		if err := (ArrayHeader{N: len(v)}).MarshalRESP(w); err != nil {
			return err
		}
		for _, el := range v {
			if err := (Any{I: el}).MarshalRESP(w); err != nil {
				return err
			}
		}
		return nil
	default:
		return resp.ErrConnUsable{Err: fmt.Errorf("cannot marshal type %T", a.I)}
	}
}

func anyIntToInt64(m interface{}) int64 {
	switch mt := m.(type) {
	case int:
		return int64(mt)
	case int8:
		return int64(mt)
	case int16:
		return int64(mt)
	case int32:
		return int64(mt)
	case int64:
		return mt
	case uint:
		return int64(mt)
	case uint8:
		return int64(mt)
	case uint16:
		return int64(mt)
	case uint32:
		return int64(mt)
	case uint64:
		return int64(mt)
	}
	panic(fmt.Sprintf("anyIntToInt64 got bad arg: %#v", m))
}

// UnmarshalRESP implements the Unmarshaler method.
func (a Any) UnmarshalRESP(br *bufio.Reader) error {
	if u, ok := a.I.(resp.Unmarshaler); ok {
		return u.UnmarshalRESP(br)
	}

	v, err := readAny(br)
	if err != nil {
		return err
	} else if respErr, ok := v.(Error); ok {
		return resp.ErrConnUsable{Err: respErr}
	} else if err := assign(a.I, v); err != nil {
		return resp.ErrConnUsable{Err: err}
	}
	return nil
}

func readAny(br *bufio.Reader) (interface{}, error) {
	b, err := br.Peek(1)
	if err != nil {
		return nil, err
	}

	switch b[0] {
	case simpleStrPrefix:
		var ss SimpleString
		err := ss.UnmarshalRESP(br)
		return ss.S, err
	case errPrefix:
		var e Error
		err := e.UnmarshalRESP(br)
		return e, err
	case intPrefix:
		var i Int
		err := i.UnmarshalRESP(br)
		return i.I, err
	case bulkStrPrefix:
		var bsb BulkStringBytes
		if err := bsb.UnmarshalRESP(br); err != nil {
			return nil, err
		} else if bsb.B == nil {
			return nil, nil
		}
		return bsb.B, nil
	case arrayPrefix:
		var ah ArrayHeader
		if err := ah.UnmarshalRESP(br); err != nil {
			return nil, err
		} else if ah.N < 0 {
			return nil, nil
		}
		arr := make([]interface{}, ah.N)
		for i := range arr {
			if arr[i], err = readAny(br); err != nil {
				return nil, err
			}
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unknown resp prefix %q", b[0])
	}
}

func toString(v interface{}) (string, error) {
	switch vv := v.(type) {
	case nil:
		return "", nil
	case string:
		return vv, nil
	case []byte:
		return string(vv), nil
	case int64:
		return strconv.FormatInt(vv, 10), nil
	default:
		return "", fmt.Errorf("cannot decode %T into string", v)
	}
}

func toBytes(v interface{}) ([]byte, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return vv, nil
	default:
		s, err := toString(v)
		return []byte(s), err
	}
}

func toInt64(v interface{}) (int64, error) {
	switch vv := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return vv, nil
	case string:
		return bytesutil.ParseInt([]byte(vv))
	case []byte:
		return bytesutil.ParseInt(vv)
	default:
		return 0, fmt.Errorf("cannot decode %T into integer", v)
	}
}

func toSlice(v interface{}) ([]interface{}, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return vv, nil
	default:
		return nil, fmt.Errorf("cannot decode %T into slice", v)
	}
}

var errNilPointer = errors.New("cannot decode into nil pointer")

func assign(dst, v interface{}) error {
	var err error
	switch d := dst.(type) {
	case nil:
		return nil
	case *interface{}:
		if d == nil {
			return errNilPointer
		}
		*d = v
	case *string:
		if d == nil {
			return errNilPointer
		}
		*d, err = toString(v)
	case *[]byte:
		if d == nil {
			return errNilPointer
		}
		*d, err = toBytes(v)
	case *int64:
		if d == nil {
			return errNilPointer
		}
		*d, err = toInt64(v)
	case *int:
		if d == nil {
			return errNilPointer
		}
		var i int64
		i, err = toInt64(v)
		*d = int(i)
	case *bool:
		if d == nil {
			return errNilPointer
		}
		var i int64
		i, err = toInt64(v)
		*d = i != 0
	case *[]string:
		if d == nil {
			return errNilPointer
		}
		var vv []interface{}
		if vv, err = toSlice(v); err != nil || vv == nil {
			*d = nil
			return err
		}
		out := make([]string, len(vv))
		for i := range vv {
			if out[i], err = toString(vv[i]); err != nil {
				return err
			}
		}
		*d = out
	case *[][]byte:
		if d == nil {
			return errNilPointer
		}
		var vv []interface{}
		if vv, err = toSlice(v); err != nil || vv == nil {
			*d = nil
			return err
		}
		out := make([][]byte, len(vv))
		for i := range vv {
			if out[i], err = toBytes(vv[i]); err != nil {
				return err
			}
		}
		*d = out
	default:
		return fmt.Errorf("cannot decode into %T", dst)
	}
	return err
}
