// Package modbus implements the Modbus TCP/RTU adapter (spec §4.3): a
// register-descriptor-driven scan loop plus a single-register write path,
// wired onto the shared adapter.Session lifecycle.
package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cuemby/derconn/pkg/adaptererr"
)

// RegisterType names the Modbus table a register lives in.
type RegisterType string

const (
	RegisterHolding  RegisterType = "holding"
	RegisterInput    RegisterType = "input"
	RegisterCoil     RegisterType = "coil"
	RegisterDiscrete RegisterType = "discrete"
)

// DataType names the wire encoding of a register's value.
type DataType string

const (
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
	DataTypeBool    DataType = "bool"
	DataTypeBuffer  DataType = "buffer"
)

// ByteOrder names the word order used to decode multi-register values.
type ByteOrder string

const (
	ByteOrderBE ByteOrder = "BE"
	ByteOrderLE ByteOrder = "LE"
)

// RegisterDescriptor declares one named datapoint's location and encoding
// (spec §4.3). Access defaults to read-write unless ReadOnly is set.
type RegisterDescriptor struct {
	Name      string
	Type      RegisterType
	Address   uint16
	Length    uint16 // number of 16-bit registers; not read: the read width comes from DataType
	DataType  DataType
	Scale     float64
	ByteOrder ByteOrder
	Unit      string
	BitOffset int // for DataTypeBool read from a holding/input register
	ReadOnly  bool
}

// registerWidth returns how many 16-bit registers DataType spans.
func registerWidth(dt DataType) uint16 {
	switch dt {
	case DataTypeInt32, DataTypeUint32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

// Decode interprets raw (a buffer of 16-bit-register-aligned bytes) per
// rd's DataType, ByteOrder and Scale. Returns an error for a short buffer
// or an unrecognized DataType, which the scan loop treats as a skip.
func Decode(rd RegisterDescriptor, raw []byte) (float64, error) {
	switch rd.DataType {
	case DataTypeBool:
		if rd.Type == RegisterCoil || rd.Type == RegisterDiscrete {
			if len(raw) < 1 {
				return 0, adaptererr.New(adaptererr.KindProtocolViolation, "short buffer for bool register")
			}
			if raw[0] != 0 {
				return 1, nil
			}
			return 0, nil
		}
		if len(raw) < 2 {
			return 0, adaptererr.New(adaptererr.KindProtocolViolation, "short buffer for bit-packed bool register")
		}
		word := binary.BigEndian.Uint16(raw)
		bit := (word >> uint(rd.BitOffset)) & 0x1
		return float64(bit), nil
	case DataTypeInt16:
		if len(raw) < 2 {
			return 0, adaptererr.New(adaptererr.KindProtocolViolation, "short buffer for int16 register")
		}
		v := int16(binary.BigEndian.Uint16(raw))
		return applyScale(float64(v), rd.Scale), nil
	case DataTypeUint16:
		if len(raw) < 2 {
			return 0, adaptererr.New(adaptererr.KindProtocolViolation, "short buffer for uint16 register")
		}
		v := binary.BigEndian.Uint16(raw)
		return applyScale(float64(v), rd.Scale), nil
	case DataTypeInt32:
		u, err := decodeUint32(rd, raw)
		if err != nil {
			return 0, err
		}
		return applyScale(float64(int32(u)), rd.Scale), nil
	case DataTypeUint32:
		u, err := decodeUint32(rd, raw)
		if err != nil {
			return 0, err
		}
		return applyScale(float64(u), rd.Scale), nil
	case DataTypeFloat32:
		u, err := decodeUint32(rd, raw)
		if err != nil {
			return 0, err
		}
		return applyScale(float64(math.Float32frombits(u)), rd.Scale), nil
	default:
		return 0, adaptererr.New(adaptererr.KindProtocolViolation, fmt.Sprintf("unsupported data type %q for decode", rd.DataType))
	}
}

func decodeUint32(rd RegisterDescriptor, raw []byte) (uint32, error) {
	if len(raw) < 4 {
		return 0, adaptererr.New(adaptererr.KindProtocolViolation, "short buffer for 32-bit register")
	}
	hi, lo := raw[0:2], raw[2:4]
	if rd.ByteOrder == ByteOrderLE {
		hi, lo = lo, hi
	}
	var b [4]byte
	copy(b[0:2], hi)
	copy(b[2:4], lo)
	return binary.BigEndian.Uint32(b[:]), nil
}

func applyScale(v, scale float64) float64 {
	if scale == 0 {
		return v
	}
	return v * scale
}

// Encode inverts Decode for the write path (spec §4.3: "applies 1/scale
// inversion"), producing a register-aligned byte buffer sized to
// registerWidth(rd.DataType) * 2 bytes, except DataTypeBool, which
// encodes to a single byte for a coil write.
func Encode(rd RegisterDescriptor, value float64) ([]byte, error) {
	inv := value
	if rd.Scale != 0 {
		inv = value / rd.Scale
	}

	switch rd.DataType {
	case DataTypeBool:
		if inv != 0 {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case DataTypeInt16, DataTypeUint16:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(inv)))
		return buf, nil
	case DataTypeInt32, DataTypeUint32:
		return encodeUint32(rd, uint32(int32(inv)))
	case DataTypeFloat32:
		return encodeUint32(rd, math.Float32bits(float32(inv)))
	default:
		return nil, adaptererr.New(adaptererr.KindProtocolViolation, fmt.Sprintf("unsupported data type %q for encode", rd.DataType))
	}
}

func encodeUint32(rd RegisterDescriptor, u uint32) ([]byte, error) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], u)
	hi, lo := b[0:2], b[2:4]
	if rd.ByteOrder == ByteOrderLE {
		hi, lo = lo, hi
	}
	out := make([]byte, 4)
	copy(out[0:2], hi)
	copy(out[2:4], lo)
	return out, nil
}
