// Package protocol is the six-byte frame the knob firmware writes to its
// serial link:
//
//	0x69 0x69 type hi lo xor
//
// hi/lo carry a big-endian int16 and xor covers type, hi and lo.
package protocol

import (
	"errors"
	"strconv"
)

type FrameType uint8

const (
	TypePosition FrameType = iota + 1 // value is the position
	TypePress                         // value is the press code
	TypeSwitch                        // value is 1 when the pin reads high
)

const (
	Signature uint8 = 0x69
	FrameLen        = 6
)

var (
	ErrShort     = errors.New("protocol: short frame")
	ErrSignature = errors.New("protocol: bad signature")
	ErrChecksum  = errors.New("protocol: bad checksum")
)

type Frame struct {
	Type  FrameType
	Value int16
}

func checksum(t, hi, lo byte) byte { return t ^ hi ^ lo }

// Marshal appends the encoded frame to dst.
func Marshal(dst []byte, f Frame) []byte {
	t, hi, lo := byte(f.Type), byte(uint16(f.Value)>>8), byte(uint16(f.Value))
	return append(dst, Signature, Signature, t, hi, lo, checksum(t, hi, lo))
}

// Unmarshal decodes exactly one frame from the start of data.
func Unmarshal(data []byte) (Frame, error) {
	if len(data) < FrameLen {
		return Frame{}, ErrShort
	}
	if data[0] != Signature || data[1] != Signature {
		return Frame{}, ErrSignature
	}
	if checksum(data[2], data[3], data[4]) != data[5] {
		return Frame{}, ErrChecksum
	}
	return Frame{
		Type:  FrameType(data[2]),
		Value: int16(uint16(data[3])<<8 | uint16(data[4])),
	}, nil
}

func (t FrameType) String() string {
	switch t {
	case TypePosition:
		return "position"
	case TypePress:
		return "press"
	case TypeSwitch:
		return "switch"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

var pressNames = [...]string{"none", "long", "short", "timeout"}

func (f Frame) String() string {
	switch f.Type {
	case TypePress:
		if f.Value >= 0 && int(f.Value) < len(pressNames) {
			return "press " + pressNames[f.Value]
		}
	case TypeSwitch:
		if f.Value != 0 {
			return "switch high"
		}
		return "switch low"
	}
	return f.Type.String() + " " + strconv.Itoa(int(f.Value))
}

// Decoder pulls frames out of a byte stream. Bytes before a signature are
// skipped; frames with a bad checksum are dropped and scanning resumes one
// byte after their first signature byte.
type Decoder struct {
	buf     []byte
	Dropped int // bytes skipped while resynchronising
	BadSums int
}

// Feed appends p and returns every complete frame now available.
func (d *Decoder) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)
	var out []Frame
	i := 0
	for len(d.buf)-i >= FrameLen {
		if d.buf[i] != Signature || d.buf[i+1] != Signature {
			i++
			d.Dropped++
			continue
		}
		f, err := Unmarshal(d.buf[i:])
		if err != nil {
			i++
			d.BadSums++
			continue
		}
		out = append(out, f)
		i += FrameLen
	}
	// Keep a partial tail, dropping a lone non-signature byte.
	rest := d.buf[i:]
	for len(rest) > 0 && rest[0] != Signature {
		rest = rest[1:]
		d.Dropped++
	}
	d.buf = append(d.buf[:0], rest...)
	return out
}
