package wsgate

import (
	"encoding/binary"
	"fmt"
)

// Constants defined by RFC6455.
const (
	// All control frames MUST have a payload length of 125 bytes or less and MUST NOT be fragmented.
	MaxControlFramePayloadSize = 125

	// MaxHeaderSize is the maximum size of frame header in bytes: first two
	// bytes, 8 bytes of extended payload length and 4 bytes of mask.
	MaxHeaderSize = 14

	// MinHeaderSize is the size of frame header without extended length and
	// mask.
	MinHeaderSize = 2
)

const (
	bit0 = 0x80

	len16 = int64(^(uint16(0)))
	len64 = int64(^(uint64(0)) >> 1)
)

// Errors used by frame header decoder.
var (
	ErrHeaderLengthMSB        = fmt.Errorf("header error: the most significant bit must be 0")
	ErrHeaderLengthUnexpected = fmt.Errorf("header error: unexpected payload length bits")
)

// OpCode represents operation code.
type OpCode byte

// Operation codes defined by RFC6455.
// See https://tools.ietf.org/html/rfc6455#section-5.2
const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xa
)

// IsControl checks whether the c is control operation code.
// See https://tools.ietf.org/html/rfc6455#section-5.5
func (c OpCode) IsControl() bool {
	// RFC6455: Control frames are identified by opcodes where
	// the most significant bit of the opcode is 1.
	return c&0x8 != 0
}

// IsData checks whether the c is data operation code.
// See https://tools.ietf.org/html/rfc6455#section-5.6
func (c OpCode) IsData() bool {
	return c&0x8 == 0
}

// IsReserved checks whether the c is reserved operation code.
// See https://tools.ietf.org/html/rfc6455#section-5.2
func (c OpCode) IsReserved() bool {
	// RFC6455:
	// %x3-7 are reserved for further non-control frames
	// %xB-F are reserved for further control frames
	return (0x3 <= c && c <= 0x7) || (0xb <= c && c <= 0xf)
}

func (c OpCode) String() string {
	switch c {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("opcode(0x%x)", byte(c))
}

// StatusCode represents the encoded reason for closure of websocket connection.
//
// See https://tools.ietf.org/html/rfc6455#section-7.4
type StatusCode uint16

// StatusCodeRange describes range of StatusCode values.
type StatusCodeRange struct {
	Min, Max StatusCode
}

// Status code ranges defined by RFC6455.
// See https://tools.ietf.org/html/rfc6455#section-7.4.2
var (
	StatusRangeNotInUse    = StatusCodeRange{0, 999}
	StatusRangeProtocol    = StatusCodeRange{1000, 2999}
	StatusRangeApplication = StatusCodeRange{3000, 3999}
	StatusRangePrivate     = StatusCodeRange{4000, 4999}
)

// Status codes defined by RFC6455.
// See https://tools.ietf.org/html/rfc6455#section-7.4.1
const (
	StatusNormalClosure           StatusCode = 1000
	StatusGoingAway               StatusCode = 1001
	StatusProtocolError           StatusCode = 1002
	StatusUnsupportedData         StatusCode = 1003
	StatusNoMeaningYet            StatusCode = 1004
	StatusNoStatusRcvd            StatusCode = 1005
	StatusAbnormalClosure         StatusCode = 1006
	StatusInvalidFramePayloadData StatusCode = 1007
	StatusPolicyViolation         StatusCode = 1008
	StatusMessageTooBig           StatusCode = 1009
	StatusMandatoryExt            StatusCode = 1010
	StatusInternalServerError     StatusCode = 1011
	StatusTLSHandshake            StatusCode = 1015
)

// In reports whether the code is defined in given range.
func (s StatusCode) In(r StatusCodeRange) bool {
	return r.Min <= s && s <= r.Max
}

// Empty reports whether the code is empty.
func (s StatusCode) Empty() bool {
	return s == 0
}

// IsNotUsed reports whether the code is predefined in not used range.
func (s StatusCode) IsNotUsed() bool {
	return s.In(StatusRangeNotInUse)
}

// IsApplicationSpec reports whether the code is in the range reserved for
// libraries, frameworks and applications.
func (s StatusCode) IsApplicationSpec() bool {
	return s.In(StatusRangeApplication)
}

// IsPrivateSpec reports whether the code is in the range reserved for private
// use.
func (s StatusCode) IsPrivateSpec() bool {
	return s.In(StatusRangePrivate)
}

// IsProtocolSpec reports whether the code is in the range reserved for RFC6455 and its extensions.
func (s StatusCode) IsProtocolSpec() bool {
	return s.In(StatusRangeProtocol)
}

// IsProtocolDefined reports whether the code is already defined by RFC6455.
func (s StatusCode) IsProtocolDefined() bool {
	switch s {
	case StatusNormalClosure,
		StatusGoingAway,
		StatusProtocolError,
		StatusUnsupportedData,
		StatusInvalidFramePayloadData,
		StatusPolicyViolation,
		StatusMessageTooBig,
		StatusMandatoryExt,
		StatusInternalServerError,
		StatusNoStatusRcvd,
		StatusAbnormalClosure,
		StatusTLSHandshake:
		return true
	}
	return false
}

// IsProtocolReserved reports whether the code is defined by RFC6455 to be
// never sent in a close frame.
func (s StatusCode) IsProtocolReserved() bool {
	switch s {
	// [RFC6455]: {1005,1006,1015} is a reserved value and MUST NOT be set as a status code in a
	// Close control frame by an endpoint.
	case StatusNoStatusRcvd, StatusAbnormalClosure, StatusTLSHandshake:
		return true
	default:
		return false
	}
}

// Header represents websocket frame header.
// See https://tools.ietf.org/html/rfc6455#section-5.2
type Header struct {
	Fin    bool
	Rsv    byte
	OpCode OpCode
	Length int64
	Masked bool
	Mask   [4]byte
}

// HeaderSize returns number of bytes that are needed to encode given header.
func HeaderSize(h Header) (n int) {
	switch {
	case h.Length < 126:
		n = 2
	case h.Length <= len16:
		n = 4
	case h.Length <= len64:
		n = 10
	default:
		return -1
	}
	if h.Masked {
		n += 4
	}
	return n
}

// PutHeader encodes h into p and returns the number of bytes written. The p
// must be at least HeaderSize(h) bytes long.
func PutHeader(p []byte, h Header) (int, error) {
	n := HeaderSize(h)
	if n < 0 {
		return 0, ErrHeaderLengthUnexpected
	}
	p[0] = byte(h.OpCode)
	if h.Fin {
		p[0] |= bit0
	}
	p[0] |= h.Rsv << 4

	i := 2
	switch {
	case h.Length < 126:
		p[1] = byte(h.Length)
	case h.Length <= len16:
		p[1] = 126
		binary.BigEndian.PutUint16(p[2:], uint16(h.Length))
		i += 2
	default:
		p[1] = 127
		binary.BigEndian.PutUint64(p[2:], uint64(h.Length))
		i += 8
	}
	if h.Masked {
		p[1] |= bit0
		copy(p[i:], h.Mask[:])
	}
	return n, nil
}

// ParseHeader decodes frame header from the beginning of p. It returns
// parsed header and number of bytes it occupies. If p does not contain
// complete header yet, it returns zero n and nil error.
func ParseHeader(p []byte) (h Header, n int, err error) {
	if len(p) < MinHeaderSize {
		return h, 0, nil
	}
	h.Fin = p[0]&bit0 != 0
	h.Rsv = (p[0] & 0x70) >> 4
	h.OpCode = OpCode(p[0] & 0x0f)
	h.Masked = p[1]&bit0 != 0

	n = MinHeaderSize
	length := p[1] & 0x7f
	switch {
	case length < 126:
		h.Length = int64(length)
	case length == 126:
		n += 2
	case length == 127:
		n += 8
	default:
		return h, 0, ErrHeaderLengthUnexpected
	}
	if h.Masked {
		n += 4
	}
	if len(p) < n {
		return h, 0, nil
	}

	i := MinHeaderSize
	switch length {
	case 126:
		h.Length = int64(binary.BigEndian.Uint16(p[i:]))
		i += 2
	case 127:
		if p[i]&0x80 != 0 {
			return h, 0, ErrHeaderLengthMSB
		}
		h.Length = int64(binary.BigEndian.Uint64(p[i:]))
		i += 8
	}
	if h.Masked {
		copy(h.Mask[:], p[i:i+4])
	}
	return h, n, nil
}

// NewCloseFrameBody encodes a closure code and a reason into a binary
// representation.
//
// It returns slice which is at most MaxControlFramePayloadSize bytes length.
// If the reason is too big it will be cropped to fit the control frame payload
// limit.
//
// See https://tools.ietf.org/html/rfc6455#section-5.5
func NewCloseFrameBody(code StatusCode, reason string) []byte {
	n := min(2+len(reason), MaxControlFramePayloadSize)
	p := make([]byte, n)
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}

// ParseCloseFrameData parses close frame status code and closure reason if any provided.
// If there is no status code in the payload
// the empty status code is returned (code.Empty()) with empty string as a reason.
func ParseCloseFrameData(payload []byte) (code StatusCode, reason string) {
	if len(payload) < 2 {
		// We returning empty StatusCode here, preventing the situation
		// when endpoint really sent code 1005 and we should return ProtocolError on that.
		//
		// In other words, we ignoring this rule [RFC6455:7.1.5]:
		//   If this Close control frame contains no status code, _The WebSocket
		//   Connection Close Code_ is considered to be 1005.
		return
	}
	code = StatusCode(binary.BigEndian.Uint16(payload))
	reason = string(payload[2:])
	return
}
