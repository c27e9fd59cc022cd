package wsgate

import (
	"unicode/utf8"

	"github.com/gobwas/pool/pbytes"
)

// Dispatcher turns bytes received after the upgrade into messages.
//
// Feed returns at most one message per call. The caller is expected to call
// Feed again with empty p until it returns nil message, to collect messages
// which are already buffered.
type Dispatcher interface {
	Feed(s *Session, p []byte) (*Message, error)
}

// DefaultMaxMessageSize is a default limit of the message payload size.
const DefaultMaxMessageSize = 1 << 20

// MessageParser is a server side Dispatcher which decodes RFC6455 frames
// from the bytes it is fed with.
//
// Fragmented messages are reassembled. Control frames are handled in place:
// pings are answered with pongs, pongs are dropped and close frames are
// echoed back before the transport is closed.
//
// On protocol violation MessageParser sends close frame with appropriate
// status code, closes the transport and returns *MessageDecodeError. Bytes
// fed after that are ignored.
type MessageParser struct {
	// MaxMessageSize limits size of the message payload. If zero,
	// DefaultMaxMessageSize is used.
	MaxMessageSize int64

	// SkipUTF8Check disables UTF-8 validation of text messages.
	SkipUTF8Check bool
}

type parserKey struct{}

type parserState struct {
	mem   []byte // Pooled backing buffer.
	buf   []byte // Not parsed bytes, slice of mem.
	state State
	op    OpCode // Op code of the fragmented message.
	frags []byte // Payload of the fragmented message received so far.
	done  bool
}

// Feed implements Dispatcher.
func (mp *MessageParser) Feed(s *Session, p []byte) (*Message, error) {
	st := mp.sessionState(s)
	if st.done {
		return nil, nil
	}
	st.push(p)

	for {
		h, n, err := ParseHeader(st.buf)
		if err != nil {
			return nil, mp.fail(s, st, StatusProtocolError, err)
		}
		if n == 0 {
			return nil, nil
		}
		if err = CheckHeader(h, st.state); err != nil {
			return nil, mp.fail(s, st, StatusProtocolError, err)
		}
		if h.OpCode.IsData() && h.Length > mp.maxMessageSize()-int64(len(st.frags)) {
			return nil, mp.fail(s, st, StatusMessageTooBig, ErrMessageTooBig)
		}
		total := n + int(h.Length)
		if len(st.buf) < total {
			return nil, nil
		}

		payload := st.buf[n:total]
		Cipher(payload, h.Mask, 0)

		if h.OpCode.IsControl() {
			// Control frame payload is at most 125 bytes; copy it so that
			// buffer could be released by the handler.
			var ctl [MaxControlFramePayloadSize]byte
			c := ctl[:copy(ctl[:], payload)]
			st.consume(total)
			err = mp.control(s, st, h, c)
			if err != nil || st.done {
				return nil, err
			}
			continue
		}

		st.state = st.state.SetOrClearIf(!h.Fin, StateFragmented)
		if !h.Fin {
			if h.OpCode != OpContinuation {
				st.op = h.OpCode
			}
			st.frags = append(st.frags, payload...)
			st.consume(total)
			continue
		}

		var msg Message
		if h.OpCode == OpContinuation {
			msg.OpCode = st.op
			msg.Payload = append(st.frags, payload...)
			st.frags = nil
		} else {
			msg.OpCode = h.OpCode
			msg.Payload = append([]byte(nil), payload...)
		}
		st.consume(total)

		if msg.OpCode == OpText && !mp.SkipUTF8Check && !utf8.Valid(msg.Payload) {
			return nil, mp.fail(s, st, StatusInvalidFramePayloadData, ErrInvalidUTF8)
		}
		return &msg, nil
	}
}

func (mp *MessageParser) maxMessageSize() int64 {
	if mp.MaxMessageSize > 0 {
		return mp.MaxMessageSize
	}
	return DefaultMaxMessageSize
}

func (mp *MessageParser) sessionState(s *Session) *parserState {
	if v, ok := s.Load(parserKey{}); ok {
		return v.(*parserState)
	}
	st := &parserState{
		state: StateServerSide,
	}
	s.Store(parserKey{}, st)
	return st
}

func (mp *MessageParser) control(s *Session, st *parserState, h Header, p []byte) error {
	switch h.OpCode {
	case OpPing:
		return writeFrame(s.conn, Header{
			Fin:    true,
			OpCode: OpPong,
			Length: h.Length,
		}, p)

	case OpPong:
		// RFC6455: A Pong frame MAY be sent unsolicited. This serves as a
		// unidirectional heartbeat. A response to an unsolicited Pong frame
		// is not expected.
		return nil

	case OpClose:
		if len(p) == 1 {
			return mp.fail(s, st, StatusProtocolError, ErrProtocolCloseBodyTooShort)
		}
		var body []byte
		if len(p) >= 2 {
			code, reason := ParseCloseFrameData(p)
			if err := CheckCloseFrameData(code, reason); err != nil {
				return mp.fail(s, st, StatusProtocolError, err)
			}
			// RFC6455#5.5.1:
			// If an endpoint receives a Close frame and did not previously
			// send a Close frame, the endpoint MUST send a Close frame in
			// response. (When sending a Close frame in response, the endpoint
			// typically echos the status code it received.)
			body = p[:2]
		}
		st.finish()
		writeFrame(s.conn, Header{
			Fin:    true,
			OpCode: OpClose,
			Length: int64(len(body)),
		}, body)
		s.conn.Close()
		return nil
	}
	return nil
}

func (mp *MessageParser) fail(s *Session, st *parserState, code StatusCode, err error) error {
	st.finish()
	body := NewCloseFrameBody(code, err.Error())
	writeFrame(s.conn, Header{
		Fin:    true,
		OpCode: OpClose,
		Length: int64(len(body)),
	}, body)
	s.conn.Close()
	return &MessageDecodeError{
		Code: code,
		Err:  err,
	}
}

func (st *parserState) push(p []byte) {
	if len(p) == 0 {
		return
	}
	need := len(st.buf) + len(p)
	if cap(st.buf)-len(st.buf) < len(p) {
		if need <= cap(st.mem) {
			// Move not parsed bytes to the beginning of the buffer.
			n := copy(st.mem[:cap(st.mem)], st.buf)
			st.buf = st.mem[:n]
		} else {
			mem := pbytes.GetCap(need)
			mem = append(mem, st.buf...)
			if st.mem != nil {
				pbytes.Put(st.mem)
			}
			st.mem = mem
			st.buf = mem
		}
	}
	st.buf = append(st.buf, p...)
}

func (st *parserState) consume(n int) {
	st.buf = st.buf[n:]
	if len(st.buf) == 0 {
		st.release()
	}
}

func (st *parserState) release() {
	if st.mem != nil {
		pbytes.Put(st.mem)
	}
	st.mem = nil
	st.buf = nil
}

func (st *parserState) finish() {
	st.done = true
	st.frags = nil
	st.release()
}
