package wsgate

import (
	"github.com/gobwas/pool/pbytes"
)

// Conn is a transport connection as seen by the Mediator. Implementations
// must be comparable and keep the same identity during the whole connection
// lifetime, because the Conn value itself is used as a registry key.
type Conn interface {
	// Send writes p to the peer. It must not retain p after return.
	Send(p []byte) error
	// Close closes the connection. The transport is expected to deliver a
	// close event for it afterwards.
	Close() error
}

// Session is a per-connection state record. It is the connection handle the
// wrapped application receives in its callbacks.
//
// Session is not safe for concurrent use: it is touched only by the goroutine
// delivering transport events.
type Session struct {
	conn        Conn
	established bool
	rejected    bool
	request     *Request
	protocol    string
	values      map[any]any
}

func newSession(conn Conn) *Session {
	return &Session{conn: conn}
}

// Conn returns underlying transport connection.
func (s *Session) Conn() Conn { return s.conn }

// Established reports whether the opening handshake has completed
// successfully. Once true it never becomes false.
func (s *Session) Established() bool { return s.established }

// Request returns handshake request metadata. It is nil until the
// Handshaker parses request head.
func (s *Session) Request() *Request { return s.request }

// SetRequest is used by a Handshaker to attach parsed request metadata.
func (s *Session) SetRequest(r *Request) { s.request = r }

// Protocol returns negotiated subprotocol header value. It is empty if no
// subprotocol was negotiated.
func (s *Session) Protocol() string { return s.protocol }

// Load returns a value stored by Store for given key.
//
// Keys should be of unexported types to avoid collisions, the same way as
// with context.Context values.
func (s *Session) Load(key any) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Store associates v with key within the session.
func (s *Session) Store(key, v any) {
	if s.values == nil {
		s.values = make(map[any]any, 2)
	}
	s.values[key] = v
}

// Delete removes value associated with key.
func (s *Session) Delete(key any) {
	delete(s.values, key)
}

// Send writes raw bytes to the transport.
func (s *Session) Send(p []byte) error {
	return s.conn.Send(p)
}

// Close closes the transport connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// WriteMessage encodes p as a single final frame with given op code and sends
// it to the peer. Server frames are never masked.
func (s *Session) WriteMessage(op OpCode, p []byte) error {
	return writeFrame(s.conn, Header{
		Fin:    true,
		OpCode: op,
		Length: int64(len(p)),
	}, p)
}

// WriteText sends a text message.
func (s *Session) WriteText(text string) error {
	return s.WriteMessage(OpText, []byte(text))
}

// WriteBinary sends a binary message.
func (s *Session) WriteBinary(p []byte) error {
	return s.WriteMessage(OpBinary, p)
}

// CloseWith sends a close frame with given code and reason and then closes
// the transport connection.
func (s *Session) CloseWith(code StatusCode, reason string) error {
	err := s.WriteMessage(OpClose, NewCloseFrameBody(code, reason))
	if e := s.conn.Close(); err == nil {
		err = e
	}
	return err
}

// writeFrame compiles header and payload into one pooled buffer so that the
// frame is sent by a single Send call.
func writeFrame(c Conn, h Header, p []byte) error {
	n := HeaderSize(h)
	if n < 0 {
		return ErrHeaderLengthUnexpected
	}
	bts := pbytes.GetLen(n + len(p))
	defer pbytes.Put(bts)

	if _, err := PutHeader(bts, h); err != nil {
		return err
	}
	copy(bts[n:], p)
	if h.Masked {
		Cipher(bts[n:], h.Mask, 0)
	}
	return c.Send(bts)
}
