package wsgate

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"testing"
)

func TestMediatorUpgrade(t *testing.T) {
	rec := &recorder{protocols: []string{"echo"}}
	m := NewMediator(rec)
	c := &stubConn{name: "c"}

	mustOK(t, m.OnOpen(c))
	if n := m.Sessions(); n != 1 {
		t.Fatalf("Sessions() = %d; want 1", n)
	}

	req := handshakeRequest("chat, echo")
	mustOK(t, m.OnMessage(c, req[:10]))
	if len(c.sent) != 0 || len(rec.events) != 0 {
		t.Fatalf("unexpected activity on incomplete request: sent %d; events %v", len(c.sent), rec.events)
	}
	mustOK(t, m.OnMessage(c, req[10:]))

	resp := mustReadResponse(t, c.sent[0])
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if act, exp := resp.Header.Get(headerSecProtocol), "echo"; act != exp {
		t.Errorf("unexpected %s: %q; want %q", headerSecProtocol, act, exp)
	}
	if act, exp := resp.Header.Get(headerSecAccept), "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="; act != exp {
		t.Errorf("unexpected %s: %q; want %q", headerSecAccept, act, exp)
	}
	if c.closed != 0 {
		t.Errorf("connection closed after successful upgrade")
	}
	rec.expect(t, "open")

	s := rec.sessions[0]
	if !s.Established() {
		t.Errorf("session is not established")
	}
	if act, exp := s.Protocol(), "echo"; act != exp {
		t.Errorf("Protocol() = %q; want %q", act, exp)
	}
	if s.Conn() != c {
		t.Errorf("session conn is not the transport conn")
	}
}

func TestMediatorLifecycle(t *testing.T) {
	rec := &recorder{protocols: []string{"echo"}}
	m := NewMediator(rec)
	c := &stubConn{name: "c"}

	mustOK(t, m.OnOpen(c))
	mustOK(t, m.OnMessage(c, handshakeRequest("echo")))
	mustOK(t, m.OnMessage(c, clientFrame(OpText, true, []byte("hello"))))
	mustOK(t, m.OnMessage(c, clientFrame(OpBinary, true, []byte{1, 2})[:3]))
	mustOK(t, m.OnMessage(c, clientFrame(OpBinary, true, []byte{1, 2})[3:]))
	mustOK(t, m.OnClose(c))

	rec.expect(t,
		"open",
		"message text hello",
		"message binary \x01\x02",
		"close",
	)
	if n := m.Sessions(); n != 0 {
		t.Errorf("Sessions() = %d; want 0", n)
	}
}

func TestMediatorRejectedHandshake(t *testing.T) {
	for _, test := range []struct {
		label  string
		req    []byte
		status int
	}{
		{
			label:  "version",
			req:    []byte(strings.Replace(string(handshakeRequest("")), "Version: 13", "Version: 8", 1)),
			status: http.StatusUpgradeRequired,
		},
		{
			label:  "method",
			req:    []byte(strings.Replace(string(handshakeRequest("")), "GET", "POST", 1)),
			status: http.StatusBadRequest,
		},
		{
			label:  "no_key",
			req:    []byte(strings.Replace(string(handshakeRequest("")), "Sec-WebSocket-Key", "X-Key", 1)),
			status: http.StatusBadRequest,
		},
	} {
		t.Run(test.label, func(t *testing.T) {
			rec := &recorder{protocols: []string{"echo"}}
			m := NewMediator(rec)
			c := &stubConn{name: "c"}

			mustOK(t, m.OnOpen(c))
			mustOK(t, m.OnMessage(c, test.req))

			if len(c.sent) != 1 {
				t.Fatalf("sent %d chunks; want 1", len(c.sent))
			}
			resp := mustReadResponse(t, c.sent[0])
			if resp.StatusCode != test.status {
				t.Errorf("unexpected status: %d; want %d", resp.StatusCode, test.status)
			}
			if c.closed != 1 {
				t.Errorf("connection closed %d times; want 1", c.closed)
			}

			// Valid request queued before the close event must not upgrade
			// the rejected connection.
			mustOK(t, m.OnMessage(c, handshakeRequest("echo")))
			if len(c.sent) != 1 {
				t.Errorf("sent %d chunks after rejection; want 1", len(c.sent))
			}

			mustOK(t, m.OnError(c, fmt.Errorf("reset")))
			if c.closed != 1 {
				t.Errorf("connection closed %d times; want 1", c.closed)
			}
			mustOK(t, m.OnClose(c))
			rec.expect(t)
		})
	}
}

func TestMediatorMalformedHandshake(t *testing.T) {
	rec := &recorder{}
	m := NewMediator(rec)
	c := &stubConn{name: "c"}

	mustOK(t, m.OnOpen(c))
	mustOK(t, m.OnMessage(c, []byte("garbage\r\nHost\r\n\r\n")))
	if len(c.sent) != 0 {
		t.Errorf("sent %d chunks; want nothing", len(c.sent))
	}
	if c.closed != 1 {
		t.Errorf("connection closed %d times; want 1", c.closed)
	}
	mustOK(t, m.OnMessage(c, handshakeRequest("")))
	if len(c.sent) != 0 {
		t.Errorf("sent %d chunks after malformed request; want nothing", len(c.sent))
	}
	mustOK(t, m.OnClose(c))
	rec.expect(t)
}

func TestMediatorHandshakeSendError(t *testing.T) {
	rec := &recorder{}
	m := NewMediator(rec)
	c := &stubConn{name: "c", sendErr: fmt.Errorf("broken pipe")}

	mustOK(t, m.OnOpen(c))
	mustOK(t, m.OnMessage(c, handshakeRequest("")))
	if c.closed != 1 {
		t.Errorf("connection closed %d times; want 1", c.closed)
	}

	n := len(c.sent)
	c.sendErr = nil
	mustOK(t, m.OnMessage(c, handshakeRequest("")))
	if len(c.sent) != n {
		t.Errorf("sent %d chunks after failed response; want %d", len(c.sent), n)
	}
	mustOK(t, m.OnError(c, fmt.Errorf("reset")))
	mustOK(t, m.OnClose(c))
	rec.expect(t)
}

func TestMediatorError(t *testing.T) {
	rec := &recorder{}
	m := NewMediator(rec)
	a := &stubConn{name: "a"}
	b := &stubConn{name: "b"}

	mustOK(t, m.OnOpen(a))
	mustOK(t, m.OnOpen(b))
	mustOK(t, m.OnMessage(b, handshakeRequest("")))

	mustOK(t, m.OnError(a, fmt.Errorf("a failed")))
	if a.closed != 1 {
		t.Errorf("not upgraded connection closed %d times; want 1", a.closed)
	}
	mustOK(t, m.OnError(b, fmt.Errorf("b failed")))
	if b.closed != 0 {
		t.Errorf("upgraded connection closed by mediator")
	}
	rec.expect(t, "open", "error b failed")
}

func TestMediatorUnknownConnection(t *testing.T) {
	m := NewMediator(&recorder{})
	c := &stubConn{name: "c"}

	for _, test := range []struct {
		label string
		fn    func() error
	}{
		{"message", func() error { return m.OnMessage(c, []byte("x")) }},
		{"close", func() error { return m.OnClose(c) }},
		{"error", func() error { return m.OnError(c, fmt.Errorf("x")) }},
	} {
		t.Run(test.label, func(t *testing.T) {
			if err := test.fn(); !errors.Is(err, ErrUnknownConnection) {
				t.Errorf("unexpected error: %v; want %v", err, ErrUnknownConnection)
			}
		})
	}

	mustOK(t, m.OnOpen(c))
	if err := m.OnOpen(c); !errors.Is(err, ErrDuplicateConnection) {
		t.Errorf("unexpected error: %v; want %v", err, ErrDuplicateConnection)
	}
	mustOK(t, m.OnMessage(c, handshakeRequest("")))
	mustOK(t, m.OnClose(c))

	if err := m.OnMessage(c, clientFrame(OpText, true, nil)); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("unexpected error after close: %v; want %v", err, ErrUnknownConnection)
	}
	if err := m.OnClose(c); !IsLifecycleError(err) {
		t.Errorf("unexpected error after close: %v; want lifecycle error", err)
	}
}

func TestMediatorSubprotocolsGeneratedOnce(t *testing.T) {
	rec := &recorder{protocols: []string{"b", "c"}}
	m := NewMediator(rec)

	for i, test := range []struct {
		header string
		exp    string
	}{
		{"a, b, c", "b,c"},
		{"c", "c"},
		{"a", ""},
		{"", ""},
	} {
		c := &stubConn{name: fmt.Sprintf("c%d", i)}
		mustOK(t, m.OnOpen(c))
		mustOK(t, m.OnMessage(c, handshakeRequest(test.header)))

		resp := mustReadResponse(t, c.sent[0])
		vs, has := resp.Header[http.CanonicalHeaderKey(headerSecProtocol)]
		switch {
		case test.exp == "" && has:
			t.Errorf("#%d: unexpected %s header: %v", i, headerSecProtocol, vs)
		case test.exp != "" && (len(vs) != 1 || vs[0] != test.exp):
			t.Errorf("#%d: unexpected %s header: %v; want %q", i, headerSecProtocol, vs, test.exp)
		}
	}
	if rec.protocolCalls != 1 {
		t.Errorf("Subprotocols() called %d times; want 1", rec.protocolCalls)
	}
}

func TestMediatorNoSubprotocolCapability(t *testing.T) {
	var opened int
	m := NewMediator(plainHandler{open: func(*Session) { opened++ }})
	c := &stubConn{name: "c"}

	mustOK(t, m.OnOpen(c))
	mustOK(t, m.OnMessage(c, handshakeRequest("chat, echo")))

	resp := mustReadResponse(t, c.sent[0])
	if vs, has := resp.Header[http.CanonicalHeaderKey(headerSecProtocol)]; has {
		t.Errorf("unexpected %s header: %v", headerSecProtocol, vs)
	}
	if opened != 1 {
		t.Errorf("OnOpen called %d times; want 1", opened)
	}
}

func TestMediatorTrailingBytes(t *testing.T) {
	rec := &recorder{}
	m := NewMediator(rec)
	c := &stubConn{name: "c"}

	var p []byte
	p = append(p, handshakeRequest("")...)
	p = append(p, clientFrame(OpText, true, []byte("first"))...)
	p = append(p, clientFrame(OpText, true, []byte("second"))...)

	mustOK(t, m.OnOpen(c))
	mustOK(t, m.OnMessage(c, p))
	rec.expect(t, "open", "message text first", "message text second")
}

func TestMediatorDispatcherError(t *testing.T) {
	rec := &recorder{}
	m := NewMediator(rec)
	c := &stubConn{name: "c"}

	mustOK(t, m.OnOpen(c))
	mustOK(t, m.OnMessage(c, handshakeRequest("")))

	// Unmasked frame from the client.
	mustOK(t, m.OnMessage(c, []byte{0x81, 0x01, 'x'}))
	rec.expect(t, "open", "error "+(&MessageDecodeError{StatusProtocolError, ErrProtocolMaskRequired}).Error())

	var de *MessageDecodeError
	if !errors.As(rec.errs[0], &de) || de.Code != StatusProtocolError {
		t.Errorf("unexpected error: %#v", rec.errs[0])
	}
	if c.closed != 1 {
		t.Errorf("connection closed %d times; want 1", c.closed)
	}

	mustOK(t, m.OnMessage(c, clientFrame(OpText, true, []byte("ignored"))))
	mustOK(t, m.OnClose(c))
	rec.expect(t, "open", "error "+de.Error(), "close")
}

func TestMediatorCustomCollaborators(t *testing.T) {
	rec := &recorder{protocols: []string{"x"}}
	m := NewMediator(rec)
	m.Handshaker = &stubHandshaker{
		resp: &Response{Status: http.StatusSwitchingProtocols},
		req:  &Request{Header: http.Header{"Sec-Websocket-Protocol": {"y, x"}}},
	}
	m.Dispatcher = &stubDispatcher{
		msgs: []*Message{{OpCode: OpText, Payload: []byte("1")}, {OpCode: OpText, Payload: []byte("2")}},
	}
	c := &stubConn{name: "c"}

	mustOK(t, m.OnOpen(c))
	mustOK(t, m.OnMessage(c, []byte("hs")))

	resp := mustReadResponse(t, c.sent[0])
	if act := resp.Header.Get(headerSecProtocol); act != "x" {
		t.Errorf("unexpected protocol header: %q", act)
	}
	mustOK(t, m.OnMessage(c, []byte("frames")))
	rec.expect(t, "open", "message text 1", "message text 2")

	d := m.Dispatcher.(*stubDispatcher)
	if exp := [][]byte{[]byte("frames"), nil, nil}; !reflect.DeepEqual(d.fed, exp) {
		t.Errorf("dispatcher was fed with %q; want %q", d.fed, exp)
	}
}

type recorder struct {
	protocols     []string
	protocolCalls int

	events   []string
	sessions []*Session
	errs     []error
}

func (r *recorder) Subprotocols() []string {
	r.protocolCalls++
	return r.protocols
}

func (r *recorder) OnOpen(s *Session) {
	r.sessions = append(r.sessions, s)
	r.events = append(r.events, "open")
}

func (r *recorder) OnMessage(s *Session, m Message) {
	r.events = append(r.events, fmt.Sprintf("message %s %s", m.OpCode, m.Payload))
}

func (r *recorder) OnClose(s *Session) {
	r.events = append(r.events, "close")
}

func (r *recorder) OnError(s *Session, err error) {
	r.errs = append(r.errs, err)
	r.events = append(r.events, "error "+err.Error())
}

func (r *recorder) expect(t *testing.T, events ...string) {
	t.Helper()
	if len(events) == 0 && len(r.events) == 0 {
		return
	}
	if !reflect.DeepEqual(r.events, events) {
		t.Errorf("unexpected events:\nact:\t%q\nexp:\t%q", r.events, events)
	}
}

// plainHandler does not implement SubprotocolHandler.
type plainHandler struct {
	open func(*Session)
}

func (h plainHandler) OnOpen(s *Session)           { h.open(s) }
func (h plainHandler) OnMessage(*Session, Message) {}
func (h plainHandler) OnClose(*Session)            {}
func (h plainHandler) OnError(*Session, error)     {}

type stubConn struct {
	name    string
	sent    [][]byte
	closed  int
	sendErr error
}

func (c *stubConn) Send(p []byte) error {
	c.sent = append(c.sent, append([]byte(nil), p...))
	return c.sendErr
}

func (c *stubConn) Close() error {
	c.closed++
	return nil
}

func (c *stubConn) String() string { return c.name }

type stubHandshaker struct {
	req  *Request
	resp *Response
}

func (h *stubHandshaker) Begin(*Session) {}

func (h *stubHandshaker) Feed(s *Session, p []byte) (*Response, error) {
	s.SetRequest(h.req)
	return h.resp, nil
}

type stubDispatcher struct {
	msgs []*Message
	fed  [][]byte
}

func (d *stubDispatcher) Feed(s *Session, p []byte) (*Message, error) {
	d.fed = append(d.fed, p)
	if len(d.msgs) == 0 {
		return nil, nil
	}
	m := d.msgs[0]
	d.msgs = d.msgs[1:]
	return m, nil
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func mustReadResponse(t *testing.T, p []byte) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(p)), nil)
	if err != nil {
		t.Fatalf("can not read response: %v", err)
	}
	return resp
}

// handshakeRequest returns handshake request bytes with the nonce from
// RFC6455 section 1.3.
func handshakeRequest(protocols string) []byte {
	var sb strings.Builder
	sb.WriteString("GET /chat HTTP/1.1\r\n")
	sb.WriteString("Host: server.example.com\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n")
	sb.WriteString("Origin: http://example.com\r\n")
	if protocols != "" {
		sb.WriteString("Sec-WebSocket-Protocol: " + protocols + "\r\n")
	}
	sb.WriteString("Sec-WebSocket-Version: 13\r\n")
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// clientFrame returns masked frame bytes.
func clientFrame(op OpCode, fin bool, p []byte) []byte {
	h := Header{
		Fin:    fin,
		OpCode: op,
		Length: int64(len(p)),
		Masked: true,
		Mask:   [4]byte{0x1f, 0x2e, 0x3d, 0x4c},
	}
	bts := make([]byte, HeaderSize(h)+len(p))
	n, err := PutHeader(bts, h)
	if err != nil {
		panic(err)
	}
	copy(bts[n:], p)
	Cipher(bts[n:], h.Mask, 0)
	return bts
}
