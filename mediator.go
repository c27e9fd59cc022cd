package wsgate

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// Mediator sits between transport events and the wrapped application. It
// upgrades every connection through the Handshaker, then turns incoming bytes
// into messages with the Dispatcher and calls the application back.
//
// The application is told about a connection only after the handshake
// response with 101 status is sent. Close and error events of connections
// which were never upgraded are absorbed by the Mediator.
//
// Mediator is not safe for concurrent use. All events must be delivered from
// one goroutine, in the order they happened for each connection.
type Mediator struct {
	// Handshaker is used until the connection is upgraded.
	Handshaker Handshaker

	// Dispatcher is used after the connection is upgraded.
	Dispatcher Dispatcher

	Logger zerolog.Logger

	app       Handler
	registry  *Registry
	protocols subprotocols
}

// NewMediator creates a Mediator wrapping app with default HTTPHandshaker and
// MessageParser. If app implements SubprotocolHandler, its subprotocols are
// negotiated during handshake.
func NewMediator(app Handler) *Mediator {
	m := &Mediator{
		Handshaker: HTTPHandshaker{},
		Dispatcher: &MessageParser{},
		Logger:     zerolog.Nop(),
		app:        app,
		registry:   NewRegistry(),
	}
	if sp, ok := app.(SubprotocolHandler); ok {
		m.protocols.source = sp.Subprotocols
	}
	return m
}

// Sessions returns number of currently registered connections, both upgraded
// and not.
func (m *Mediator) Sessions() int {
	return m.registry.Len()
}

// OnOpen registers new transport connection and starts its handshake.
func (m *Mediator) OnOpen(c Conn) error {
	s, err := m.registry.Attach(c)
	if err != nil {
		return err
	}
	m.Handshaker.Begin(s)
	return nil
}

// OnMessage handles bytes received from c. Bytes of a connection whose
// handshake has failed are dropped.
func (m *Mediator) OnMessage(c Conn, p []byte) error {
	s, err := m.registry.Lookup(c)
	if err != nil {
		return err
	}
	if s.rejected {
		return nil
	}
	if !s.established {
		m.handshake(s, p)
		return nil
	}
	m.dispatch(s, p)
	return nil
}

// OnClose unregisters c. The application is notified only if the connection
// was upgraded.
func (m *Mediator) OnClose(c Conn) error {
	s, err := m.registry.Detach(c)
	if err != nil {
		return err
	}
	if s.established {
		m.app.OnClose(s)
	}
	return nil
}

// OnError handles transport error of c. Errors of connections which were not
// upgraded yet are not passed to the application; such connections are
// closed instead.
func (m *Mediator) OnError(c Conn, e error) error {
	s, err := m.registry.Lookup(c)
	if err != nil {
		return err
	}
	if s.established {
		m.app.OnError(s, e)
		return nil
	}
	if s.rejected {
		return nil
	}
	m.Logger.Debug().
		Err(e).
		Str("conn", connString(c)).
		Msg("transport error before upgrade")

	m.reject(s)
	return nil
}

func (m *Mediator) handshake(s *Session, p []byte) {
	resp, err := m.Handshaker.Feed(s, p)
	if err != nil {
		m.Logger.Debug().
			Err(err).
			Str("conn", connString(s.conn)).
			Msg("malformed handshake")

		m.reject(s)
		return
	}
	if resp == nil {
		return
	}

	if agreed := m.protocols.negotiate(s.request.Protocols()); agreed != "" {
		if resp.Header == nil {
			resp.Header = make(http.Header, 1)
		}
		resp.Header.Set(headerSecProtocol, agreed)
		if resp.Upgraded() {
			s.protocol = agreed
		}
	}

	if err := s.conn.Send(resp.Bytes()); err != nil {
		m.Logger.Debug().
			Err(err).
			Str("conn", connString(s.conn)).
			Msg("send handshake response")

		m.reject(s)
		return
	}
	if !resp.Upgraded() {
		m.Logger.Debug().
			Err(fmt.Errorf("%w: status %d: %v", ErrHandshakeRejected, resp.Status, resp.Err())).
			Str("conn", connString(s.conn)).
			Msg("handshake rejected")

		m.reject(s)
		return
	}

	s.established = true
	m.app.OnOpen(s)

	if len(resp.Trailing) > 0 {
		m.dispatch(s, resp.Trailing)
	}
}

// dispatch feeds p to the Dispatcher and keeps asking it for buffered
// messages until it has nothing more to return.
func (m *Mediator) dispatch(s *Session, p []byte) {
	for {
		msg, err := m.Dispatcher.Feed(s, p)
		if err != nil {
			m.app.OnError(s, err)
			return
		}
		if msg == nil {
			return
		}
		m.app.OnMessage(s, *msg)
		p = nil
	}
}

// reject closes the transport of a connection which failed to upgrade. Events
// received for it afterwards are dropped until its close event.
func (m *Mediator) reject(s *Session) {
	s.rejected = true
	if err := s.conn.Close(); err != nil {
		m.Logger.Debug().
			Err(err).
			Str("conn", connString(s.conn)).
			Msg("close transport")
	}
}

func connString(c Conn) string {
	if s, ok := c.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T(%p)", c, c)
}
