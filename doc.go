/*
Package wsgate implements a WebSocket connection lifecycle mediator as
specified in RFC 6455.

The main purpose of this package is to turn raw transport events (connection
opened, bytes received, connection closed, transport error) into WebSocket
level events of an application, without forcing any particular I/O model.

Overview.

Mediator wraps an application Handler:

  m := wsgate.NewMediator(wsgate.HandlerFuncs{
	  Message: func(s *wsgate.Session, msg wsgate.Message) {
		  s.WriteMessage(msg.OpCode, msg.Payload)
	  },
	  Protocols: []string{"echo"},
  })

Then transport events are delivered to the Mediator from one goroutine:

  m.OnOpen(conn)
  m.OnMessage(conn, bytes)
  m.OnClose(conn)

Until the opening handshake is done, received bytes are passed to the
Handshaker (HTTPHandshaker by default). When it produces a response, the
Mediator attaches the Sec-WebSocket-Protocol header with the subprotocols
agreed with the application, sends the response and, if it has 101 status,
calls application's OnOpen. After that, received bytes are passed to the
Dispatcher (MessageParser by default) and every parsed message is delivered to
application's OnMessage.

Application never hears about connections which did not pass the handshake:
close and error events for them are absorbed by the Mediator.

For a ready to use TCP event loop see the reactor subpackage.
*/
package wsgate
