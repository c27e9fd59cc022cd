package wsgate

// Message is a complete application message received from the peer.
type Message struct {
	OpCode  OpCode
	Payload []byte
}

// IsText reports whether m is a text message.
func (m Message) IsText() bool { return m.OpCode == OpText }

// IsBinary reports whether m is a binary message.
func (m Message) IsBinary() bool { return m.OpCode == OpBinary }

// Handler is the application wrapped by the Mediator.
//
// OnOpen is called exactly once for every connection which completed the
// opening handshake. OnMessage, OnError and OnClose are called only for
// connections the handler was told about with OnOpen.
type Handler interface {
	OnOpen(s *Session)
	OnMessage(s *Session, m Message)
	OnClose(s *Session)
	OnError(s *Session, err error)
}

// SubprotocolHandler is a Handler that declares subprotocols it supports.
type SubprotocolHandler interface {
	Handler

	// Subprotocols returns names of supported subprotocols. It is called at
	// most once during the Mediator lifetime.
	Subprotocols() []string
}

// HandlerFuncs is an adapter to use ordinary functions as a Handler. Nil
// functions are ignored.
type HandlerFuncs struct {
	Open    func(*Session)
	Message func(*Session, Message)
	Close   func(*Session)
	Error   func(*Session, error)

	// Protocols is a list of supported subprotocols.
	Protocols []string
}

// OnOpen implements Handler.
func (h HandlerFuncs) OnOpen(s *Session) {
	if h.Open != nil {
		h.Open(s)
	}
}

// OnMessage implements Handler.
func (h HandlerFuncs) OnMessage(s *Session, m Message) {
	if h.Message != nil {
		h.Message(s, m)
	}
}

// OnClose implements Handler.
func (h HandlerFuncs) OnClose(s *Session) {
	if h.Close != nil {
		h.Close(s)
	}
}

// OnError implements Handler.
func (h HandlerFuncs) OnError(s *Session, err error) {
	if h.Error != nil {
		h.Error(s, err)
	}
}

// Subprotocols implements SubprotocolHandler.
func (h HandlerFuncs) Subprotocols() []string {
	return h.Protocols
}
