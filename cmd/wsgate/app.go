package main

import (
	"errors"

	"github.com/gobwas/httphead"
	"github.com/rs/zerolog"

	"github.com/gobwas/wsgate"
)

const protocolChat = "chat"

// app echoes every message back to its sender. Sessions which negotiated the
// chat subprotocol receive messages of every other chat session instead.
type app struct {
	log       zerolog.Logger
	protocols []string
	chat      map[*wsgate.Session]struct{}
}

func newApp(protocols []string, log zerolog.Logger) *app {
	return &app{
		log:       log,
		protocols: protocols,
		chat:      make(map[*wsgate.Session]struct{}),
	}
}

func (a *app) Subprotocols() []string {
	return a.protocols
}

func (a *app) OnOpen(s *wsgate.Session) {
	if hasProtocol(s.Protocol(), protocolChat) {
		a.chat[s] = struct{}{}
	}
	recordOpen(s.Protocol())
	a.log.Info().
		Str("conn", sessionName(s)).
		Str("protocol", s.Protocol()).
		Msg("session opened")
}

func (a *app) OnMessage(s *wsgate.Session, m wsgate.Message) {
	recordMessage(m)
	if _, ok := a.chat[s]; !ok {
		if err := s.WriteMessage(m.OpCode, m.Payload); err != nil {
			a.log.Debug().Err(err).Str("conn", sessionName(s)).Msg("echo failed")
		}
		return
	}
	for peer := range a.chat {
		if peer == s {
			continue
		}
		if err := peer.WriteMessage(m.OpCode, m.Payload); err != nil {
			a.log.Debug().Err(err).Str("conn", sessionName(peer)).Msg("broadcast failed")
		}
	}
}

func (a *app) OnClose(s *wsgate.Session) {
	delete(a.chat, s)
	recordClose()
	a.log.Info().Str("conn", sessionName(s)).Msg("session closed")
}

func (a *app) OnError(s *wsgate.Session, err error) {
	var de *wsgate.MessageDecodeError
	if errors.As(err, &de) {
		recordDecodeError(de.Code)
		a.log.Warn().Err(err).Uint16("code", uint16(de.Code)).Str("conn", sessionName(s)).Msg("bad message")
		return
	}
	a.log.Warn().Err(err).Str("conn", sessionName(s)).Msg("session error")
	s.Close()
}

func hasProtocol(agreed, name string) (has bool) {
	httphead.ScanTokens([]byte(agreed), func(v []byte) bool {
		has = string(v) == name
		return !has
	})
	return has
}

func sessionName(s *wsgate.Session) string {
	if st, ok := s.Conn().(interface{ String() string }); ok {
		return st.String()
	}
	return "session"
}
