package wsgate

import (
	"bytes"
	"fmt"
	"net/http"
)

// Handshaker turns raw bytes received before the connection is upgraded into
// a handshake response.
//
// Feed returns nil response and nil error if more bytes are needed. It
// returns an error matching ErrMalformedHandshake if the bytes could not be
// parsed as a handshake request at all.
type Handshaker interface {
	Begin(s *Session)
	Feed(s *Session, p []byte) (*Response, error)
}

// DefaultMaxHeaderSize is a default limit of the handshake request head size.
const DefaultMaxHeaderSize = 4096

// HTTPHandshaker is an RFC6455 server side opening handshake negotiator
// which is fed with bytes as they arrive.
//
// Invalid but parseable requests are answered with an appropriate non-101
// response instead of an error.
type HTTPHandshaker struct {
	// MaxHeaderSize limits the size of the request head. If zero,
	// DefaultMaxHeaderSize is used. Requests exceeding the limit are answered
	// with 413 status.
	MaxHeaderSize int

	// CheckOrigin is called with the Origin header value (which could be
	// empty). If it returns false the request is rejected with 403 status.
	CheckOrigin func(origin string) bool
}

type handshakeKey struct{}

type handshakeState struct {
	buf []byte
}

// Begin implements Handshaker.
func (h HTTPHandshaker) Begin(s *Session) {
	s.Store(handshakeKey{}, &handshakeState{})
}

// Feed implements Handshaker.
func (h HTTPHandshaker) Feed(s *Session, p []byte) (*Response, error) {
	var st *handshakeState
	if v, ok := s.Load(handshakeKey{}); ok {
		st = v.(*handshakeState)
	} else {
		st = &handshakeState{}
		s.Store(handshakeKey{}, st)
	}
	st.buf = append(st.buf, p...)

	limit := h.MaxHeaderSize
	if limit <= 0 {
		limit = DefaultMaxHeaderSize
	}
	end := bytes.Index(st.buf, headEnd)
	if end == -1 {
		if len(st.buf) > limit {
			s.Delete(handshakeKey{})
			return newErrorResponse(http.StatusRequestEntityTooLarge, ErrHeaderTooLarge), nil
		}
		return nil, nil
	}
	s.Delete(handshakeKey{})
	if end+len(headEnd) > limit {
		return newErrorResponse(http.StatusRequestEntityTooLarge, ErrHeaderTooLarge), nil
	}

	req, err := parseRequestHead(st.buf[:end])
	if err != nil {
		return nil, fmt.Errorf("parse request head: %w", err)
	}
	s.SetRequest(req)

	resp := h.respond(req)
	if rest := st.buf[end+len(headEnd):]; len(rest) > 0 {
		resp.Trailing = append([]byte(nil), rest...)
	}
	return resp, nil
}

// respond validates req and prepares the response.
// See https://tools.ietf.org/html/rfc6455#section-4.2.1
func (h HTTPHandshaker) respond(req *Request) *Response {
	// The method of the request MUST be GET, and the HTTP version MUST be at
	// least 1.1.
	if req.Method != http.MethodGet {
		return newErrorResponse(http.StatusBadRequest, ErrBadHttpRequestMethod)
	}
	if req.Major < 1 || (req.Major == 1 && req.Minor < 1) {
		return newErrorResponse(http.StatusBadRequest, ErrBadHttpRequestProto)
	}
	if req.Host == "" {
		return newErrorResponse(http.StatusBadRequest, ErrBadHost)
	}
	if u := req.Header.Get(headerUpgrade); !bytes.EqualFold([]byte(u), expHeaderUpgrade) {
		return newErrorResponse(http.StatusBadRequest, ErrBadUpgrade)
	}
	if c := req.Header.Get(headerConnection); !hasToken(c, expHeaderConnectionLower) {
		return newErrorResponse(http.StatusBadRequest, ErrBadConnection)
	}
	nonce := req.Header.Get(headerSecKey)
	if len(nonce) != nonceSize {
		return newErrorResponse(http.StatusBadRequest, ErrBadSecKey)
	}
	if v := req.Header.Get(headerSecVersion); v != "13" {
		resp := newErrorResponse(http.StatusUpgradeRequired, ErrBadSecVersion)
		resp.Header.Set(headerSecVersion, "13")
		return resp
	}
	if vs := req.Header.Values(headerSecProtocol); len(vs) > 0 && !validTokens(vs) {
		return newErrorResponse(http.StatusBadRequest, ErrMalformedHandshake)
	}
	if check := h.CheckOrigin; check != nil && !check(req.Header.Get(headerOrigin)) {
		return newErrorResponse(http.StatusForbidden, ErrBadOrigin)
	}
	return newUpgradeResponse(nonce)
}
