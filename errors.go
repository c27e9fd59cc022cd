package wsgate

import (
	"errors"
	"fmt"
)

// Lifecycle errors. They mean that transport events were delivered out of
// order (or twice) and are not supposed to be handled by retrying.
var (
	ErrUnknownConnection   = fmt.Errorf("unknown connection")
	ErrDuplicateConnection = fmt.Errorf("duplicate connection")
)

// Handshake errors.
var (
	ErrMalformedHandshake = fmt.Errorf("malformed handshake request")
	ErrHandshakeRejected  = fmt.Errorf("handshake rejected")

	ErrBadHttpRequestMethod = fmt.Errorf("bad HTTP request method")
	ErrBadHttpRequestProto  = fmt.Errorf("bad HTTP request protocol version")
	ErrBadHost              = fmt.Errorf("bad %q header", headerHost)
	ErrBadUpgrade           = fmt.Errorf("bad %q header", headerUpgrade)
	ErrBadConnection        = fmt.Errorf("bad %q header", headerConnection)
	ErrBadSecKey            = fmt.Errorf("bad %q header", headerSecKey)
	ErrBadSecVersion        = fmt.Errorf("bad %q header", headerSecVersion)
	ErrBadOrigin            = fmt.Errorf("origin is not allowed")
	ErrHeaderTooLarge       = fmt.Errorf("request header too large")
)

// ErrMessageTooBig is returned by MessageParser when a message exceeds
// configured MaxMessageSize limit.
var ErrMessageTooBig = fmt.Errorf("message is too big")

// ErrInvalidUTF8 is returned by MessageParser when a text message payload is
// not a valid utf8 sequence.
var ErrInvalidUTF8 = fmt.Errorf("invalid utf8 sequence in text message")

// IsLifecycleError reports whether err signals a broken connection lifecycle,
// that is, an event for a connection that was never opened or was already
// closed, or a second open for the same connection.
func IsLifecycleError(err error) bool {
	return errors.Is(err, ErrUnknownConnection) || errors.Is(err, ErrDuplicateConnection)
}
