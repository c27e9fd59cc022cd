package wsgate

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gobwas/httphead"
)

const (
	headerHost        = "Host"
	headerUpgrade     = "Upgrade"
	headerConnection  = "Connection"
	headerOrigin      = "Origin"
	headerSecVersion  = "Sec-WebSocket-Version"
	headerSecProtocol = "Sec-WebSocket-Protocol"
	headerSecKey      = "Sec-WebSocket-Key"
	headerSecAccept   = "Sec-WebSocket-Accept"
)

const crlf = "\r\n"

var (
	headEnd = []byte("\r\n\r\n")

	expHeaderUpgrade         = []byte("websocket")
	expHeaderConnectionLower = []byte("upgrade")
)

// Request holds the parts of the opening handshake request which are
// interesting after the handshake is done.
type Request struct {
	Method string
	URI    string
	Host   string
	Major  int
	Minor  int
	Header http.Header
}

// Protocols returns subprotocol names requested by the client in the order
// they were sent. Multiple Sec-WebSocket-Protocol headers are concatenated.
func (r *Request) Protocols() []string {
	if r == nil {
		return nil
	}
	var ret []string
	for _, v := range r.Header.Values(headerSecProtocol) {
		httphead.ScanTokens([]byte(v), func(v []byte) bool {
			ret = append(ret, string(v))
			return true
		})
	}
	return ret
}

// Response is a handshake response produced by a Handshaker.
type Response struct {
	// Status is HTTP status code. Only http.StatusSwitchingProtocols means
	// that connection is upgraded.
	Status int
	Header http.Header
	Body   []byte

	// Trailing holds bytes received after the request head. They belong to
	// the WebSocket stream.
	Trailing []byte

	err error
}

// Upgraded reports whether r is a successful upgrade response.
func (r *Response) Upgraded() bool {
	return r.Status == http.StatusSwitchingProtocols
}

// Err returns an error which caused the handshake to be rejected. It is nil
// for successful responses.
func (r *Response) Err() error {
	return r.err
}

// WriteTo writes r in HTTP/1.1 wire format to w.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Grow(256 + len(r.Body))

	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(r.Status))
	buf.WriteByte(' ')
	buf.WriteString(http.StatusText(r.Status))
	buf.WriteString(crlf)
	if err := r.Header.Write(&buf); err != nil {
		return 0, err
	}
	buf.WriteString(crlf)
	buf.Write(r.Body)

	return buf.WriteTo(w)
}

// Bytes returns r in HTTP/1.1 wire format.
func (r *Response) Bytes() []byte {
	var buf bytes.Buffer
	r.WriteTo(&buf)
	return buf.Bytes()
}

func newUpgradeResponse(nonce string) *Response {
	h := make(http.Header, 4)
	h.Set(headerUpgrade, "websocket")
	h.Set(headerConnection, "Upgrade")
	h.Set(headerSecAccept, acceptKey(nonce))
	return &Response{
		Status: http.StatusSwitchingProtocols,
		Header: h,
	}
}

func newErrorResponse(code int, err error) *Response {
	body := err.Error() + "\n"
	h := make(http.Header, 4)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{
		Status: code,
		Header: h,
		Body:   []byte(body),
		err:    err,
	}
}

// parseRequestHead parses request line and header lines. The head must not
// contain the terminating empty line.
func parseRequestHead(head []byte) (*Request, error) {
	line, rest := nextLine(head)
	rl, ok := httphead.ParseRequestLine(line)
	if !ok {
		return nil, ErrMalformedHandshake
	}
	req := &Request{
		Method: string(rl.Method),
		URI:    string(rl.URI),
		Major:  rl.Version.Major,
		Minor:  rl.Version.Minor,
		Header: make(http.Header, 8),
	}
	for len(rest) > 0 {
		line, rest = nextLine(rest)
		if len(line) == 0 {
			continue
		}
		k, v, ok := httphead.ParseHeaderLine(line)
		if !ok || len(k) == 0 {
			return nil, ErrMalformedHandshake
		}
		req.Header.Add(string(k), string(v))
	}
	req.Host = req.Header.Get(headerHost)
	return req, nil
}

func nextLine(p []byte) (line, rest []byte) {
	i := bytes.Index(p, []byte(crlf))
	if i == -1 {
		return p, nil
	}
	return p[:i], p[i+2:]
}

// hasToken reports whether comma separated list v contains token t. Tokens
// are compared case insensitively.
func hasToken(v string, t []byte) (has bool) {
	httphead.ScanTokens([]byte(v), func(v []byte) bool {
		has = bytes.EqualFold(v, t)
		return !has
	})
	return has
}

// validTokens reports whether all values are comma separated token lists.
func validTokens(vs []string) bool {
	for _, v := range vs {
		if strings.TrimSpace(v) == "" {
			return false
		}
		if !httphead.ScanTokens([]byte(v), func([]byte) bool { return true }) {
			return false
		}
	}
	return true
}
