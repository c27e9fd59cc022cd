package wsgate

import (
	"crypto/sha1"
	"encoding/base64"
	"hash"
	"sync"
)

const (
	// RFC6455: The value of this header field MUST be a nonce consisting of a
	// randomly selected 16-byte value that has been base64-encoded (see
	// Section 4 of [RFC4648]).  The nonce MUST be selected randomly for each
	// connection.
	nonceSize = 24 // base64.StdEncoding.EncodedLen(16)

	// RFC6455: The value of this header field is constructed by concatenating
	// /key/, defined above in step 4 in Section 4.2.2, with the string
	// "258EAFA5- E914-47DA-95CA-C5AB0DC85B11", taking the SHA-1 hash of this
	// concatenated value to obtain a 20-byte value and base64- encoding (see
	// Section 4 of [RFC4648]) this 20-byte hash.
	acceptSize = 28 // base64.StdEncoding.EncodedLen(sha1.Size)
)

var webSocketMagic = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

var sha1Pool sync.Pool

func acquireSha1() hash.Hash {
	if h := sha1Pool.Get(); h != nil {
		return h.(hash.Hash)
	}
	return sha1.New()
}

func releaseSha1(h hash.Hash) {
	h.Reset()
	sha1Pool.Put(h)
}

// acceptKey returns Sec-WebSocket-Accept header value for given client
// nonce.
func acceptKey(nonce string) string {
	sha := acquireSha1()
	defer releaseSha1(sha)

	sha.Write([]byte(nonce))
	sha.Write(webSocketMagic)

	var (
		sb  [sha1.Size]byte
		dst [acceptSize]byte
	)
	base64.StdEncoding.Encode(dst[:], sha.Sum(sb[:0]))

	return string(dst[:])
}
