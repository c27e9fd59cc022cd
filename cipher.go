package wsgate

import "encoding/binary"

// Cipher applies XOR cipher to the payload using mask.
// Offset is used to cipher chunked data (e.g. in io.Reader implementations).
//
// To convert masked data into unmasked data, or vice versa, the following
// algorithm is applied.  The same algorithm applies regardless of the
// direction of the translation, e.g., the same steps are applied to
// mask the data as to unmask the data.
func Cipher(payload []byte, mask [4]byte, offset int) {
	n := len(payload)
	if n < 8 {
		for i := 0; i < n; i++ {
			payload[i] ^= mask[(offset+i)%4]
		}
		return
	}

	// Rotate mask so that its first byte corresponds to payload[0].
	var m [4]byte
	for i := range m {
		m[i] = mask[(offset+i)%4]
	}
	m4 := binary.LittleEndian.Uint32(m[:])
	m8 := uint64(m4)<<32 | uint64(m4)

	// Process payload by 8 bytes in each iteration of main loop. Mask period
	// is 4, so the rotated mask stays aligned for every chunk.
	i := 0
	for ; i+8 <= n; i += 8 {
		v := binary.LittleEndian.Uint64(payload[i:])
		binary.LittleEndian.PutUint64(payload[i:], v^m8)
	}
	for ; i < n; i++ {
		payload[i] ^= m[i%4]
	}
}
