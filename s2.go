package snet

import "github.com/klauspost/compress/s2"

// S2Compressor implements Compressor with the S2 block format. It trades
// ratio for much cheaper encoding than the range coder, which can matter on
// busy servers. Both ends must install it.
type S2Compressor struct {
	scratch []byte
}

// NewS2Compressor returns a compression context implementing Compressor.
func NewS2Compressor() *S2Compressor { return &S2Compressor{} }

func (c *S2Compressor) Compress(inBuffers [][]byte, inLimit int, out []byte) int {
	in := c.scratch[:0]
	for _, b := range inBuffers {
		in = append(in, b...)
	}
	c.scratch = in

	encoded := s2.Encode(nil, in)
	if len(encoded) > len(out) {
		return 0
	}
	return copy(out, encoded)
}

func (c *S2Compressor) Decompress(in, out []byte) int {
	decoded, err := s2.Decode(out, in)
	if err != nil || len(decoded) > len(out) {
		return 0
	}
	return copy(out, decoded)
}
