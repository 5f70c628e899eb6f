package audio

// DefaultChunkTarget is the transport chunk size the Chunker aims for.
const DefaultChunkTarget = 2048

// DefaultChunkMax is the hard upper bound on an emitted chunk.
const DefaultChunkMax = 4096

// Chunker repackages variable-length PCM blocks into transport-sized chunks.
// Incoming blocks are buffered until at least target bytes are available;
// any remainder is carried forward into the next chunk rather than dropped,
// so the sum of all emitted chunk lengths equals the total input length
// exactly. Not safe for concurrent use; the capture engine owns one per
// stream.
type Chunker struct {
	target int
	max    int
	buf    []byte
}

// NewChunker creates a Chunker with the given target and hard-cap chunk
// sizes. Zero or negative values fall back to the defaults; a max below
// target is raised to target.
func NewChunker(target, max int) *Chunker {
	if target <= 0 {
		target = DefaultChunkTarget
	}
	if max <= 0 {
		max = DefaultChunkMax
	}
	if max < target {
		max = target
	}
	return &Chunker{
		target: target,
		max:    max,
		buf:    make([]byte, 0, max),
	}
}

// Push appends p to the internal buffer and returns zero or more chunks of
// exactly target bytes. Bytes beyond the last full chunk stay buffered.
func (c *Chunker) Push(p []byte) [][]byte {
	c.buf = append(c.buf, p...)

	var out [][]byte
	for len(c.buf) >= c.target {
		chunk := make([]byte, c.target)
		copy(chunk, c.buf[:c.target])
		out = append(out, chunk)
		c.buf = c.buf[:copy(c.buf, c.buf[c.target:])]
	}
	return out
}

// Flush emits any buffered remainder and resets the buffer. If the remainder
// exceeds the hard cap it is split into two chunks so no emitted chunk ever
// exceeds max. An empty buffer yields nil.
func (c *Chunker) Flush() [][]byte {
	if len(c.buf) == 0 {
		return nil
	}

	var out [][]byte
	rest := c.buf
	for len(rest) > 0 {
		n := len(rest)
		if n > c.max {
			n = c.max
		}
		chunk := make([]byte, n)
		copy(chunk, rest[:n])
		out = append(out, chunk)
		rest = rest[n:]
	}
	c.buf = c.buf[:0]
	return out
}

// Buffered returns the number of bytes currently carried forward.
func (c *Chunker) Buffered() int { return len(c.buf) }
