package registry

// WriteCursor is the explicit small-state-machine standing in for the
// hand-rolled "store partial" coroutine on the writer path: when an
// outbound payload doesn't fit a single reader-supplied buffer, the
// cursor remembers how much of the header+payload has already gone out
// so the next reader call can resume exactly where the last left off.
type WriteCursor struct {
	req     *Request
	header  []byte
	payload []byte
	sent    int // bytes of header+payload already written
}

// newWriteCursor builds a cursor over a fully-framed outbound buffer
// (header followed by payload, iso descriptors already appended by the
// caller if applicable).
func newWriteCursor(req *Request, header, payload []byte) *WriteCursor {
	return &WriteCursor{req: req, header: header, payload: payload}
}

// total is the number of bytes this cursor must emit in all.
func (c *WriteCursor) total() int {
	return len(c.header) + len(c.payload)
}

// Done reports whether every byte has been handed out.
func (c *WriteCursor) Done() bool {
	return c.sent >= c.total()
}

// Next copies up to len(buf) unsent bytes into buf and advances the
// cursor, returning how many bytes were written.
func (c *WriteCursor) Next(buf []byte) int {
	n := 0
	for n < len(buf) && !c.Done() {
		var chunk []byte
		if c.sent < len(c.header) {
			chunk = c.header[c.sent:]
		} else {
			chunk = c.payload[c.sent-len(c.header):]
		}
		copied := copy(buf[n:], chunk)
		n += copied
		c.sent += copied
	}
	return n
}

// Request returns the URBR this cursor is draining.
func (c *WriteCursor) Request() *Request { return c.req }
