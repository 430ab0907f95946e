package vhcilog

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger records every wire frame crossing a session, independent of
// the structured slog output.
type RawLogger interface {
	Log(outbound bool, data []byte)
}

type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw creates a RawLogger writing to w. If w is nil, Log is a no-op.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// Log emits a single-line hex dump. outbound=true means host->server,
// outbound=false means server->host (the session is the USB/IP client,
// so these directions are the reverse of an exporter's log).
func (r *rawLogger) Log(outbound bool, data []byte) {
	if len(data) == 0 || r.w == nil {
		return
	}

	dir := "Server->Host"
	if outbound {
		dir = "Host->Server"
	}

	var hexbuf bytes.Buffer
	const hexdigits = "0123456789abcdef"
	for i, b := range data {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[b>>4])
		hexbuf.WriteByte(hexdigits[b&0x0f])
	}

	line := fmt.Sprintf("%s %s chunk: %d bytes, hex: %s\n",
		time.Now().Format("2006/01/02 15:04:05"),
		dir,
		len(data),
		hexbuf.String())

	r.mu.Lock()
	_, _ = r.w.Write([]byte(line))
	r.mu.Unlock()
}
