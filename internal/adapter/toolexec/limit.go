package toolexec

import "bytes"

// limitWriter keeps the first limit bytes written to it and counts the rest.
// Writes never fail, so a chatty process is not killed by a short write.
type limitWriter struct {
	buf     bytes.Buffer
	limit   int
	written int64
}

func (w *limitWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if room := w.limit - w.buf.Len(); room > 0 {
		w.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (w *limitWriter) String() string { return w.buf.String() }

func (w *limitWriter) Len() int { return w.buf.Len() }

// Written is the total number of bytes offered, kept or not.
func (w *limitWriter) Written() int64 { return w.written }

// Truncated reports whether any bytes were dropped.
func (w *limitWriter) Truncated() bool { return w.written > int64(w.buf.Len()) }
