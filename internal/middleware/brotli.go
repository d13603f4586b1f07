package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// DefaultBrotliMinBytes keeps small envelopes such as acks and errors
// uncompressed. Room snapshots and submission lists cross it easily.
const DefaultBrotliMinBytes = 1024

// brotliLevel favours latency; responses are JSON generated per request.
const brotliLevel = 5

var brotliEncoders = sync.Pool{
	New: func() any { return brotli.NewWriterLevel(io.Discard, brotliLevel) },
}

// brotliResponse holds the body back until it is known to be at least
// minBytes long, then switches to streaming through a pooled encoder.
type brotliResponse struct {
	gin.ResponseWriter
	minBytes int
	pending  []byte
	enc      *brotli.Writer
}

func (w *brotliResponse) Write(data []byte) (int, error) {
	if w.enc != nil {
		return w.enc.Write(data)
	}
	w.pending = append(w.pending, data...)
	if len(w.pending) < w.minBytes {
		return len(data), nil
	}

	h := w.ResponseWriter.Header()
	h.Set("Content-Encoding", "br")
	h.Del("Content-Length")
	w.enc = brotliEncoders.Get().(*brotli.Writer)
	w.enc.Reset(w.ResponseWriter)
	if _, err := w.enc.Write(w.pending); err != nil {
		return 0, err
	}
	w.pending = nil
	return len(data), nil
}

func (w *brotliResponse) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// finish flushes a short body as is or closes the encoder.
func (w *brotliResponse) finish() error {
	if w.enc == nil {
		if len(w.pending) == 0 {
			return nil
		}
		_, err := w.ResponseWriter.Write(w.pending)
		return err
	}
	err := w.enc.Close()
	w.enc.Reset(io.Discard)
	brotliEncoders.Put(w.enc)
	return err
}

// Brotli compresses REST responses of at least minBytes for clients that
// accept br. WebSocket upgrades pass through untouched, since the
// handshake needs the raw connection.
func Brotli(minBytes int) gin.HandlerFunc {
	if minBytes <= 0 {
		minBytes = DefaultBrotliMinBytes
	}
	return func(c *gin.Context) {
		if isUpgrade(c.Request) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")
		w := &brotliResponse{ResponseWriter: c.Writer, minBytes: minBytes}
		c.Writer = w
		defer func() {
			if err := w.finish(); err != nil {
				_ = c.Error(err)
			}
		}()
		c.Next()
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		// Tokens may carry a quality value such as "br;q=0.8".
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
