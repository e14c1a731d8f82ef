package httpx

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// responseRecorder tracks the status and, when limit > 0, keeps the first
// limit bytes of the body.
type responseRecorder struct {
	http.ResponseWriter
	status    int
	bytes     int
	limit     int
	body      []byte
	truncated bool
}

func newResponseRecorder(w http.ResponseWriter, limit int) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, limit: limit}
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n

	if rr.limit > 0 && n > 0 {
		room := rr.limit - len(rr.body)
		switch {
		case room <= 0:
			rr.truncated = true
		case n > room:
			rr.body = append(rr.body, b[:room]...)
			rr.truncated = true
		default:
			rr.body = append(rr.body, b[:n]...)
		}
	}
	return n, err
}

// Status returns the response status, 200 when the handler wrote nothing.
func (rr *responseRecorder) Status() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
