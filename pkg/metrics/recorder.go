package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// statusRecorder captures the status code written to a response.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *statusRecorder) WriteHeader(statusCode int) {
	if rr.statusCode == 0 {
		rr.statusCode = statusCode
	}
	rr.ResponseWriter.WriteHeader(statusCode)
}

func (rr *statusRecorder) Write(b []byte) (int, error) {
	if rr.statusCode == 0 {
		rr.statusCode = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

func (rr *statusRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades through.
func (rr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	rr.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rr *statusRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// Middleware counts the requests served by next, labelled by the matched
// route pattern.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		r.countHTTP(route, status)
	})
}
