// Package httpserver builds the process-wide HTTP server for the consent
// API.
package httpserver

import (
	"net/http"
	"time"
)

// Consent calls are small JSON exchanges; anything slower than these bounds
// is a stuck client holding a connection open.
const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 2 * time.Minute
)

// New wraps handler in an http.Server with the consent API's timeouts.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}
