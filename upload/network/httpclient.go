package network

import (
	"net/http"
	"time"
)

// DefaultHTTPClient creates an HTTP client tuned for long-running chunk
// uploads. There is no overall timeout: chunk sizes vary by orders of
// magnitude, so deadlines are the caller's job via context.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxConnsPerHost:     10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
