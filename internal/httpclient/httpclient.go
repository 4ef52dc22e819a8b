// Package httpclient provides the shared pooled HTTP client used by all
// downloads in the process.
package httpclient

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 120 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
	}
}

// Default returns the shared tuned HTTP client. Safe for concurrent use.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout sharing the default
// transport's connection pool.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t,
	}
}
