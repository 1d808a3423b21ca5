package httputil

import (
	"net/http"
	"time"

	"github.com/CedrosPay/x402-gateway/internal/logger"
)

// NewTransport returns the pooled transport shared by the chain RPC client
// and the upstream reverse proxy.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// NewClient creates an HTTP client that forwards the request ID found in the
// outgoing request's context. A zero timeout leaves deadlines to the context.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &RequestIDTransport{Base: NewTransport()},
	}
}

// RequestIDTransport copies logger.GetRequestID(ctx) into X-Request-ID.
type RequestIDTransport struct {
	Base http.RoundTripper
}

func (t *RequestIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	id := logger.GetRequestID(req.Context())
	if id == "" || req.Header.Get(logger.HeaderRequestID) != "" {
		return base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set(logger.HeaderRequestID, id)
	return base.RoundTrip(clone)
}
