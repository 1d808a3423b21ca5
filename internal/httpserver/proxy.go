package httpserver

import (
	"fmt"
	"net/http"
	stdhttputil "net/http/httputil"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-gateway/internal/circuitbreaker"
	apierrors "github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/internal/httputil"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// newUpstreamProxy forwards paid requests to the resource server. The payment
// header is stripped: the upstream only ever sees settled requests.
func newUpstreamProxy(rawURL string, breakers *circuitbreaker.Manager, log zerolog.Logger) (http.Handler, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	proxy := &stdhttputil.ReverseProxy{
		Rewrite: func(pr *stdhttputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del(x402.HeaderPayment)
		},
		Transport: &breakerTransport{
			base:     &httputil.RequestIDTransport{Base: httputil.NewTransport()},
			breakers: breakers,
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log := logger.FromContext(r.Context())
			log.Error().
				Err(err).
				Str("upstream", target.Host).
				Msg("upstream.proxy_failed")
			// The payment already settled; tell the caller the upstream, not
			// the payment, failed.
			apierrors.WriteSimpleError(w, apierrors.ErrCodeUpstreamError, "upstream resource server unavailable")
		},
	}
	log.Info().Str("upstream", target.String()).Msg("upstream.proxy_configured")
	return proxy, nil
}

// breakerTransport trips the upstream breaker on transport errors and 5xx.
type breakerTransport struct {
	base     http.RoundTripper
	breakers *circuitbreaker.Manager
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := t.breakers.Execute(circuitbreaker.ServiceUpstream, func() (interface{}, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, &upstreamStatusError{resp: resp}
		}
		return resp, nil
	})
	if err != nil {
		if se, ok := err.(*upstreamStatusError); ok {
			// Pass the upstream's own 5xx through; only the breaker counts it.
			return se.resp, nil
		}
		return nil, err
	}
	return out.(*http.Response), nil
}

type upstreamStatusError struct {
	resp *http.Response
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.resp.StatusCode)
}
