package paywall

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/CedrosPay/x402-gateway/pkg/responders"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// GatewayMuxOptions wires a grpc-gateway mux to the payment flow: X-PAYMENT is
// forwarded to the interceptor, the receipt header comes back as
// X-PAYMENT-RESPONSE and a FailedPrecondition challenge becomes a 402 body.
//
// A payment settled by Middleware in front of the mux reaches handlers
// registered in-process as a request context value. Metadata never carries a
// settled payment, so clients cannot claim one through headers.
func GatewayMuxOptions() []runtime.ServeMuxOption {
	return []runtime.ServeMuxOption{
		runtime.WithIncomingHeaderMatcher(incomingHeaderMatcher),
		runtime.WithOutgoingHeaderMatcher(outgoingHeaderMatcher),
		runtime.WithErrorHandler(paymentErrorHandler),
	}
}

// PaymentFromGRPCContext returns the payment attached by the interceptor, or by
// Middleware when the handler runs behind an in-process gateway mux.
func PaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	return PaymentFromContext(ctx)
}

// incomingHeaderMatcher maps X-PAYMENT to its metadata key and drops every
// other client header that would land in the x-payment namespace.
func incomingHeaderMatcher(key string) (string, bool) {
	if strings.EqualFold(key, x402.HeaderPayment) {
		return MetadataKeyPayment, true
	}
	mdKey, ok := runtime.DefaultHeaderMatcher(key)
	if ok && reservedMetadataKey(mdKey) {
		return "", false
	}
	return mdKey, ok
}

func reservedMetadataKey(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), MetadataKeyPayment)
}

func outgoingHeaderMatcher(key string) (string, bool) {
	if key == MetadataKeyPaymentResponse {
		return x402.HeaderPaymentResponse, true
	}
	return fmt.Sprintf("%s%s", runtime.MetadataHeaderPrefix, key), true
}

func paymentErrorHandler(ctx context.Context, mux *runtime.ServeMux, m runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
		if md, ok := runtime.ServerMetadataFromContext(ctx); ok {
			if v := md.TrailerMD.Get(MetadataKeyPaymentRequired); len(v) > 0 {
				if body, decErr := x402.DecodeChallenge(v[0]); decErr == nil {
					responders.NoStore(w, http.StatusPaymentRequired, body)
					return
				}
			}
		}
	}
	runtime.DefaultHTTPErrorHandler(ctx, mux, m, w, r, err)
}
