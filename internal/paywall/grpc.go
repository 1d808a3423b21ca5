package paywall

import (
	"context"
	stderrors "errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// UnaryServerInterceptor enforces payment on gRPC methods. Methods are priced
// by full name ("/pkg.Service/Method") through the same resolver as HTTP paths.
// The payment travels in metadata "x-payment"; a challenge is returned as
// FailedPrecondition with the encoded 402 body in trailer "x-payment-required"
// and the receipt is sent as header "x-payment-response".
func (s *Service) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		result, err := s.Authorize(ctx, info.FullMethod, paymentFromMetadata(ctx))
		if err != nil {
			return nil, grpcFailure(ctx, result, err)
		}
		if result.Free {
			return handler(ctx, req)
		}
		if !result.Granted {
			return nil, challengeStatus(ctx, result.challenge(MissingPaymentMessage, ""), MissingPaymentMessage)
		}

		paid := result.paymentContext(info.FullMethod, s.now())
		if receipt, err := x402.EncodeReceipt(paid.Receipt()); err == nil {
			if err := grpc.SetHeader(ctx, metadata.Pairs(MetadataKeyPaymentResponse, receipt)); err != nil {
				log := logger.FromContext(ctx)
				log.Warn().Err(err).Msg("paywall.receipt_header_failed")
			}
		}
		return handler(WithPayment(ctx, paid), req)
	}
}

func paymentFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(MetadataKeyPayment); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func grpcFailure(ctx context.Context, result AuthorizationResult, err error) error {
	var (
		decErr *x402.DecodeError
		verErr *x402.VerificationError
		setErr *x402.SettlementError
		netErr *x402.NetworkError
	)
	switch {
	case stderrors.As(err, &decErr):
		return status.Error(codes.InvalidArgument, decErr.Error())
	case stderrors.As(err, &setErr):
		if setErr.Code == errors.ErrCodeAlreadySettled {
			return status.Error(codes.AlreadyExists, string(setErr.Code))
		}
		return challengeStatus(ctx, result.challenge(string(setErr.Code), setErr.Message), string(setErr.Code))
	case stderrors.As(err, &verErr):
		return challengeStatus(ctx, result.challenge(string(verErr.Code), verErr.Message), string(verErr.Code))
	case stderrors.As(err, &netErr):
		return status.Error(codes.Unavailable, string(netErr.Code()))
	default:
		return status.Error(codes.Internal, "payment could not be processed")
	}
}

func challengeStatus(ctx context.Context, body x402.PaymentRequiredResponse, reason string) error {
	encoded, err := x402.EncodeChallenge(body)
	if err != nil {
		return status.Error(codes.Internal, "encode payment requirements")
	}
	if err := grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentRequired, encoded)); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("paywall.challenge_trailer_failed")
	}
	return status.Error(codes.FailedPrecondition, reason)
}
