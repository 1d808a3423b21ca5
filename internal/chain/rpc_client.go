package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/internal/httputil"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// RejectedError is a JSON-RPC error reply: the chain answered and refused.
type RejectedError struct {
	Method string
	Code   int
	Msg    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected (%d): %s", e.Method, e.Code, e.Msg)
}

// RPCClient is an x402.ChainClient speaking JSON-RPC 2.0 over HTTP.
type RPCClient struct {
	rpc     *rpc.Client
	network string
	metrics *metrics.Metrics
}

type clientOptions struct {
	httpClient *http.Client
	network    string
	metrics    *metrics.Metrics
}

// ClientOption configures Dial.
type ClientOption func(*clientOptions)

// WithHTTPClient replaces the pooled default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithNetworkLabel sets the network label on RPC metrics.
func WithNetworkLabel(network string) ClientOption {
	return func(o *clientOptions) { o.network = network }
}

// WithClientMetrics records call counts and latency.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

// Dial connects to a node at rawURL. HTTP dials are lazy, so no request is sent here.
func Dial(ctx context.Context, rawURL string, opts ...ClientOption) (*RPCClient, error) {
	o := clientOptions{network: x402.DefaultNetwork}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = httputil.NewClient(0)
	}

	c, err := rpc.DialOptions(ctx, rawURL, rpc.WithHTTPClient(o.httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return &RPCClient{rpc: c, network: o.network, metrics: o.metrics}, nil
}

// Close releases the underlying connection.
func (c *RPCClient) Close() error {
	c.rpc.Close()
	return nil
}

// Verify asks the chain to verify. A refusal is reported as an invalid result.
func (c *RPCClient) Verify(ctx context.Context, req x402.PaymentRequirements, payment x402.PaymentPayload) (x402.VerificationResult, error) {
	var res x402.VerificationResult
	err := c.call(ctx, &res, "x402_verify", req, payment)
	var rejected *RejectedError
	if stderrors.As(err, &rejected) {
		return x402.Invalid(payment.Payload.From, errors.ErrCodeVerificationFailed), nil
	}
	return res, err
}

// Settle submits the payment. A refusal is reported in SettlementResult.Error.
func (c *RPCClient) Settle(ctx context.Context, req x402.PaymentRequirements, payment x402.PaymentPayload) (x402.SettlementResult, error) {
	var res x402.SettlementResult
	err := c.call(ctx, &res, "x402_settle", req, payment)
	var rejected *RejectedError
	if stderrors.As(err, &rejected) {
		return x402.SettlementResult{NetworkID: payment.Network, Error: rejected.Msg}, nil
	}
	return res, err
}

// Balance returns account's balance of asset.
func (c *RPCClient) Balance(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	var b hexutil.Big
	if err := c.call(ctx, &b, "x402_balance", account, asset); err != nil {
		return nil, err
	}
	return b.ToInt(), nil
}

// Faucet asks a development node to credit account.
func (c *RPCClient) Faucet(ctx context.Context, account common.Address, amount x402.Amount, asset common.Address) (*big.Int, error) {
	var b hexutil.Big
	if err := c.call(ctx, &b, "x402_faucet", account, amount, asset); err != nil {
		return nil, err
	}
	return b.ToInt(), nil
}

// GetTransfer returns nil when from has not used nonce.
func (c *RPCClient) GetTransfer(ctx context.Context, from common.Address, nonce common.Hash) (*TransferInfo, error) {
	var info *TransferInfo
	if err := c.call(ctx, &info, "x402_getTransfer", from, nonce); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *RPCClient) call(ctx context.Context, result any, method string, args ...any) error {
	start := time.Now()
	err := c.rpc.CallContext(ctx, result, method, args...)
	if err == nil {
		c.metrics.ObserveRPCCall(method, c.network, time.Since(start), "")
		return nil
	}

	classified := classifyRPCError(ctx, method, err)
	errType := "transport"
	var (
		netErr   *x402.NetworkError
		rejected *RejectedError
	)
	switch {
	case stderrors.As(classified, &rejected):
		errType = "rejected"
	case stderrors.As(classified, &netErr) && netErr.Timeout:
		errType = "timeout"
	}
	c.metrics.ObserveRPCCall(method, c.network, time.Since(start), errType)

	log := logger.FromContext(ctx)
	log.Warn().
		Err(err).
		Str("method", method).
		Str("error_type", errType).
		Dur("duration", time.Since(start)).
		Msg("chain.rpc_failed")
	return classified
}

func classifyRPCError(ctx context.Context, method string, err error) error {
	var rpcErr rpc.Error
	if stderrors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == ErrCodeLedgerUnavailable {
			return &x402.NetworkError{Op: method, Err: err}
		}
		return &RejectedError{Method: method, Code: rpcErr.ErrorCode(), Msg: rpcErr.Error()}
	}

	timeout := stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded)
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		timeout = true
	}
	return &x402.NetworkError{Op: method, Timeout: timeout, Err: err}
}
