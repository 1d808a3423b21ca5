// Package client pays for x402-gated HTTP resources. A request answered with
// 402 is signed against the challenge's requirements and sent again with an
// X-PAYMENT header.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
	"github.com/CedrosPay/x402-gateway/pkg/x402/evm"
)

var (
	// ErrNoAcceptableRequirement means no entry of the challenge could be paid.
	ErrNoAcceptableRequirement = errors.New("x402 client: no acceptable payment requirement")
	// ErrAmountAboveLimit means the cheapest payable entry exceeds the client's limit.
	ErrAmountAboveLimit = errors.New("x402 client: required amount above limit")
)

// ChallengeError reports a 402 returned after the payment was attached.
type ChallengeError struct {
	Challenge x402.PaymentRequiredResponse
}

func (e *ChallengeError) Error() string {
	if e.Challenge.Message != "" {
		return fmt.Sprintf("x402 client: payment rejected: %s: %s", e.Challenge.Error, e.Challenge.Message)
	}
	return "x402 client: payment rejected: " + e.Challenge.Error
}

// Client wraps an http.Client with automatic x402 payment.
type Client struct {
	http     *http.Client
	signer   *evm.Signer
	networks evm.Networks
	limit    *x402.Amount
	sigType  x402.SignatureType
	window   time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying transport client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithNetworks sets the networks the client will sign for.
func WithNetworks(n evm.Networks) Option {
	return func(cl *Client) { cl.networks = n }
}

// WithMaxAmount refuses requirements above limit atomic units.
func WithMaxAmount(limit x402.Amount) Option {
	return func(cl *Client) { cl.limit = &limit }
}

// WithSignatureType forces a signing variant instead of the one the server asks for.
func WithSignatureType(t x402.SignatureType) Option {
	return func(cl *Client) { cl.sigType = t }
}

// WithValidityWindow sets how long a signed payload stays valid.
func WithValidityWindow(d time.Duration) Option {
	return func(cl *Client) { cl.window = d }
}

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// New returns a client paying with signer.
func New(signer *evm.Signer, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 90 * time.Second},
		signer:   signer,
		networks: evm.DefaultNetworks(),
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address is the payer address.
func (c *Client) Address() string {
	return c.signer.Address().Hex()
}

// Do sends req and, if the server demands payment, pays and retries once.
// The retried response is returned as-is; a second 402 is reported as a
// *ChallengeError. Request bodies are buffered so they can be replayed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}
	if req.Header.Get(logger.HeaderRequestID) == "" {
		req.Header.Set(logger.HeaderRequestID, logger.NewRequestID())
	}

	resp, err := c.http.Do(withBody(req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := readChallenge(resp)
	if err != nil {
		return nil, err
	}
	header, chosen, err := c.Pay(challenge)
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("resource", chosen.Resource).
		Str("network", chosen.Network).
		Str("amount", chosen.MaxAmountRequired.String()).
		Str("payer", logger.TruncateAddress(c.Address())).
		Msg("x402_client.paying")

	retry := withBody(req, body)
	retry.Header.Set(x402.HeaderPayment, header)
	resp, err = c.http.Do(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		rejected, err := readChallenge(resp)
		if err != nil {
			return nil, err
		}
		return nil, &ChallengeError{Challenge: rejected}
	}
	return resp, nil
}

// Get is a convenience wrapper around Do.
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Pay selects a requirement from challenge and returns the encoded X-PAYMENT
// header answering it.
func (c *Client) Pay(challenge x402.PaymentRequiredResponse) (string, x402.PaymentRequirements, error) {
	req, chainID, err := c.choose(challenge.Accepts)
	if err != nil {
		return "", x402.PaymentRequirements{}, err
	}
	payment, err := c.signer.Authorize(req, chainID, evm.AuthorizeOptions{
		SignatureType: c.sigType,
		Window:        c.window,
		Now:           c.now(),
	})
	if err != nil {
		return "", x402.PaymentRequirements{}, err
	}
	header, err := x402.EncodePayment(payment)
	if err != nil {
		return "", x402.PaymentRequirements{}, err
	}
	return header, req, nil
}

func (c *Client) choose(accepts []x402.PaymentRequirements) (x402.PaymentRequirements, *big.Int, error) {
	aboveLimit := false
	for _, req := range accepts {
		if req.Scheme != x402.SchemeExact {
			continue
		}
		chainID, ok := c.networks.ChainID(req.Network)
		if !ok {
			continue
		}
		if c.limit != nil && req.MaxAmountRequired.Cmp(*c.limit) > 0 {
			aboveLimit = true
			continue
		}
		return req, chainID, nil
	}
	if aboveLimit {
		return x402.PaymentRequirements{}, nil, ErrAmountAboveLimit
	}
	return x402.PaymentRequirements{}, nil, ErrNoAcceptableRequirement
}

// ReceiptFrom decodes the X-PAYMENT-RESPONSE header of resp.
func ReceiptFrom(resp *http.Response) (x402.Receipt, bool, error) {
	raw := resp.Header.Get(x402.HeaderPaymentResponse)
	if raw == "" {
		return x402.Receipt{}, false, nil
	}
	r, err := x402.DecodeReceipt(raw)
	if err != nil {
		return x402.Receipt{}, false, err
	}
	return r, true, nil
}

func readChallenge(resp *http.Response) (x402.PaymentRequiredResponse, error) {
	defer resp.Body.Close()
	var challenge x402.PaymentRequiredResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&challenge); err != nil {
		return challenge, fmt.Errorf("x402 client: decode 402 body: %w", err)
	}
	return challenge, nil
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("x402 client: read request body: %w", err)
	}
	return data, nil
}

func withBody(req *http.Request, body []byte) *http.Request {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
	}
	return out
}
