package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-gateway/internal/chain"
	"github.com/CedrosPay/x402-gateway/internal/circuitbreaker"
	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
	"github.com/CedrosPay/x402-gateway/internal/paywall"
	"github.com/CedrosPay/x402-gateway/internal/pricing"
	"github.com/CedrosPay/x402-gateway/internal/settlement"
	"github.com/CedrosPay/x402-gateway/internal/storage"
	"github.com/CedrosPay/x402-gateway/internal/verification"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
	"github.com/CedrosPay/x402-gateway/pkg/x402/evm"
)

var payee = common.HexToAddress("0x5555555555555555555555555555555555555555")

func newPaidServer(t *testing.T) (*httptest.Server, *chain.Ledger) {
	t.Helper()
	networks := evm.DefaultNetworks()
	resolver, err := pricing.NewResolver(pricing.Config{
		Routes: map[string]pricing.Route{
			"/paid":  {Price: "0.001"},
			"/echo":  {Price: "0.002"},
			"/price": {Price: "5"},
		},
		DefaultPrice: "0",
		Decimals:     6,
		PayTo:        payee,
		Asset:        x402.NativeAsset,
		Network:      x402.DefaultNetwork,
	})
	if err != nil {
		t.Fatalf("NewResolver error: %v", err)
	}
	ledger, err := chain.NewLedger(storage.NewMemoryStore(), networks, x402.DefaultNetwork)
	if err != nil {
		t.Fatalf("NewLedger error: %v", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	verifier := verification.NewEngine(networks)
	breakers := circuitbreaker.NewManagerFromConfig(config.CircuitBreakerConfig{}, nil)
	settler := settlement.NewEngine(ledger, verifier, settlement.WithBreakers(breakers), settlement.WithMetrics(m))
	svc := paywall.NewService(resolver, verifier, settler, paywall.WithMetrics(m))

	mux := http.NewServeMux()
	mux.HandleFunc("/paid", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "paid content")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(w, r.Body)
	})
	mux.HandleFunc("/free", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "free content")
	})
	srv := httptest.NewServer(svc.Middleware(mux))
	t.Cleanup(srv.Close)
	return srv, ledger
}

func fundedClient(t *testing.T, ledger *chain.Ledger, opts ...Option) *Client {
	t.Helper()
	signer, err := evm.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner error: %v", err)
	}
	if _, err := ledger.Fund(context.Background(), x402.NativeAsset, signer.Address(), big.NewInt(10_000)); err != nil {
		t.Fatalf("Fund error: %v", err)
	}
	return New(signer, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
}

func TestClientPaysAndReturnsReceipt(t *testing.T) {
	srv, ledger := newPaidServer(t)
	c := fundedClient(t, ledger)

	resp, err := c.Get(srv.URL + "/paid")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "paid content" {
		t.Fatalf("body = %q", body)
	}

	receipt, ok, err := ReceiptFrom(resp)
	if err != nil || !ok {
		t.Fatalf("ReceiptFrom = %v, %v", ok, err)
	}
	if !receipt.Success || receipt.TxHash == "" {
		t.Fatalf("receipt = %+v", receipt)
	}

	bal, err := ledger.Balance(context.Background(), payee, x402.NativeAsset)
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	if bal.Int64() != 1000 {
		t.Fatalf("payee balance = %s, want 1000", bal)
	}
}

func TestClientReplaysBody(t *testing.T) {
	srv, ledger := newPaidServer(t)
	c := fundedClient(t, ledger)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/echo", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("NewRequest error: %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q, want hello", body)
	}
}

func TestClientFreeResourceDoesNotPay(t *testing.T) {
	srv, ledger := newPaidServer(t)
	c := fundedClient(t, ledger)

	resp, err := c.Get(srv.URL + "/free")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	defer resp.Body.Close()
	if _, ok, _ := ReceiptFrom(resp); ok {
		t.Fatal("free resource returned a receipt")
	}
}

func TestClientRespectsLimit(t *testing.T) {
	srv, ledger := newPaidServer(t)
	c := fundedClient(t, ledger, WithMaxAmount(x402.AmountFromUint64(1000)))

	if _, err := c.Get(srv.URL + "/price"); !errors.Is(err, ErrAmountAboveLimit) {
		t.Fatalf("err = %v, want ErrAmountAboveLimit", err)
	}
}

func TestClientUnknownNetwork(t *testing.T) {
	srv, ledger := newPaidServer(t)
	c := fundedClient(t, ledger, WithNetworks(evm.Networks{}))

	if _, err := c.Get(srv.URL + "/paid"); !errors.Is(err, ErrNoAcceptableRequirement) {
		t.Fatalf("err = %v, want ErrNoAcceptableRequirement", err)
	}
}

func TestClientReportsRejection(t *testing.T) {
	srv, _ := newPaidServer(t)
	// Unfunded payer: settlement fails with insufficient_funds.
	signer, err := evm.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner error: %v", err)
	}
	c := New(signer)

	_, err = c.Get(srv.URL + "/paid")
	var rejected *ChallengeError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want *ChallengeError", err)
	}
	if rejected.Challenge.Error != "insufficient_funds" {
		t.Fatalf("reason = %q, want insufficient_funds", rejected.Challenge.Error)
	}
}

func TestPaySelectsExactScheme(t *testing.T) {
	signer, err := evm.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner error: %v", err)
	}
	c := New(signer)
	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.DefaultNetwork,
		MaxAmountRequired: x402.AmountFromUint64(7),
		PayTo:             payee,
		MaxTimeoutSeconds: 60,
	}
	other := req
	other.Scheme = "upto"

	header, chosen, err := c.Pay(x402.PaymentRequiredResponse{X402Version: 1, Accepts: []x402.PaymentRequirements{other, req}})
	if err != nil {
		t.Fatalf("Pay error: %v", err)
	}
	if chosen.Scheme != x402.SchemeExact {
		t.Fatalf("chosen scheme = %q", chosen.Scheme)
	}
	payment, err := x402.DecodePayment(header)
	if err != nil {
		t.Fatalf("DecodePayment error: %v", err)
	}
	if payment.Payload.From != signer.Address() || payment.Payload.Value.Cmp(req.MaxAmountRequired) != 0 {
		t.Fatalf("payload = %+v", payment.Payload)
	}
	raw, _ := json.Marshal(payment)
	if !strings.Contains(string(raw), `"scheme":"exact"`) {
		t.Fatalf("payment json = %s", raw)
	}
}
