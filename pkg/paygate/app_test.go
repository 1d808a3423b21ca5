package paygate

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-gateway/internal/callbacks"
	"github.com/CedrosPay/x402-gateway/internal/chain"
	"github.com/CedrosPay/x402-gateway/internal/monitoring"
	"github.com/CedrosPay/x402-gateway/internal/paywall"
	"github.com/CedrosPay/x402-gateway/internal/storage"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
	"github.com/CedrosPay/x402-gateway/pkg/x402/evm"
)

const testConfig = `
gateway:
  pay_to: "0x4444444444444444444444444444444444444444"
  decimals: 6
  routes:
    "/api/premium":
      price: "0.001"
rate_limit:
  per_payer_enabled: false
`

func writeConfig(t *testing.T, extra string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(testConfig+extra), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	return cfg
}

func fundedLedger(t *testing.T, cfg *Config) (*chain.Ledger, *evm.Signer) {
	t.Helper()
	ledger, err := chain.NewLedger(storage.NewMemoryStore(), cfg.EVMNetworks(), cfg.Gateway.Network)
	if err != nil {
		t.Fatalf("NewLedger error: %v", err)
	}
	signer, err := evm.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner error: %v", err)
	}
	if _, err := ledger.Fund(context.Background(), x402.NativeAsset, signer.Address(), big.NewInt(1_000_000)); err != nil {
		t.Fatalf("Fund error: %v", err)
	}
	return ledger, signer
}

func paymentHeader(t *testing.T, app *App, signer *evm.Signer, resource string) string {
	t.Helper()
	req, free := app.Paywall.Requirements(resource)
	if free {
		t.Fatalf("%s is free", resource)
	}
	payment, err := signer.Authorize(req, big.NewInt(x402.DefaultChainID), evm.AuthorizeOptions{})
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	header, err := x402.EncodePayment(payment)
	if err != nil {
		t.Fatalf("EncodePayment error: %v", err)
	}
	return header
}

func serve(h http.Handler, path, payment string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if payment != "" {
		r.Header.Set(x402.HeaderPayment, payment)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestNewAppRequiresConfig(t *testing.T) {
	if _, err := NewApp(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewAppWithInjectedChain(t *testing.T) {
	cfg := writeConfig(t, "")
	ledger, signer := fundedLedger(t, cfg)

	app, err := NewApp(context.Background(), cfg,
		WithChain(ledger),
		WithRegistry(prometheus.NewRegistry()),
		WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	defer app.Close()

	if w := serve(app.Handler(), "/api/premium", ""); w.Code != http.StatusPaymentRequired {
		t.Fatalf("unpaid status = %d, want 402", w.Code)
	}

	w := serve(app.Handler(), "/api/premium", paymentHeader(t, app, signer, "/api/premium"))
	if w.Code != http.StatusOK {
		t.Fatalf("paid status = %d, want 200: %s", w.Code, w.Body.String())
	}
	receipt, err := x402.DecodeReceipt(w.Header().Get(x402.HeaderPaymentResponse))
	if err != nil {
		t.Fatalf("DecodeReceipt error: %v", err)
	}
	if !receipt.Success || receipt.NetworkID != x402.DefaultNetwork {
		t.Fatalf("receipt = %+v", receipt)
	}

	payTo := common.HexToAddress(cfg.Gateway.PayTo)
	bal, err := ledger.Balance(context.Background(), payTo, x402.NativeAsset)
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	if bal.Int64() != 1000 {
		t.Fatalf("payee balance = %s, want 1000", bal)
	}
}

func TestNewAppDialsNode(t *testing.T) {
	cfg := writeConfig(t, "")
	ledger, signer := fundedLedger(t, cfg)

	rpcServer, err := chain.NewServer(chain.NewService(ledger, false))
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	defer rpcServer.Stop()
	node := httptest.NewServer(rpcServer)
	defer node.Close()

	cfg.Chain.RPCURL = node.URL
	cfg.Gateway.RemoteVerify = true
	cfg.Monitoring.Accounts = []string{cfg.Gateway.PayTo}
	cfg.Monitoring.LowBalanceThreshold = "1"

	app, err := NewApp(context.Background(), cfg,
		WithRegistry(prometheus.NewRegistry()),
		WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	defer app.Close()
	if app.Monitor == nil {
		t.Fatal("balance monitor not started for an RPC chain")
	}

	header := paymentHeader(t, app, signer, "/api/premium")
	if w := serve(app.Handler(), "/api/premium", header); w.Code != http.StatusOK {
		t.Fatalf("paid status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if w := serve(app.Handler(), "/api/premium", header); w.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", w.Code)
	}
}

var (
	_ monitoring.BalanceReader = (*chain.Ledger)(nil)
	_ monitoring.BalanceReader = (*chain.RPCClient)(nil)
)

func TestNewAppMonitorsInProcessLedger(t *testing.T) {
	cfg := writeConfig(t, "")
	ledger, _ := fundedLedger(t, cfg)
	cfg.Monitoring.Accounts = []string{cfg.Gateway.PayTo}
	cfg.Monitoring.LowBalanceThreshold = "1"

	app, err := NewApp(context.Background(), cfg,
		WithChain(ledger),
		WithRegistry(prometheus.NewRegistry()),
		WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	defer app.Close()
	if app.Monitor == nil {
		t.Fatal("balance monitor not started for the in-process ledger")
	}
}

func TestAppMiddlewareAndUpstream(t *testing.T) {
	cfg := writeConfig(t, "")
	ledger, signer := fundedLedger(t, cfg)

	var payer string
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := paywall.PaymentFromContext(r.Context()); ok {
			payer = p.Payer.Hex()
		}
		w.WriteHeader(http.StatusNoContent)
	})

	router := chi.NewRouter()
	app, err := NewApp(context.Background(), cfg,
		WithChain(ledger),
		WithRouter(router),
		WithUpstream(upstream),
		WithRegistry(prometheus.NewRegistry()),
		WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	if app.Monitor != nil {
		t.Fatal("monitor started without monitored accounts")
	}
	if app.Router() != router {
		t.Fatal("app did not use the supplied router")
	}

	if w := serve(router, "/api/premium", paymentHeader(t, app, signer, "/api/premium")); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", w.Code, w.Body.String())
	}
	if payer != signer.Address().Hex() {
		t.Fatalf("upstream payer = %q, want %s", payer, signer.Address().Hex())
	}

	gated := app.Middleware(upstream)
	if w := serve(gated, "/api/premium", ""); w.Code != http.StatusPaymentRequired {
		t.Fatalf("middleware status = %d, want 402", w.Code)
	}
	if len(app.GatewayMuxOptions()) == 0 {
		t.Fatal("no grpc-gateway options")
	}
}

func TestNewAppPostsPaymentCallback(t *testing.T) {
	bodies := make(chan []byte, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := writeConfig(t, "callbacks:\n  payment_settled_url: \""+hook.URL+"\"\n")
	ledger, signer := fundedLedger(t, cfg)
	app, err := NewApp(context.Background(), cfg,
		WithChain(ledger),
		WithRegistry(prometheus.NewRegistry()),
		WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	if app.Hooks.Len() != 1 {
		t.Fatalf("hooks = %d, want 1", app.Hooks.Len())
	}

	w := serve(app.Handler(), "/api/premium", paymentHeader(t, app, signer, "/api/premium"))
	if w.Code != http.StatusOK {
		t.Fatalf("paid status = %d, want 200", w.Code)
	}
	receipt, _ := x402.DecodeReceipt(w.Header().Get(x402.HeaderPaymentResponse))
	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	var event callbacks.PaymentEvent
	if err := json.Unmarshal(<-bodies, &event); err != nil {
		t.Fatalf("decode callback: %v", err)
	}
	if event.EventType != callbacks.EventTypePaymentSettled || event.TxHash != receipt.TxHash || event.Payer != signer.Address().Hex() {
		t.Fatalf("event = %+v, receipt = %+v", event, receipt)
	}
}
