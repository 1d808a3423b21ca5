package verification

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/internal/errors"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
	"github.com/CedrosPay/x402-gateway/pkg/x402/evm"
)

var (
	payee   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	chainID = big.NewInt(x402.DefaultChainID)
	start   = time.Unix(1700000000, 0)
)

func requirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.DefaultNetwork,
		MaxAmountRequired: x402.AmountFromUint64(1000),
		Resource:          "/api/premium",
		PayTo:             payee,
		MaxTimeoutSeconds: 60,
		Asset:             x402.NativeAsset,
	}
}

func signedPayment(t *testing.T, signer *evm.Signer, mutate func(*x402.ExactPayload)) x402.PaymentPayload {
	t.Helper()
	payment, err := signer.Authorize(requirements(), chainID, evm.AuthorizeOptions{Now: start})
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if mutate != nil {
		mutate(&payment.Payload)
		if err := signer.Sign(&payment.Payload, chainID); err != nil {
			t.Fatalf("Sign error: %v", err)
		}
	}
	return payment
}

func newSigner(t *testing.T) *evm.Signer {
	t.Helper()
	s, err := evm.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner error: %v", err)
	}
	return s
}

func TestVerifyValidPayment(t *testing.T) {
	engine := NewEngine(nil)
	signer := newSigner(t)
	payment := signedPayment(t, signer, nil)

	res := engine.Verify(requirements(), payment, start.Add(10*time.Second))
	if !res.IsValid {
		t.Fatalf("Verify invalid: %s", res.InvalidReason)
	}
	if res.PayerAddress != signer.Address() {
		t.Fatalf("PayerAddress = %s, want %s", res.PayerAddress.Hex(), signer.Address().Hex())
	}
	if Err(res) != nil {
		t.Fatalf("Err(valid) = %v", Err(res))
	}
}

func TestVerifyReasons(t *testing.T) {
	engine := NewEngine(nil)
	signer := newSigner(t)
	now := start.Add(10 * time.Second)

	tests := []struct {
		name    string
		req     func(*x402.PaymentRequirements)
		payment func(*x402.PaymentPayload)
		now     time.Time
		want    errors.ErrorCode
	}{
		{
			name:    "scheme mismatch",
			payment: func(p *x402.PaymentPayload) { p.Scheme = "upto" },
			want:    errors.ErrCodeSchemeMismatch,
		},
		{
			name:    "network mismatch",
			payment: func(p *x402.PaymentPayload) { p.Network = "base" },
			want:    errors.ErrCodeSchemeMismatch,
		},
		{
			name: "asset mismatch",
			req:  func(r *x402.PaymentRequirements) { r.Asset = common.HexToAddress("0x3333333333333333333333333333333333333333") },
			want: errors.ErrCodeSchemeMismatch,
		},
		{
			name: "payee mismatch",
			req:  func(r *x402.PaymentRequirements) { r.PayTo = common.HexToAddress("0x4444444444444444444444444444444444444444") },
			want: errors.ErrCodePayeeMismatch,
		},
		{
			name: "amount exceeded",
			req:  func(r *x402.PaymentRequirements) { r.MaxAmountRequired = x402.AmountFromUint64(999) },
			want: errors.ErrCodeAmountExceeded,
		},
		{
			name: "not yet valid",
			now:  start.Add(-time.Second),
			want: errors.ErrCodeNotYetValid,
		},
		{
			name: "expired at validBefore",
			now:  start.Add(x402.DefaultValidityWindow),
			want: errors.ErrCodeExpired,
		},
		{
			name:    "tampered value",
			payment: func(p *x402.PaymentPayload) { p.Payload.Value = x402.AmountFromUint64(1) },
			want:    errors.ErrCodeInvalidSignature,
		},
		{
			name:    "claimed payer differs",
			payment: func(p *x402.PaymentPayload) { p.Payload.From = common.HexToAddress("0x5555555555555555555555555555555555555555") },
			want:    errors.ErrCodeInvalidSignature,
		},
		{
			name:    "variant relabelled",
			payment: func(p *x402.PaymentPayload) { p.Payload.SignatureType = x402.SignatureTypeEIP191 },
			want:    errors.ErrCodeInvalidSignature,
		},
		{
			name: "required variant differs",
			req:  func(r *x402.PaymentRequirements) { r.Extra = map[string]any{"signatureType": "eip191"} },
			want: errors.ErrCodeInvalidSignature,
		},
		{
			name:    "truncated signature",
			payment: func(p *x402.PaymentPayload) { p.Payload.Signature = p.Payload.Signature[:10] },
			want:    errors.ErrCodeInvalidSignature,
		},
		{
			name:    "unknown variant",
			payment: func(p *x402.PaymentPayload) { p.Payload.SignatureType = "eip4361" },
			want:    errors.ErrCodeInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := requirements()
			payment := signedPayment(t, signer, nil)
			if tt.req != nil {
				tt.req(&req)
			}
			if tt.payment != nil {
				tt.payment(&payment)
			}
			at := now
			if !tt.now.IsZero() {
				at = tt.now
			}

			res := engine.Verify(req, payment, at)
			if res.IsValid {
				t.Fatal("expected invalid result")
			}
			if res.InvalidReason != tt.want {
				t.Fatalf("InvalidReason = %s, want %s", res.InvalidReason, tt.want)
			}
			if got := x402.CodeOf(Err(res)); got != tt.want {
				t.Fatalf("CodeOf(Err) = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestVerifyZeroValue(t *testing.T) {
	engine := NewEngine(nil)
	signer := newSigner(t)
	payment := signedPayment(t, signer, func(p *x402.ExactPayload) { p.Value = x402.AmountFromUint64(0) })

	res := engine.Verify(requirements(), payment, start.Add(time.Second))
	if res.InvalidReason != errors.ErrCodeInvalidAmount {
		t.Fatalf("InvalidReason = %s, want %s", res.InvalidReason, errors.ErrCodeInvalidAmount)
	}
}

func TestVerifyIsPure(t *testing.T) {
	engine := NewEngine(nil)
	signer := newSigner(t)
	payment := signedPayment(t, signer, nil)
	now := start.Add(30 * time.Second)

	first := engine.Verify(requirements(), payment, now)

	var wg sync.WaitGroup
	results := make([]x402.VerificationResult, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = engine.Verify(requirements(), payment, now)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if res != first {
			t.Fatalf("result %d = %+v, want %+v", i, res, first)
		}
	}
}

func TestVerifyTimeWindowMonotonic(t *testing.T) {
	engine := NewEngine(nil)
	signer := newSigner(t)
	payment := signedPayment(t, signer, nil)
	p := payment.Payload

	expiredAt := time.Unix(int64(p.ValidBefore)+60, 0)
	if res := engine.Verify(requirements(), payment, expiredAt); res.InvalidReason != errors.ErrCodeExpired {
		t.Fatalf("InvalidReason = %s, want expired", res.InvalidReason)
	}

	for ts := int64(p.ValidAfter); ts < int64(p.ValidBefore); ts += 37 {
		if res := engine.Verify(requirements(), payment, time.Unix(ts, 0)); !res.IsValid {
			t.Fatalf("Verify at %d invalid: %s", ts, res.InvalidReason)
		}
	}
}

func TestVerifyUnknownNetwork(t *testing.T) {
	engine := NewEngine(evm.Networks{"other": big.NewInt(1)})
	signer := newSigner(t)
	payment := signedPayment(t, signer, nil)

	res := engine.Verify(requirements(), payment, start.Add(time.Second))
	if res.InvalidReason != errors.ErrCodeSchemeMismatch {
		t.Fatalf("InvalidReason = %s, want scheme_mismatch", res.InvalidReason)
	}
}
