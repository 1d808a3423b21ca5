package evm

import (
	"bytes"
	stderrors "errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

var testChainID = big.NewInt(x402.DefaultChainID)

func testPayload(sigType x402.SignatureType) x402.ExactPayload {
	return x402.ExactPayload{
		From:          common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:            common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:         x402.AmountFromUint64(1000),
		ValidAfter:    1700000000,
		ValidBefore:   1700000300,
		Nonce:         common.HexToHash("0xabcdef"),
		Asset:         x402.NativeAsset,
		SignatureType: sigType,
	}
}

func TestFlatMessageFormat(t *testing.T) {
	got := FlatMessage(testPayload(x402.SignatureTypeEIP191), testChainID)
	want := "x402-payment:" +
		"0x1111111111111111111111111111111111111111:" +
		"0x2222222222222222222222222222222222222222:" +
		"0x3e8:1700000000:1700000300:" +
		"0x0000000000000000000000000000000000000000000000000000000000abcdef:" +
		"0x0000000000000000000000000000000000000000:6546"
	if got != want {
		t.Fatalf("FlatMessage =\n %s\nwant\n %s", got, want)
	}
}

func TestBuildMessageDeterministic(t *testing.T) {
	for _, sigType := range []x402.SignatureType{x402.SignatureTypeEIP191, x402.SignatureTypeEIP712} {
		p := testPayload(sigType)
		a, err := BuildMessage(p, testChainID)
		if err != nil {
			t.Fatalf("BuildMessage(%s) error: %v", sigType, err)
		}
		b, err := BuildMessage(p, testChainID)
		if err != nil {
			t.Fatalf("BuildMessage(%s) error: %v", sigType, err)
		}
		if !bytes.Equal(a.Data, b.Data) {
			t.Fatalf("BuildMessage(%s) not deterministic", sigType)
		}
		other, _ := BuildMessage(p, big.NewInt(1))
		if bytes.Equal(a.Data, other.Data) {
			t.Fatalf("BuildMessage(%s) ignores chain id", sigType)
		}
	}
}

func TestTypedMessageLayout(t *testing.T) {
	msg, err := BuildMessage(testPayload(x402.SignatureTypeEIP712), testChainID)
	if err != nil {
		t.Fatalf("BuildMessage error: %v", err)
	}
	if len(msg.Data) != 66 || msg.Data[0] != 0x19 || msg.Data[1] != 0x01 {
		t.Fatalf("typed data prefix = %x, want 0x1901 followed by two hashes", msg.Data)
	}
}

func TestSignAndRecoverBothVariants(t *testing.T) {
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner error: %v", err)
	}

	for _, sigType := range []x402.SignatureType{x402.SignatureTypeEIP191, x402.SignatureTypeEIP712, ""} {
		p := testPayload(sigType)
		if err := signer.Sign(&p, testChainID); err != nil {
			t.Fatalf("Sign(%q) error: %v", sigType, err)
		}
		if v := p.Signature[64]; v != 27 && v != 28 {
			t.Fatalf("Sign(%q) v = %d, want 27 or 28", sigType, v)
		}
		got, err := Recover(p, testChainID)
		if err != nil {
			t.Fatalf("Recover(%q) error: %v", sigType, err)
		}
		if got != signer.Address() {
			t.Fatalf("Recover(%q) = %s, want %s", sigType, got.Hex(), signer.Address().Hex())
		}

		// v in {0,1} is accepted as well.
		raw := append([]byte(nil), p.Signature...)
		raw[64] -= 27
		msg, _ := BuildMessage(p, testChainID)
		got, err = RecoverSigner(msg, raw)
		if err != nil || got != signer.Address() {
			t.Fatalf("RecoverSigner(%q, v-27) = %s, %v", sigType, got.Hex(), err)
		}
	}
}

func TestVariantMismatchDoesNotRecoverSigner(t *testing.T) {
	signer, _ := GenerateSigner()
	p := testPayload(x402.SignatureTypeEIP712)
	if err := signer.Sign(&p, testChainID); err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	p.SignatureType = x402.SignatureTypeEIP191
	got, err := Recover(p, testChainID)
	if err == nil && got == signer.Address() {
		t.Fatal("payload relabelled with another variant must not recover the signer")
	}
}

func TestRecoverSignerRejectsMalformedSignatures(t *testing.T) {
	msg, err := BuildMessage(testPayload(x402.SignatureTypeEIP191), testChainID)
	if err != nil {
		t.Fatalf("BuildMessage error: %v", err)
	}

	badV := make([]byte, SignatureLength)
	badV[0] = 1
	badV[32] = 1
	badV[64] = 29

	tests := map[string][]byte{
		"empty":        nil,
		"short":        make([]byte, 64),
		"long":         make([]byte, 66),
		"bad v":        badV,
		"zero r and s": make([]byte, SignatureLength),
	}
	for name, sig := range tests {
		if _, err := RecoverSigner(msg, sig); !stderrors.Is(err, ErrInvalidSignature) {
			t.Errorf("%s: error = %v, want ErrInvalidSignature", name, err)
		}
	}
}

func TestBuildMessageUnknownVariant(t *testing.T) {
	_, err := BuildMessage(testPayload("eip4361"), testChainID)
	if !stderrors.Is(err, ErrUnsupportedSignatureType) {
		t.Fatalf("error = %v, want ErrUnsupportedSignatureType", err)
	}
}

func TestAuthorizeBuildsVerifiablePayload(t *testing.T) {
	signer, _ := GenerateSigner()
	now := time.Unix(1700000000, 0)
	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.DefaultNetwork,
		MaxAmountRequired: x402.AmountFromUint64(5000),
		PayTo:             common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Asset:             x402.NativeAsset,
		Extra:             map[string]any{"signatureType": "eip191"},
	}

	payment, err := signer.Authorize(req, testChainID, AuthorizeOptions{Now: now})
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	p := payment.Payload
	if p.SignatureType != x402.SignatureTypeEIP191 {
		t.Errorf("SignatureType = %s, want eip191", p.SignatureType)
	}
	if p.ValidAfter != uint64(now.Unix()) || p.ValidBefore != uint64(now.Add(x402.DefaultValidityWindow).Unix()) {
		t.Errorf("window = [%d, %d)", p.ValidAfter, p.ValidBefore)
	}
	if p.Value.Cmp(req.MaxAmountRequired) != 0 {
		t.Errorf("Value = %s, want %s", p.Value, req.MaxAmountRequired)
	}
	if p.Nonce == (common.Hash{}) {
		t.Error("nonce not generated")
	}
	got, err := Recover(p, testChainID)
	if err != nil || got != signer.Address() {
		t.Fatalf("Recover = %s, %v", got.Hex(), err)
	}
}
