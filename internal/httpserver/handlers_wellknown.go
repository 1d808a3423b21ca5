package httpserver

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-gateway/internal/pricing"
	"github.com/CedrosPay/x402-gateway/pkg/responders"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// WellKnownX402 is the /.well-known/x402 discovery document (RFC 8615).
// Agents read it to learn what is priced before hitting a 402.
type WellKnownX402 struct {
	X402Version int                   `json:"x402Version"`
	Scheme      string                `json:"scheme"`
	Network     string                `json:"network"`
	PayTo       common.Address        `json:"payTo"`
	Asset       common.Address        `json:"asset"`
	Decimals    uint8                 `json:"decimals"`
	Default     x402.Amount           `json:"defaultMaxAmountRequired"`
	Routes      []pricing.PricedRoute `json:"routes"`
}

func (h handlers) wellKnownX402(w http.ResponseWriter, r *http.Request) {
	pc := h.cfg.Pricing()
	doc := WellKnownX402{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     pc.Network,
		PayTo:       pc.PayTo,
		Asset:       pc.Asset,
		Decimals:    pc.Decimals,
		Routes:      h.resolver.Routes(),
	}
	if def, err := pricing.ToAtomic(pc.DefaultPrice, pc.Decimals); err == nil {
		doc.Default = x402.NewAmount(def)
	}

	// Discovery changes only on restart
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(300))
	responders.JSON(w, http.StatusOK, doc)
}
