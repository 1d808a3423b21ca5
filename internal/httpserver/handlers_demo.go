package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CedrosPay/x402-gateway/internal/paywall"
	"github.com/CedrosPay/x402-gateway/pkg/responders"
)

// demoResources serves sample content when no upstream is configured.
func demoResources() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/premium", premiumContent)
	r.Get("/api/data/*", dataContent)
	r.Get("/api/free", freeContent)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		responders.JSON(w, http.StatusNotFound, map[string]any{"error": "resource not found"})
	})
	return r
}

func premiumContent(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"content":   "premium content unlocked",
		"timestamp": time.Now().UTC(),
	}
	if paid, ok := paywall.PaymentFromContext(r.Context()); ok {
		body["payer"] = paid.Payer.Hex()
		body["txHash"] = paid.TxHash.Hex()
	}
	responders.JSON(w, http.StatusOK, body)
}

func dataContent(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"dataset":   chi.URLParam(r, "*"),
		"rows":      []int{1, 2, 3},
		"timestamp": time.Now().UTC(),
	})
}

func freeContent(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{"content": "free content"})
}
