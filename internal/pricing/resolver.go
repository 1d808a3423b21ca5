// Package pricing resolves request paths to x402 payment requirements.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"path"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// Route prices one path pattern.
type Route struct {
	Price       string // decimal string in display units, "0" means free
	Description string
	MimeType    string
}

// Config is the immutable pricing table plus the terms shared by every route.
type Config struct {
	Routes            map[string]Route
	DefaultPrice      string
	Decimals          uint8
	PayTo             common.Address
	Asset             common.Address
	Network           string
	MaxTimeoutSeconds int
	Description       string
	MimeType          string
	SignatureType     x402.SignatureType // optional; restricts accepted variant
	OutputSchema      map[string]any
}

type rule struct {
	pattern     string
	price       *big.Int // nil means free
	description string
	mimeType    string
}

// Resolver is safe for concurrent use; it never changes after construction.
type Resolver struct {
	cfg      Config
	exact    map[string]rule
	patterns []rule // longest pattern first
	fallback rule
}

// ErrNoPayee is returned when a priced route exists without a payee.
var ErrNoPayee = errors.New("payee address is required for priced routes")

// NewResolver compiles the pricing table. Every failure is a *x402.ConfigError.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Network == "" {
		cfg.Network = x402.DefaultNetwork
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = x402.DefaultMaxTimeoutSeconds
	}
	if cfg.MimeType == "" {
		cfg.MimeType = x402.DefaultMimeType
	}
	if cfg.SignatureType != "" && !cfg.SignatureType.Valid() {
		return nil, &x402.ConfigError{Field: "signature_type", Err: fmt.Errorf("unsupported value %q", cfg.SignatureType)}
	}

	r := &Resolver{cfg: cfg, exact: make(map[string]rule)}

	defaultPrice := cfg.DefaultPrice
	if defaultPrice == "" {
		defaultPrice = "0"
	}
	fallback, err := compile("default", defaultPrice, Route{}, cfg.Decimals)
	if err != nil {
		return nil, err
	}
	r.fallback = fallback
	priced := fallback.price != nil

	for pattern, route := range cfg.Routes {
		if pattern == "" {
			return nil, &x402.ConfigError{Field: "routes", Err: errors.New("empty route pattern")}
		}
		compiled, err := compile(pattern, route.Price, route, cfg.Decimals)
		if err != nil {
			return nil, err
		}
		if compiled.price != nil {
			priced = true
		}
		if isPattern(pattern) {
			if _, err := path.Match(pattern, "/"); err != nil && !strings.HasSuffix(pattern, "/*") {
				return nil, &x402.ConfigError{Field: "routes." + pattern, Err: err}
			}
			r.patterns = append(r.patterns, compiled)
			continue
		}
		r.exact[pattern] = compiled
	}

	if priced && cfg.PayTo == (common.Address{}) {
		return nil, &x402.ConfigError{Field: "pay_to", Err: ErrNoPayee}
	}

	sort.SliceStable(r.patterns, func(i, j int) bool {
		if len(r.patterns[i].pattern) != len(r.patterns[j].pattern) {
			return len(r.patterns[i].pattern) > len(r.patterns[j].pattern)
		}
		return r.patterns[i].pattern < r.patterns[j].pattern
	})
	return r, nil
}

func compile(pattern, price string, route Route, decimals uint8) (rule, error) {
	amount, err := ToAtomic(price, decimals)
	if err != nil {
		return rule{}, &x402.ConfigError{Field: "routes." + pattern + ".price", Err: err}
	}
	out := rule{pattern: pattern, description: route.Description, mimeType: route.MimeType}
	if amount.Sign() > 0 {
		out.price = amount
	}
	return out, nil
}

// Resolve returns the requirements for resource, or free=true when the
// resolved price is zero.
func (r *Resolver) Resolve(resource string) (req x402.PaymentRequirements, free bool) {
	matched := r.match(resource)
	if matched.price == nil {
		return x402.PaymentRequirements{}, true
	}
	return r.requirements(resource, matched), false
}

func (r *Resolver) match(resource string) rule {
	if exact, ok := r.exact[resource]; ok {
		return exact
	}
	for _, candidate := range r.patterns {
		if matchPattern(candidate.pattern, resource) {
			return candidate
		}
	}
	return r.fallback
}

func (r *Resolver) requirements(resource string, matched rule) x402.PaymentRequirements {
	description := matched.description
	if description == "" {
		description = r.cfg.Description
	}
	if description == "" {
		description = "Access to " + resource
	}
	mimeType := matched.mimeType
	if mimeType == "" {
		mimeType = r.cfg.MimeType
	}

	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           r.cfg.Network,
		MaxAmountRequired: x402.NewAmount(matched.price),
		Resource:          resource,
		Description:       description,
		MimeType:          mimeType,
		OutputSchema:      r.cfg.OutputSchema,
		PayTo:             r.cfg.PayTo,
		MaxTimeoutSeconds: r.cfg.MaxTimeoutSeconds,
		Asset:             r.cfg.Asset,
	}
	if r.cfg.SignatureType != "" {
		req.Extra = map[string]any{"signatureType": string(r.cfg.SignatureType)}
	}
	return req
}

// PricedRoute describes one configured route for discovery.
type PricedRoute struct {
	Pattern           string      `json:"pattern"`
	MaxAmountRequired x402.Amount `json:"maxAmountRequired"`
	Description       string      `json:"description,omitempty"`
	Free              bool        `json:"free"`
}

// Routes lists configured routes, exact first then patterns by precedence.
func (r *Resolver) Routes() []PricedRoute {
	out := make([]PricedRoute, 0, len(r.exact)+len(r.patterns))
	exact := make([]string, 0, len(r.exact))
	for p := range r.exact {
		exact = append(exact, p)
	}
	sort.Strings(exact)
	for _, p := range exact {
		out = append(out, describe(r.exact[p]))
	}
	for _, p := range r.patterns {
		out = append(out, describe(p))
	}
	return out
}

// Network returns the network every requirement is issued for.
func (r *Resolver) Network() string {
	return r.cfg.Network
}

func describe(ru rule) PricedRoute {
	return PricedRoute{
		Pattern:           ru.pattern,
		MaxAmountRequired: x402.NewAmount(ru.price),
		Description:       ru.description,
		Free:              ru.price == nil,
	}
}

// ToAtomic converts a decimal display price into the asset's smallest unit
// without floating point. Prices finer than the asset's precision are rejected.
func ToAtomic(price string, decimals uint8) (*big.Int, error) {
	raw := strings.TrimSpace(price)
	if raw == "" {
		return nil, errors.New("price is empty")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", price, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("price %q is negative", price)
	}
	atomic := d.Shift(int32(decimals))
	if !atomic.IsInteger() {
		return nil, fmt.Errorf("price %q has more than %d decimal places", price, decimals)
	}
	return atomic.BigInt(), nil
}

func isPattern(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// matchPattern supports "/prefix/*" wildcards (any depth) and path.Match globs.
func matchPattern(pattern, resource string) bool {
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(resource, prefix) || resource == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	ok, err := path.Match(pattern, resource)
	return err == nil && ok
}
