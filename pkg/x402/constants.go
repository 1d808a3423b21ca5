package x402

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Version is the x402 protocol version spoken by this package.
const Version = 1

// SchemeExact is the only payment scheme: pay up to maxAmountRequired of one asset.
const SchemeExact = "exact"

// HTTP headers carrying the payment envelope and the settlement receipt.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// SignatureType selects the message encoding a payload was signed with.
type SignatureType string

const (
	// SignatureTypeEIP712 is the structured typed-data encoding.
	SignatureTypeEIP712 SignatureType = "eip712"
	// SignatureTypeEIP191 is the flat "x402-payment:..." personal message.
	SignatureTypeEIP191 SignatureType = "eip191"
)

// Valid reports whether t names a supported encoding.
func (t SignatureType) Valid() bool {
	return t == SignatureTypeEIP712 || t == SignatureTypeEIP191
}

// NativeAsset is the asset sentinel for the chain's native currency.
var NativeAsset = common.Address{}

// Defaults used when requirements or configuration leave a field empty.
const (
	DefaultNetwork           = "splendor"
	DefaultChainID           = 6546
	DefaultAssetDecimals     = 18
	DefaultMaxTimeoutSeconds = 60
	DefaultMimeType          = "application/json"

	// DefaultValidityWindow is how long a freshly signed payload stays valid.
	DefaultValidityWindow = 5 * time.Minute
)
