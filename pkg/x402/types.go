// Package x402 defines the wire types exchanged during an HTTP-402 payment
// negotiation: the server's PAYMENT-REQUIRED challenge, the client's
// PAYMENT-SIGNATURE retry payload, and the server's PAYMENT-RESPONSE
// settlement outcome. Field names and JSON shapes are part of the wire
// contract and must not be renamed casually.
package x402

// Requirement is one acceptable payment option from a 402 challenge.
type Requirement struct {
	Scheme            string `json:"scheme"` // "exact" | "upto"
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	Facilitator       string `json:"facilitator,omitempty"`
	Description       string `json:"description,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// Challenge is the decoded body of the PAYMENT-REQUIRED header.
type Challenge struct {
	PaymentRequirements []Requirement `json:"paymentRequirements"`
	Error               string        `json:"error,omitempty"`
}

// Authorization is the ERC-3009 TransferWithAuthorization message, in its
// wire (string-encoded) form.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"` // 0x-prefixed 32 bytes
}

// SignedPayload is the inner `payload` object of a PaymentPayload.
type SignedPayload struct {
	Signature     string        `json:"signature"` // 0x-prefixed 65 bytes
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded value carried in the PAYMENT-SIGNATURE
// request header on retry.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     SignedPayload `json:"payload"`
}

// SettlementResponse is the decoded value carried in the PAYMENT-RESPONSE
// header on a successful retry.
type SettlementResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Network         string `json:"network"`
	Amount          string `json:"amount"`
	Facilitator     string `json:"facilitator,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Header names. Lookups compare them case-insensitively against response headers.
const (
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse = "PAYMENT-RESPONSE"
)
