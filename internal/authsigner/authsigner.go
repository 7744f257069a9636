// Package authsigner builds and signs ERC-3009 TransferWithAuthorization
// payloads using EIP-712 typed data, the signature scheme stablecoin
// contracts (USDC, and compatible tokens) verify on-chain instead of the
// EIP-191 personal_sign scheme session keys previously used.
//
// Construction follows go-ethereum's signer/core/apitypes, the same
// package the Go Ethereum client tooling exposes for EIP-712 hashing and
// signing; it is not otherwise used in this module's retrieval pack, so
// the domain/message wiring here is built directly from that package's
// contract rather than adapted from an existing call site.
package authsigner

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/mbd888/agentpay/internal/paymenterrors"
	"github.com/mbd888/agentpay/internal/rng"
	"github.com/mbd888/agentpay/internal/usdc"
)

// TokenInfo resolves a stablecoin's contract address, decimals, and the
// name/version its EIP-712 domain separator was deployed with. Different
// deployments of "the same" token (USDC on different chains) can carry
// different domain versions, so this is keyed per chain.
type TokenInfo struct {
	ContractAddress string
	Decimals        int
	DomainName      string
	DomainVersion   string
}

// TokenTable resolves (chainID, symbol) to TokenInfo. A fixed table rather
// than an on-chain lookup: the set of stablecoins this module authorizes
// payment for is a deployment-time configuration concern, not something
// discovered at signing time.
type TokenTable map[int64]map[string]TokenInfo

// Resolve looks up a token's info for a chain.
func (t TokenTable) Resolve(chainID int64, symbol string) (TokenInfo, error) {
	byChain, ok := t[chainID]
	if !ok {
		return TokenInfo{}, paymenterrors.Internal(fmt.Sprintf("authsigner: no token table for chain %d", chainID))
	}
	info, ok := byChain[strings.ToUpper(symbol)]
	if !ok {
		return TokenInfo{}, paymenterrors.Internal(fmt.Sprintf("authsigner: unknown token %q on chain %d", symbol, chainID))
	}
	return info, nil
}

// KnownStablecoin reports whether asset — a symbol or a 0x-prefixed
// contract address — resolves to a configured token entry for chainID,
// and returns its info. Used to gate the 402 fast-path price conversion:
// only a recognized stablecoin address/symbol skips the price oracle.
func (t TokenTable) KnownStablecoin(chainID int64, asset string) (TokenInfo, bool) {
	byChain, ok := t[chainID]
	if !ok {
		return TokenInfo{}, false
	}
	if info, ok := byChain[strings.ToUpper(asset)]; ok {
		return info, true
	}
	lower := strings.ToLower(asset)
	for _, info := range byChain {
		if strings.ToLower(info.ContractAddress) == lower {
			return info, true
		}
	}
	return TokenInfo{}, false
}

// Authorization is the ERC-3009 TransferWithAuthorization message. Value
// is already expressed in the token's smallest unit (see InterpretAmount):
// unlike the ledger's money.Micros, this is the literal on-chain integer
// ERC-3009 verifies against, not a USD figure.
type Authorization struct {
	From        string
	To          string
	Value       *big.Int
	ValidAfter  time.Time
	ValidBefore time.Time
	Nonce       [32]byte
}

// InterpretAmount applies the 402 header's dual amount-interpretation
// rule: a decimal-point string is whole tokens scaled by 10^decimals; an
// integer string under 10^9 is also treated as whole tokens and scaled;
// anything else is assumed to already be in the token's smallest unit.
// The header is not self-describing, so this heuristic must be applied
// exactly as specified rather than guessed per call site.
func InterpretAmount(amount string, decimals int) (*big.Int, error) {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	if strings.Contains(amount, ".") {
		v, ok := usdc.ParseDecimals(amount, decimals)
		if !ok {
			return nil, paymenterrors.MalformedChallenge("invalid amount " + amount)
		}
		return v, nil
	}

	asInt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, paymenterrors.MalformedChallenge("invalid amount " + amount)
	}
	billion := big.NewInt(1_000_000_000)
	if asInt.Cmp(billion) < 0 {
		return new(big.Int).Mul(asInt, scale), nil
	}
	return asInt, nil
}

// Signer produces EIP-712 signatures for TransferWithAuthorization
// messages using a session's private key.
type Signer struct {
	tokens TokenTable
	rng    rng.Rng
}

// New creates a Signer backed by the given token resolution table.
func New(tokens TokenTable, r rng.Rng) *Signer {
	return &Signer{tokens: tokens, rng: r}
}

// NewNonce generates a fresh random 32-byte authorization nonce. ERC-3009
// nonces are arbitrary bytes, not a sequential counter, so a signer can
// issue authorizations out of order without collision.
func (s *Signer) NewNonce() ([32]byte, error) {
	var nonce [32]byte
	b, err := s.rng.Bytes(32)
	if err != nil {
		return nonce, paymenterrors.Crypto("authsigner: nonce generation failed")
	}
	copy(nonce[:], b)
	return nonce, nil
}

// typedData builds the EIP-712 TypedData for a TransferWithAuthorization.
func typedData(chainID int64, token TokenInfo, auth Authorization) (apitypes.TypedData, error) {
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return apitypes.TypedData{}, paymenterrors.MalformedChallenge("from/to must be valid addresses")
	}
	value := auth.Value

	domain := apitypes.TypedDataDomain{
		Name:              token.DomainName,
		Version:           token.DomainVersion,
		ChainId:           math.NewHexOrDecimal256(chainID),
		VerifyingContract: token.ContractAddress,
	}

	types := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}

	message := apitypes.TypedDataMessage{
		"from":        auth.From,
		"to":          auth.To,
		"value":       value.String(),
		"validAfter":  big.NewInt(auth.ValidAfter.Unix()).String(),
		"validBefore": big.NewInt(auth.ValidBefore.Unix()).String(),
		"nonce":       hexutil.Encode(auth.Nonce[:]),
	}

	return apitypes.TypedData{
		Types:       types,
		PrimaryType: "TransferWithAuthorization",
		Domain:      domain,
		Message:     message,
	}, nil
}

// SignBySymbol produces an EIP-712 signature over auth using priv, scoped
// to chainID and a token resolved by symbol. Returns the 65-byte r||s||v
// signature hex-encoded with 0x prefix, ERC-3009's expected shape. Use
// Sign (bundle.go) for the full 402-retry bundle; this lower-level
// variant resolves the token by symbol only.
func (s *Signer) SignBySymbol(priv *ecdsa.PrivateKey, chainID int64, symbol string, auth Authorization) (string, error) {
	token, err := s.tokens.Resolve(chainID, symbol)
	if err != nil {
		return "", err
	}
	td, err := typedData(chainID, token, auth)
	if err != nil {
		return "", err
	}
	return signHash(priv, td)
}

// signHash hashes and signs an already-built EIP-712 TypedData.
func signHash(priv *ecdsa.PrivateKey, td apitypes.TypedData) (string, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return "", paymenterrors.Crypto("authsigner: typed data hashing failed")
	}

	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return "", paymenterrors.Crypto("authsigner: signing failed")
	}
	// go-ethereum's crypto.Sign returns v in {0,1}; ERC-3009 verifiers
	// expect the traditional {27,28} convention.
	sig[64] += 27

	return hexutil.Encode(sig), nil
}

// Verify recovers the signer address from sig over auth and compares it
// against expectedFrom, for a component that wants to confirm a signature
// before submitting it.
func Verify(tokens TokenTable, chainID int64, symbol string, auth Authorization, sigHex string, expectedFrom string) error {
	token, err := tokens.Resolve(chainID, symbol)
	if err != nil {
		return err
	}
	td, err := typedData(chainID, token, auth)
	if err != nil {
		return err
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return paymenterrors.Crypto("authsigner: typed data hashing failed")
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != 65 {
		return paymenterrors.Crypto("authsigner: malformed signature")
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(hash, sigCopy)
	if err != nil {
		return paymenterrors.Crypto("authsigner: signature recovery failed")
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return paymenterrors.Crypto("authsigner: public key unmarshal failed")
	}
	recovered := crypto.PubkeyToAddress(*pubKey).Hex()
	if !strings.EqualFold(recovered, expectedFrom) {
		return paymenterrors.Crypto("authsigner: signature does not match expected signer")
	}
	return nil
}
