package authsigner

import (
	"crypto/ecdsa"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/agentpay/internal/paymenterrors"
	"github.com/mbd888/agentpay/pkg/codec"
	"github.com/mbd888/agentpay/pkg/x402"
)

// defaultDeadlineWindow is used when a 402 challenge carries no deadline.
const defaultDeadlineWindow = 300 * time.Second

// Bundle is AuthorizationSigner.sign's output: the signature plus enough
// context for the engine to build the PAYMENT-SIGNATURE retry payload.
type Bundle struct {
	Signature string
	Nonce     [32]byte
	Deadline  time.Time
	PayloadB64 string
}

// ResolveToken maps a 402 Requirement's asset field to a verifying
// contract address. A 42-char 0x-prefixed address is used verbatim;
// anything else is treated as a symbol and resolved against tokens. An
// unresolved symbol falls back to chain's default USDC entry with a
// warning, rather than failing the whole negotiation over a typo'd asset.
func ResolveToken(tokens TokenTable, chainID int64, asset string) (string, TokenInfo, error) {
	if len(asset) == 42 && strings.HasPrefix(asset, "0x") && common.IsHexAddress(asset) {
		byChain := tokens[chainID]
		lower := strings.ToLower(asset)
		for _, info := range byChain {
			if strings.ToLower(info.ContractAddress) == lower {
				return asset, info, nil
			}
		}
		// Verbatim address with no metadata match: 6-decimal fallback,
		// matching the spec's stablecoin default.
		return asset, TokenInfo{ContractAddress: asset, Decimals: 6, DomainName: "x402", DomainVersion: "1"}, nil
	}

	info, err := tokens.Resolve(chainID, asset)
	if err == nil {
		return info.ContractAddress, info, nil
	}

	fallback, err := tokens.Resolve(chainID, "USDC")
	if err != nil {
		return "", TokenInfo{}, paymenterrors.Internal("authsigner: unresolved asset " + asset + " and no default USDC entry for its chain")
	}
	slog.Warn("authsigner: unresolved asset symbol, falling back to default USDC", "asset", asset, "chain_id", chainID)
	return fallback.ContractAddress, fallback, nil
}

// KnownStablecoin reports whether asset resolves to a configured token
// entry for chainID, for callers that need to decide whether an oracle
// lookup is required before calling Sign.
func (s *Signer) KnownStablecoin(chainID int64, asset string) (TokenInfo, bool) {
	return s.tokens.KnownStablecoin(chainID, asset)
}

// Sign builds the Authorization from a parsed 402 request and a session's
// derived address, signs it under priv, and returns the bundle the
// X402Engine carries into the retry. chainIDEVM is the mapped EVM chain
// id (unknown internal ids pass through unchanged, per the domain rule).
func (s *Signer) Sign(priv *ecdsa.PrivateKey, chainIDEVM int64, fromAddress string, req x402.ParsedRequest) (Bundle, error) {
	contractAddr, token, err := ResolveToken(s.tokens, chainIDEVM, req.Asset)
	if err != nil {
		return Bundle{}, err
	}

	value, err := InterpretAmount(req.AmountSmallestUnit, token.Decimals)
	if err != nil {
		return Bundle{}, err
	}

	nonce, err := s.NewNonce()
	if err != nil {
		return Bundle{}, err
	}

	deadline := time.Now().Add(defaultDeadlineWindow)
	if req.DeadlineUnix > 0 {
		deadline = time.Unix(req.DeadlineUnix, 0)
	}

	auth := Authorization{
		From:        fromAddress,
		To:          req.PayTo,
		Value:       value,
		ValidAfter:  time.Unix(0, 0),
		ValidBefore: deadline,
		Nonce:       nonce,
	}

	sig, err := s.signTyped(priv, chainIDEVM, contractAddr, token, auth)
	if err != nil {
		return Bundle{}, err
	}

	payload := x402.PaymentPayload{
		X402Version: req.SchemeVersion,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402.SignedPayload{
			Signature: sig,
			Authorization: x402.Authorization{
				From:        auth.From,
				To:          auth.To,
				Value:       auth.Value.String(),
				ValidAfter:  auth.ValidAfter.Unix(),
				ValidBefore: auth.ValidBefore.Unix(),
				Nonce:       hexutil.Encode(auth.Nonce[:]),
			},
		},
	}

	b64, err := codec.EncodeJSON(payload)
	if err != nil {
		return Bundle{}, paymenterrors.Internal("authsigner: payload encoding failed")
	}

	return Bundle{
		Signature:  sig,
		Nonce:      nonce,
		Deadline:   deadline,
		PayloadB64: b64,
	}, nil
}

// signTyped is the low-level EIP-712 sign call, given an already-resolved
// contract address and token metadata rather than a table lookup by
// symbol (ResolveToken already did that work in Sign).
func (s *Signer) signTyped(priv *ecdsa.PrivateKey, chainID int64, contractAddr string, token TokenInfo, auth Authorization) (string, error) {
	token.ContractAddress = contractAddr
	td, err := typedData(chainID, token, auth)
	if err != nil {
		return "", err
	}
	return signHash(priv, td)
}
