package x402

import (
	"strconv"
	"strings"

	"github.com/mbd888/agentpay/internal/paymenterrors"
	"github.com/mbd888/agentpay/pkg/codec"
)

// ParsedRequest is the normalized form of the first Requirement in a
// 402 challenge, with network resolved to an internal chain id.
type ParsedRequest struct {
	Scheme             string
	Network            string
	ChainID            int64
	Asset              string
	PayTo              string
	AmountSmallestUnit string
	Facilitator        string
	DeadlineUnix       int64
	SchemeVersion      int
	Error              string
}

// chainIDByNetwork maps the network names the released protocol uses to
// this module's internal chain ids. Internal ids here are simply the EVM
// chain id itself for EVM networks; non-EVM networks (solana) get a
// negative sentinel since they carry no EVM chain id of their own.
var chainIDByNetwork = map[string]int64{
	"base-mainnet":     8453,
	"base-sepolia":     84532,
	"ethereum-mainnet": 1,
	"ethereum-sepolia": 11155111,
	"polygon-mainnet":  137,
	"arbitrum-mainnet": 42161,
	"optimism-mainnet": 10,
	"solana-mainnet":   -1,
}

// Parse decodes a base64-encoded PAYMENT-REQUIRED header value and
// normalizes its first Requirement. Returns (nil, nil) if header is
// empty, and (nil, nil) — not an error — on any decode/JSON failure: the
// caller (X402Engine) is responsible for raising the structured protocol
// error from a nil result.
func Parse(header string) (*ParsedRequest, error) {
	if header == "" {
		return nil, nil
	}

	var challenge Challenge
	if err := codec.DecodeJSON(header, &challenge); err != nil {
		return nil, nil
	}
	if len(challenge.PaymentRequirements) == 0 {
		return nil, nil
	}

	req := challenge.PaymentRequirements[0]
	chainID, err := resolveChainID(req.Network)
	if err != nil {
		return nil, nil
	}

	var deadline int64
	if req.Extra != nil {
		if v, ok := req.Extra["deadline_unix"]; ok {
			switch n := v.(type) {
			case float64:
				deadline = int64(n)
			case string:
				if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
					deadline = parsed
				}
			}
		}
	}

	return &ParsedRequest{
		Scheme:             req.Scheme,
		Network:            req.Network,
		ChainID:            chainID,
		Asset:              req.Asset,
		PayTo:              req.PayTo,
		AmountSmallestUnit: req.MaxAmountRequired,
		Facilitator:        req.Facilitator,
		DeadlineUnix:       deadline,
		SchemeVersion:      1,
		Error:              challenge.Error,
	}, nil
}

func resolveChainID(network string) (int64, error) {
	if id, ok := chainIDByNetwork[strings.ToLower(network)]; ok {
		return id, nil
	}
	if id, err := strconv.ParseInt(network, 10, 64); err == nil {
		return id, nil
	}
	return 0, paymenterrors.MalformedChallenge("unknown network " + network)
}

// ParseAmount converts a string amount into the token's smallest-unit
// integer given decimals. A decimal string is whole tokens and is scaled
// by 10^decimals; an integer string is taken as already in the smallest
// unit and returned unscaled.
// Exposed as a pure helper per the parser's contract.
func ParseAmount(s string, decimals int) (int64, error) {
	if !strings.Contains(s, ".") {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, paymenterrors.MalformedChallenge("invalid amount " + s)
		}
		return v, nil
	}
	parts := strings.SplitN(s, ".", 2)
	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, paymenterrors.MalformedChallenge("invalid amount " + s)
	}
	frac := parts[1]
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	for len(frac) < decimals {
		frac += "0"
	}
	fracVal, err := strconv.ParseInt(frac, 10, 64)
	if err != nil && frac != "" {
		return 0, paymenterrors.MalformedChallenge("invalid amount " + s)
	}
	scale := int64(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	return whole*scale + fracVal, nil
}

// FormatAmount is the inverse of ParseAmount: renders a smallest-unit
// integer as a decimal string with the given number of fractional digits.
func FormatAmount(amount int64, decimals int) string {
	if decimals == 0 {
		return strconv.FormatInt(amount, 10)
	}
	scale := int64(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	whole := amount / scale
	frac := amount % scale
	return strconv.FormatInt(whole, 10) + "." + padLeft(strconv.FormatInt(frac, 10), decimals)
}

func padLeft(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}
