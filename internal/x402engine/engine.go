// Package x402engine implements the HTTP-402 payment negotiation state
// machine: intercept a 402, parse its requirements, apply session policy,
// sign an ERC-3009 authorization, retry with proof, and interpret
// settlement. It is transport-agnostic; callers supply an HttpClient.
package x402engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/agentpay/internal/authsigner"
	"github.com/mbd888/agentpay/internal/clock"
	"github.com/mbd888/agentpay/internal/money"
	"github.com/mbd888/agentpay/internal/paymenterrors"
	"github.com/mbd888/agentpay/internal/retry"
	"github.com/mbd888/agentpay/internal/session"
	"github.com/mbd888/agentpay/pkg/codec"
	"github.com/mbd888/agentpay/pkg/x402"
)

// transientRetryAttempts and transientRetryBaseDelay implement the
// TransientError backoff schedule: retries at 2s, 4s, 8s.
const (
	transientRetryAttempts  = 4
	transientRetryBaseDelay = 2 * time.Second
)

// HttpRequest is the minimal request shape HttpClient.Send operates over.
type HttpRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// HttpResponse is the minimal response shape HttpClient.Send returns.
type HttpResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// HttpClient is the external capability the engine drives requests
// through. It is the only suspension point that talks to the network.
type HttpClient interface {
	Send(ctx context.Context, req HttpRequest) (HttpResponse, error)
}

// PriceOracle converts an on-chain smallest-unit amount of a given asset
// into microdollars. The engine short-circuits known stablecoins itself
// (see priceInUSD) and only calls this when the asset is not a
// recognized stablecoin.
type PriceOracle interface {
	USDValue(ctx context.Context, chainID int64, asset string, smallestUnitAmount string, decimals int) (money.Micros, error)
}

// Alerts is the subset of alertbus.Bus the engine needs after a spend
// commits. It is an interface, not a concrete *alertbus.Bus, so the
// engine never imports the alertbus package directly.
type Alerts interface {
	OnSpending(sessionKeyHash string, dailySpent, dailyCap money.Micros)
}

// Deps bundles the engine's collaborators.
type Deps struct {
	HTTP           HttpClient
	Sessions       *session.Manager
	Signer         *authsigner.Signer
	Oracle         PriceOracle
	Clock          clock.Clock
	ChainIDEVM     map[int64]int64 // internal chain id -> EVM chain id; unmapped ids pass through unchanged
	AuditAppend    func(ctx context.Context, rec PaymentRecord)
	Alerts         Alerts
	PaymentTimeout time.Duration
}

// PaymentRecord is the minimal shape the engine hands to the audit log
// after a settled or failed negotiation.
type PaymentRecord struct {
	SessionKeyHash     string
	Recipient          string
	AmountSmallestUnit string
	AmountUSD          money.Micros
	TokenSymbolOrAddr  string
	ChainID            int64
	Status             string // "pending" | "confirmed" | "failed"
	TxHash             string
	Protocol           string // "x402"
}

// Engine runs the 402 negotiation state machine.
type Engine struct {
	deps Deps
}

// New creates an Engine.
func New(deps Deps) *Engine {
	if deps.PaymentTimeout == 0 {
		deps.PaymentTimeout = 30 * time.Second
	}
	return &Engine{deps: deps}
}

// HandleFetch issues req, and if the response is a 402 challenge, signs
// and retries with proof on behalf of sessionKeyHash. If the original
// response is not a 402, it is returned unchanged. master is required to
// decrypt the session's private key for the duration of the signature.
func (e *Engine) HandleFetch(ctx context.Context, req HttpRequest, master session.MasterCredential, sessionKeyHash string) (HttpResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.deps.PaymentTimeout)
	defer cancel()

	resp, err := e.send(ctx, req)
	if err != nil {
		return HttpResponse{}, paymenterrors.Transient(fmt.Sprintf("x402engine: initial request failed: %v", err))
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	headers := lowerHeaders(resp.Headers)
	if _, ok := headers["x-ucp-initiation-url"]; ok {
		// Out of scope: a UCP handoff is a distinct negotiation protocol
		// this engine does not speak.
		return resp, paymenterrors.MalformedChallenge("ucp handoff requested, not supported")
	}

	parsed, err := x402.Parse(headers[strings.ToLower(x402.HeaderPaymentRequired)])
	if err != nil || parsed == nil {
		return HttpResponse{}, paymenterrors.MalformedChallenge("could not parse PAYMENT-REQUIRED header")
	}

	amountUSD, err := e.priceInUSD(ctx, *parsed)
	if err != nil {
		return HttpResponse{}, err
	}

	var bundle authsigner.Bundle

	// Record before retry: intentional, conservative. A lost retry strands
	// the increment; this implementation does not auto-refund.
	s, err := e.deps.Sessions.CheckSignRecord(ctx, sessionKeyHash, amountUSD, func(s *session.Session) error {
		priv, err := e.derivePrivateKey(master, s)
		if err != nil {
			return err
		}
		defer zero(priv)

		privKey, err := crypto.ToECDSA(priv)
		if err != nil {
			return paymenterrors.Crypto("x402engine: invalid session private key")
		}

		fromAddr, err := session.DerivedAddress(s.PublicKey)
		if err != nil {
			return paymenterrors.Crypto("x402engine: could not derive signer address")
		}

		chainIDEVM := parsed.ChainID
		if mapped, ok := e.deps.ChainIDEVM[parsed.ChainID]; ok {
			chainIDEVM = mapped
		}

		b, err := e.deps.Signer.Sign(privKey, chainIDEVM, fromAddr, *parsed)
		if err != nil {
			return err
		}
		bundle = b
		return nil
	})
	if err != nil {
		return HttpResponse{}, err
	}

	if e.deps.Alerts != nil {
		e.deps.Alerts.OnSpending(s.KeyHash, s.Ledger.DailySpentUSD, s.Policy.DailyCapUSD)
	}

	retryHeaders := map[string]string{}
	for k, v := range req.Headers {
		retryHeaders[k] = v
	}
	retryHeaders[x402.HeaderPaymentSignature] = bundle.PayloadB64

	retryResp, err := e.send(ctx, HttpRequest{
		Method:  req.Method,
		URL:     req.URL,
		Headers: retryHeaders,
		Body:    req.Body,
	})
	if err != nil {
		e.appendRecord(ctx, s, parsed, amountUSD, "failed", "")
		return HttpResponse{}, paymenterrors.Transient(fmt.Sprintf("x402engine: retry request failed: %v", err))
	}

	if retryResp.StatusCode == http.StatusPaymentRequired {
		retryHeadersLower := lowerHeaders(retryResp.Headers)
		var serverReason string
		if ch, err := x402.Parse(retryHeadersLower[strings.ToLower(x402.HeaderPaymentRequired)]); err == nil && ch != nil {
			serverReason = ch.Error
		}
		e.appendRecord(ctx, s, parsed, amountUSD, "failed", "")
		return HttpResponse{}, paymenterrors.PaymentRejected(serverReason)
	}

	settlementHeader := lowerHeaders(retryResp.Headers)[strings.ToLower(x402.HeaderPaymentResponse)]
	if settlementHeader != "" {
		var settlement x402.SettlementResponse
		if err := codec.DecodeJSON(settlementHeader, &settlement); err == nil {
			status := "confirmed"
			if !settlement.Success {
				status = "failed"
				slog.Warn("x402engine: settlement reported failure", "session_key_hash", sessionKeyHash, "reason", settlement.Error)
			}
			e.appendRecord(ctx, s, parsed, amountUSD, status, settlement.TransactionHash)
			return retryResp, nil
		}
	}

	e.appendRecord(ctx, s, parsed, amountUSD, "pending", "")
	return retryResp, nil
}

// send performs a single HTTP round trip with the TransientError backoff
// schedule (2s, 4s, 8s): a transport-level error is always retryable, so
// fn's error is never wrapped in retry.Permanent.
func (e *Engine) send(ctx context.Context, req HttpRequest) (HttpResponse, error) {
	var resp HttpResponse
	err := retry.Do(ctx, transientRetryAttempts, transientRetryBaseDelay, func() error {
		r, err := e.deps.HTTP.Send(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// priceInUSD converts the challenge's on-chain smallest-unit amount into
// microdollars. A known stablecoin address/symbol short-circuits straight
// to money.FromSmallestUnit on the already-smallest-unit amount (spec
// step: "short-circuit to amount_smallest_unit / 10^decimals") — it must
// NOT go through authsigner.InterpretAmount's whole-token heuristic, which
// is only correct for the signed on-chain Value, not this USD conversion.
func (e *Engine) priceInUSD(ctx context.Context, req x402.ParsedRequest) (money.Micros, error) {
	if token, ok := e.deps.Signer.KnownStablecoin(req.ChainID, req.Asset); ok {
		amount, err := strconv.ParseInt(req.AmountSmallestUnit, 10, 64)
		if err != nil {
			return 0, paymenterrors.MalformedChallenge("invalid amount " + req.AmountSmallestUnit)
		}
		return money.FromSmallestUnit(amount, token.Decimals), nil
	}
	if e.deps.Oracle == nil {
		return 0, paymenterrors.Internal("x402engine: no price oracle configured for non-stablecoin asset")
	}
	usd, err := e.deps.Oracle.USDValue(ctx, req.ChainID, req.Asset, req.AmountSmallestUnit, 18)
	if err != nil {
		return 0, paymenterrors.Transient(fmt.Sprintf("x402engine: price oracle failed: %v", err))
	}
	return usd, nil
}

func (e *Engine) derivePrivateKey(master session.MasterCredential, s *session.Session) ([]byte, error) {
	return e.deps.Sessions.DecryptPrivateKey(master, s)
}

func (e *Engine) appendRecord(ctx context.Context, s *session.Session, req *x402.ParsedRequest, amountUSD money.Micros, status, txHash string) {
	if e.deps.AuditAppend == nil || s == nil || req == nil {
		return
	}
	e.deps.AuditAppend(ctx, PaymentRecord{
		SessionKeyHash:     s.KeyHash,
		Recipient:          req.PayTo,
		AmountSmallestUnit: req.AmountSmallestUnit,
		AmountUSD:          amountUSD,
		TokenSymbolOrAddr:  req.Asset,
		ChainID:            req.ChainID,
		Status:             status,
		TxHash:             txHash,
		Protocol:           "x402",
	})
}

func lowerHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v
	}
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
