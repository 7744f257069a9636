// Package api exposes the operator-facing gin HTTP surface: session
// create/revoke, payment-token mint/validate/refresh/revoke, and audit
// log queries/export. It follows the teacher's internal/sessionkeys
// Handler/RegisterRoutes convention: a thin struct wrapping the core
// components, binding JSON requests and translating paymenterrors.Error
// into a stable wire response.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentpay/internal/alertbus"
	"github.com/mbd888/agentpay/internal/auditlog"
	"github.com/mbd888/agentpay/internal/money"
	"github.com/mbd888/agentpay/internal/paymenterrors"
	"github.com/mbd888/agentpay/internal/session"
	"github.com/mbd888/agentpay/internal/tokenvault"
	"github.com/mbd888/agentpay/internal/x402engine"
)

// Handler wraps the core components behind the operator API.
type Handler struct {
	Sessions *session.Manager
	Vault    *tokenvault.Vault
	Audit    *auditlog.AuditLog
	Alerts   *alertbus.Bus
	Engine   *x402engine.Engine
}

// NewHandler constructs a Handler.
func NewHandler(sessions *session.Manager, vault *tokenvault.Vault, audit *auditlog.AuditLog, alerts *alertbus.Bus, engine *x402engine.Engine) *Handler {
	return &Handler{Sessions: sessions, Vault: vault, Audit: audit, Alerts: alerts, Engine: engine}
}

// RegisterRoutes mounts every operator endpoint under r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/:keyHash", h.GetSession)
	r.DELETE("/sessions/:keyHash", h.RevokeSession)
	r.POST("/sessions/:keyHash/pay", h.ExecutePayment)

	r.POST("/sessions/:keyHash/tokens", h.MintToken)
	r.POST("/tokens/validate", h.ValidateToken)
	r.POST("/tokens/refresh", h.RefreshToken)
	r.DELETE("/tokens/:token", h.RevokeToken)

	r.GET("/audit", h.QueryAudit)

	r.POST("/approvals/:txID/approve", h.ApproveHighValue)
	r.GET("/approvals/:txID", h.CheckApproval)
}

type createSessionRequest struct {
	CredentialID    string    `json:"credential_id" binding:"required"`
	MasterKeyHash   string    `json:"master_key_hash" binding:"required"`
	PubKeyX         []byte    `json:"pub_key_x"`
	PubKeyY         []byte    `json:"pub_key_y"`
	DailyCapUSD     string    `json:"daily_cap_usd" binding:"required"`
	PerTxCapUSD     string    `json:"per_tx_cap_usd" binding:"required"`
	ExpiresAt       time.Time `json:"expires_at" binding:"required"`
	AllowedChainIDs []int64   `json:"allowed_chain_ids" binding:"required"`
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	dailyCap, ok := money.Parse(req.DailyCapUSD)
	if !ok {
		writeBadRequest(c, "invalid daily_cap_usd")
		return
	}
	perTxCap, ok := money.Parse(req.PerTxCapUSD)
	if !ok {
		writeBadRequest(c, "invalid per_tx_cap_usd")
		return
	}

	master := session.MasterCredential{
		CredentialID: req.CredentialID,
		KeyHash:      req.MasterKeyHash,
		PubKeyX:      req.PubKeyX,
		PubKeyY:      req.PubKeyY,
	}
	policy := session.Policy{
		DailyCapUSD:     dailyCap,
		PerTxCapUSD:     perTxCap,
		ExpiresAt:       req.ExpiresAt,
		AllowedChainIDs: req.AllowedChainIDs,
	}

	s, err := h.Sessions.Create(c.Request.Context(), master, policy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

// GetSession handles GET /sessions/:keyHash.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.Sessions.Load(c.Request.Context(), c.Param("keyHash"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// RevokeSession handles DELETE /sessions/:keyHash.
func (h *Handler) RevokeSession(c *gin.Context) {
	if err := h.Sessions.Revoke(c.Request.Context(), c.Param("keyHash")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type executePaymentRequest struct {
	CredentialID  string            `json:"credential_id" binding:"required"`
	MasterKeyHash string            `json:"master_key_hash" binding:"required"`
	PubKeyX       []byte            `json:"pub_key_x"`
	PubKeyY       []byte            `json:"pub_key_y"`
	Method        string            `json:"method" binding:"required"`
	URL           string            `json:"url" binding:"required"`
	Headers       map[string]string `json:"headers"`
	Body          []byte            `json:"body"`
}

// ExecutePayment handles POST /sessions/:keyHash/pay: it drives req through
// x402engine.Engine.HandleFetch on the session's behalf, signing and
// retrying with proof if the target responds 402.
func (h *Handler) ExecutePayment(c *gin.Context) {
	var req executePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	master := session.MasterCredential{
		CredentialID: req.CredentialID,
		KeyHash:      req.MasterKeyHash,
		PubKeyX:      req.PubKeyX,
		PubKeyY:      req.PubKeyY,
	}

	resp, err := h.Engine.HandleFetch(c.Request.Context(), x402engine.HttpRequest{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
		Body:    req.Body,
	}, master, c.Param("keyHash"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status_code": resp.StatusCode,
		"headers":     resp.Headers,
		"body":        resp.Body,
	})
}

type mintTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// MintToken handles POST /sessions/:keyHash/tokens.
func (h *Handler) MintToken(c *gin.Context) {
	var req mintTokenRequest
	_ = c.ShouldBindJSON(&req)

	s, err := h.Sessions.Load(c.Request.Context(), c.Param("keyHash"))
	if err != nil {
		writeError(c, err)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	tok, err := h.Vault.Mint(c.Request.Context(), s, ttl)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":      tok.TokenString,
		"expires_at": tok.ExpiresAt,
	})
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// ValidateToken handles POST /tokens/validate.
func (h *Handler) ValidateToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	s, err := h.Vault.Validate(c.Request.Context(), req.Token)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// RefreshToken handles POST /tokens/refresh.
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		Token      string `json:"token" binding:"required"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	tok, err := h.Vault.Refresh(c.Request.Context(), req.Token, ttl)
	if err != nil {
		writeError(c, err)
		return
	}
	if tok == nil {
		writeBadRequest(c, "token invalid or expired")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      tok.TokenString,
		"expires_at": tok.ExpiresAt,
	})
}

// RevokeToken handles DELETE /tokens/:token.
func (h *Handler) RevokeToken(c *gin.Context) {
	revoked, err := h.Vault.Revoke(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !revoked {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

// QueryAudit handles GET /audit?chain_id=&start_time=&end_time=&session_key_hash=&limit=&offset=&format=json|csv.
func (h *Handler) QueryAudit(c *gin.Context) {
	var f auditlog.Filter

	if v := c.Query("chain_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeBadRequest(c, "invalid chain_id")
			return
		}
		f.ChainID = &id
	}
	if v := c.Query("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(c, "invalid start_time")
			return
		}
		f.StartTime = t
	}
	if v := c.Query("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(c, "invalid end_time")
			return
		}
		f.EndTime = t
	}
	f.SessionKeyHash = c.Query("session_key_hash")
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			f.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			f.Offset = n
		}
	}

	records, err := h.Audit.Query(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}

	switch c.Query("format") {
	case "csv":
		c.Header("Content-Type", "text/csv")
		if err := auditlog.ExportCSV(c.Writer, records); err != nil {
			writeError(c, err)
		}
	default:
		c.Header("Content-Type", "application/json")
		if err := auditlog.ExportJSON(c.Writer, records); err != nil {
			writeError(c, err)
		}
	}
}

// ApproveHighValue handles POST /approvals/:txID/approve.
func (h *Handler) ApproveHighValue(c *gin.Context) {
	var req struct {
		ApproverKey string `json:"approver_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	if !h.Alerts.Approve(c.Param("txID"), req.ApproverKey) {
		writeBadRequest(c, "approval window expired or not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// CheckApproval handles GET /approvals/:txID.
func (h *Handler) CheckApproval(c *gin.Context) {
	approved, expired := h.Alerts.CheckApproval(c.Param("txID"))
	c.JSON(http.StatusOK, gin.H{"approved": approved, "expired": expired})
}

func writeBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}

func writeError(c *gin.Context, err error) {
	var pe *paymenterrors.Error
	if errors.As(err, &pe) {
		status := http.StatusBadRequest
		switch pe.Kind {
		case paymenterrors.KindTransient:
			status = http.StatusServiceUnavailable
		case paymenterrors.KindInternal:
			status = http.StatusInternalServerError
		}
		c.JSON(status, pe)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
