// Package httpapi exposes the broker over HTTP: the ledger's deposit hook,
// the provider response callback, sub-request cancellation, and the
// signature-guarded administrative surface.
package httpapi

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quorumgrid/aggbroker/internal/agreement"
	"github.com/quorumgrid/aggbroker/internal/broker"
	"github.com/quorumgrid/aggbroker/internal/escrow"
)

// Handler wires the broker routes onto a Gin engine.
type Handler struct {
	brk      *broker.Broker
	registry *agreement.Registry
	escrow   *escrow.Accountant
	log      *zap.Logger
}

func NewHandler(brk *broker.Broker, registry *agreement.Registry, acct *escrow.Accountant, log *zap.Logger) *Handler {
	return &Handler{brk: brk, registry: registry, escrow: acct, log: log}
}

// Register mounts the public routes on rg and the admin routes on adminRg.
// The admin group is expected to carry the auth middleware already.
func (h *Handler) Register(rg, adminRg *gin.RouterGroup) {
	// ── Public: ledger hook, providers, callers ────────────────────────────
	rg.POST("/deposits", h.handleDeposit)
	rg.POST("/requests/:id/responses", h.handleResponse)
	rg.POST("/requests/:id/cancellations", h.handleCancel)
	rg.GET("/agreements/:id", h.handleGetAgreement)

	// ── Admin ──────────────────────────────────────────────────────────────
	adminRg.POST("/agreements", h.handleCreateAgreement)
	adminRg.DELETE("/agreements/:id", h.handleDeleteAgreement)
	adminRg.POST("/withdrawals", h.handleWithdraw)
}

// ── Deposit hook ─────────────────────────────────────────────────────────────

type depositRequest struct {
	Sender           string `json:"sender" binding:"required"`
	From             string `json:"from" binding:"required"`
	Amount           string `json:"amount" binding:"required"`
	AgreementID      string `json:"agreement_id" binding:"required"`
	Nonce            uint64 `json:"nonce"`
	CallbackSelector string `json:"callback_selector"`
}

func (h *Handler) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	data := broker.DepositData{
		AgreementID:      common.HexToHash(req.AgreementID),
		Nonce:            req.Nonce,
		CallbackSelector: req.CallbackSelector,
	}
	requestID, err := h.brk.OnDeposit(c.Request.Context(),
		common.HexToAddress(req.Sender),
		common.HexToAddress(req.From),
		amount,
		data,
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request_id": requestID.Hex()})
}

// ── Provider responses ───────────────────────────────────────────────────────

type responseRequest struct {
	SubRequestID string `json:"sub_request_id" binding:"required"`
	Value        string `json:"value" binding:"required"`
	Responder    string `json:"responder" binding:"required"`
}

func (h *Handler) handleResponse(c *gin.Context) {
	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
		return
	}

	err := h.brk.Receive(c.Request.Context(),
		common.HexToHash(c.Param("id")),
		common.HexToHash(req.SubRequestID),
		value,
		common.HexToAddress(req.Responder),
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Cancellation ─────────────────────────────────────────────────────────────

type cancelRequest struct {
	SubRequestID string `json:"sub_request_id" binding:"required"`
	Initiator    string `json:"initiator" binding:"required"`
}

func (h *Handler) handleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.brk.Cancel(c.Request.Context(),
		common.HexToHash(c.Param("id")),
		common.HexToHash(req.SubRequestID),
		common.HexToAddress(req.Initiator),
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Agreements ───────────────────────────────────────────────────────────────

type createAgreementRequest struct {
	MinResponses int      `json:"min_responses"`
	Providers    []string `json:"providers"`
	JobSpecs     []string `json:"job_specs"`
	Fees         []string `json:"fees"`
}

func (h *Handler) handleCreateAgreement(c *gin.Context) {
	var req createAgreementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	providers := make([]common.Address, len(req.Providers))
	for i, p := range req.Providers {
		providers[i] = common.HexToAddress(p)
	}
	fees := make([]*big.Int, len(req.Fees))
	for i, f := range req.Fees {
		v, ok := new(big.Int).SetString(f, 10)
		if !ok || v.Sign() < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fee"})
			return
		}
		fees[i] = v
	}

	id, err := h.registry.Create(c.Request.Context(),
		adminFrom(c),
		req.MinResponses,
		providers,
		req.JobSpecs,
		fees,
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agreement_id": id.Hex()})
}

func (h *Handler) handleGetAgreement(c *gin.Context) {
	ag, err := h.registry.Get(c.Request.Context(), common.HexToHash(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	// Unknown and deleted agreements read back as an empty record by design.
	c.JSON(http.StatusOK, gin.H{
		"id":            c.Param("id"),
		"min_responses": ag.MinResponses,
		"providers":     ag.Providers,
		"total_fee":     ag.TotalFee().String(),
		"active":        ag.ActiveRequests,
	})
}

func (h *Handler) handleDeleteAgreement(c *gin.Context) {
	err := h.registry.Delete(c.Request.Context(), adminFrom(c), common.HexToHash(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Withdraw ─────────────────────────────────────────────────────────────────

type withdrawRequest struct {
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func (h *Handler) handleWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	err := h.escrow.Withdraw(c.Request.Context(), adminFrom(c), common.HexToAddress(req.To), amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// adminFrom reads the identity the auth middleware recovered.
func adminFrom(c *gin.Context) common.Address {
	return common.HexToAddress(c.GetString("admin_address"))
}

func (h *Handler) writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrUnknownAgreement),
		errors.Is(err, broker.ErrUnknownRequest),
		errors.Is(err, broker.ErrUnknownSubRequest):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrWrongSender),
		errors.Is(err, broker.ErrWrongOrigin),
		errors.Is(err, broker.ErrUnauthorized),
		errors.Is(err, agreement.ErrUnauthorized),
		errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, broker.ErrReplayedNonce),
		errors.Is(err, agreement.ErrAgreementActive),
		errors.Is(err, escrow.ErrEscrowExhausted):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInsufficientPayment):
		return http.StatusPaymentRequired
	case errors.Is(err, agreement.ErrInvalidQuorum),
		errors.Is(err, agreement.ErrLengthMismatch),
		errors.Is(err, broker.ErrNotExpired):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
