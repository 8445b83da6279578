package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/loanledger/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LedgerHandler exposes the per-loan ledger over HTTP.
type LedgerHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(l *ledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

// ConfigureEngine sets the routing options the ledger routes rely on. Loan
// IDs are opaque and may contain '/', which clients send percent-encoded, so
// routes match on the raw path and path values are unescaped afterwards.
func ConfigureEngine(r *gin.Engine) {
	r.UseRawPath = true
	r.UnescapePathValues = true
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/loans/:loanId/ledger")
	{
		l.POST("", h.Append)
		l.GET("", h.Read)
		l.GET("/verify", h.Verify)
		l.GET("/head", h.Head)
		l.GET("/entries/:seq", h.GetEntry)
	}
}

// appendBody is the wire form of an append. LoanID is optional and must
// match the path when present.
type appendBody struct {
	LoanID      string           `json:"loanId"`
	EventType   string           `json:"eventType"`
	EventData   json.RawMessage  `json:"eventData"`
	Amount      *decimal.Decimal `json:"amount"`
	PerformedBy string           `json:"performedBy"`
	IPAddress   string           `json:"ipAddress"`
}

// Append handles POST /loans/:loanId/ledger.
func (h *LedgerHandler) Append(c *gin.Context) {
	loanID := c.Param("loanId")

	var body appendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if body.LoanID != "" && body.LoanID != loanID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "loanId in body does not match path", "field": "loanId"})
		return
	}

	eventType := ledger.EventType(body.EventType)
	data, err := ledger.DecodeEventData(eventType, body.EventData)
	if err != nil {
		h.writeError(c, loanID, err)
		return
	}

	ip := body.IPAddress
	if ip == "" {
		ip = c.ClientIP()
	}

	entry, err := h.ledger.Append(c.Request.Context(), ledger.AppendRequest{
		LoanID:      loanID,
		EventType:   eventType,
		EventData:   data,
		Amount:      body.Amount,
		PerformedBy: body.PerformedBy,
		IPAddress:   ip,
	})
	if err != nil {
		h.writeError(c, loanID, err)
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// Read handles GET /loans/:loanId/ledger.
func (h *LedgerHandler) Read(c *gin.Context) {
	loanID := c.Param("loanId")

	entries, err := h.ledger.Read(c.Request.Context(), loanID)
	if err != nil {
		h.writeError(c, loanID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"loanId": loanID, "entries": entries})
}

// Verify handles GET /loans/:loanId/ledger/verify. A corrupted chain is still
// a 200; corruption is reported in the body.
func (h *LedgerHandler) Verify(c *gin.Context) {
	loanID := c.Param("loanId")

	res, err := h.ledger.Verify(c.Request.Context(), loanID)
	if err != nil {
		h.writeError(c, loanID, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// Head handles GET /loans/:loanId/ledger/head.
func (h *LedgerHandler) Head(c *gin.Context) {
	loanID := c.Param("loanId")

	seq, head, err := h.ledger.Head(c.Request.Context(), loanID)
	if err != nil {
		h.writeError(c, loanID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"loanId": loanID, "entries": seq, "head": head})
}

// GetEntry handles GET /loans/:loanId/ledger/entries/:seq.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	loanID := c.Param("loanId")

	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return
	}

	entry, err := h.ledger.Entry(c.Request.Context(), loanID, seq)
	if err != nil {
		h.writeError(c, loanID, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

func (h *LedgerHandler) writeError(c *gin.Context, loanID string, err error) {
	var ve *ledger.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, ledger.ErrConcurrentAppend):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent append conflict, retry the request"})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
	default:
		h.logger.Error("ledger request failed",
			zap.String("loan_id", loanID),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger storage failure"})
	}
}
