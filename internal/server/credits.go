package server

import (
	"net/http"
	"strings"

	creditsdomain "github.com/fableloom/loom-credits/internal/credits/domain"
	"github.com/fableloom/loom-credits/internal/pricing"
	"github.com/fableloom/loom-credits/internal/usercontext"
	"github.com/gin-gonic/gin"
)

type reserveRequest struct {
	OperationKind string         `json:"operation_kind" binding:"required"`
	Params        pricing.Params `json:"params"`
	RequestToken  string         `json:"request_token"`
	Metadata      map[string]any `json:"metadata"`
}

func (s *Server) ReserveCredits(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errInvalidRequest)
		return
	}

	kind, err := pricing.ParseKind(req.OperationKind)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.creditssvc.Reserve(c.Request.Context(), creditsdomain.ReserveRequest{
		Kind:         kind,
		Params:       req.Params,
		RequestToken: req.RequestToken,
		Metadata:     req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type completeRequest struct {
	Status      string `json:"status" binding:"required"`
	ErrorDetail string `json:"error,omitempty"`
}

func (s *Server) CompleteReservation(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errInvalidRequest)
		return
	}

	err := s.creditssvc.Complete(c.Request.Context(), creditsdomain.CompleteRequest{
		IdempotencyKey: c.Param("key"),
		Status:         creditsdomain.UsageStatus(req.Status),
		ErrorDetail:    req.ErrorDetail,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) RefundReservation(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errInvalidRequest)
		return
	}

	err := s.creditssvc.Refund(c.Request.Context(), creditsdomain.RefundRequest{
		IdempotencyKey: c.Param("key"),
		Reason:         req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) GetOwnBalance(c *gin.Context) {
	ident, ok := usercontext.IdentityFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, errAuthRequired())
		return
	}

	balance, err := s.creditssvc.GetBalance(c.Request.Context(), ident.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

// GetUserBalance looks up any user's balance; dashboard use, privileged only.
func (s *Server) GetUserBalance(c *gin.Context) {
	if _, ok := requirePrivileged(c); !ok {
		return
	}

	balance, err := s.creditssvc.GetBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

type grantRequest struct {
	UserID    string         `json:"user_id"`
	Amount    int64          `json:"amount" binding:"required"`
	Reason    string         `json:"reason"`
	Reference string         `json:"reference"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) AddBonusCredits(c *gin.Context) {
	if _, ok := requirePrivileged(c); !ok {
		return
	}

	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errInvalidRequest)
		return
	}

	resp, err := s.creditssvc.AddBonusCredits(c.Request.Context(), creditsdomain.GrantRequest{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Reason:   req.Reason,
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ConfirmPurchase credits purchased amounts. Non-privileged callers can
// only credit themselves; the payment webhook relay runs privileged and
// names the buyer explicitly.
func (s *Server) ConfirmPurchase(c *gin.Context) {
	ident, ok := usercontext.IdentityFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, errAuthRequired())
		return
	}

	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errInvalidRequest)
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" || !ident.Privileged {
		userID = ident.UserID
	}

	resp, err := s.creditssvc.ConfirmPurchase(c.Request.Context(), creditsdomain.GrantRequest{
		UserID:    userID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		Reference: req.Reference,
		Metadata:  req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
