package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"mechlink/internal/middleware"
	"mechlink/internal/model"
	"mechlink/internal/store"
)

type RequestHandler struct {
	Store *store.Store
}

type createRequestBody struct {
	Type        model.SessionType `json:"type"`
	Plan        string            `json:"plan"`
	Description string            `json:"description"`
}

func (h *RequestHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now().UnixMilli()
	req := &model.MatchRequest{
		ID:          uuid.New().String(),
		CustomerID:  userID,
		Type:        body.Type,
		Plan:        body.Plan,
		Description: body.Description,
		Status:      model.RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.Store.CreateRequest(c.Request.Context(), req); err != nil {
		if errors.Is(err, store.ErrInvalidPlan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown plan"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not create request"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": requestJSON(req)})
}

// List is the mechanic dashboard: every pending request, oldest first.
func (h *RequestHandler) List(c *gin.Context) {
	reqs, err := h.Store.ListPendingRequests(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not list requests"})
		return
	}

	out := make([]gin.H, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, requestJSON(req))
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

type acceptBody struct {
	AmountCents int64 `json:"amountCents"`
}

// Accept links the request and its new session in one transaction; a
// request someone else already accepted comes back applied=false.
func (h *RequestHandler) Accept(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request id"})
		return
	}

	var body acceptBody
	if err := c.ShouldBindJSON(&body); err != nil || body.AmountCents < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sess, applied, err := h.Store.AcceptRequest(c.Request.Context(), requestID, userID, body.AmountCents, time.Now().UnixMilli())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not accept request"})
		return
	}
	if !applied {
		req, err := h.Store.GetRequest(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"applied": false, "request": requestJSON(req)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"applied": true,
		"session": gin.H{
			"id":         sess.ID,
			"type":       sess.Type,
			"plan":       sess.Plan,
			"customerId": sess.CustomerID,
			"mechanicId": sess.MechanicID,
			"requestId":  sess.RequestID,
			"status":     sess.Status,
		},
	})
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	requestID := c.Param("id")
	req, err := h.Store.GetRequest(c.Request.Context(), requestID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		return
	}
	if req.CustomerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	applied, err := h.Store.CancelRequest(c.Request.Context(), requestID, time.Now().UnixMilli())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not cancel request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

func requestJSON(req *model.MatchRequest) gin.H {
	return gin.H{
		"id":          req.ID,
		"customerId":  req.CustomerID,
		"type":        req.Type,
		"plan":        req.Plan,
		"description": req.Description,
		"status":      req.Status,
		"sessionId":   req.SessionID,
		"mechanicId":  req.MechanicID,
		"createdAt":   req.CreatedAt,
		"updatedAt":   req.UpdatedAt,
	}
}
