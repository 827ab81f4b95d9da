package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"mechlink/internal/engine"
	"mechlink/internal/middleware"
	"mechlink/internal/model"
	"mechlink/internal/presence"
	"mechlink/internal/store"
)

type SessionHandler struct {
	Store       *store.Store
	Engine      *engine.Engine
	Coordinator *engine.JoinCoordinator
	Tracker     *presence.Tracker
}

type createSessionBody struct {
	Type         model.SessionType `json:"type"`
	Plan         string            `json:"plan"`
	AmountCents  int64             `json:"amountCents"`
	ScheduledFor *int64            `json:"scheduledFor"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	status := model.StatusPending
	if body.ScheduledFor != nil {
		status = model.StatusScheduled
	}
	sess := &model.Session{
		ID:           uuid.New().String(),
		Type:         body.Type,
		Plan:         body.Plan,
		CustomerID:   userID,
		Status:       status,
		AmountCents:  body.AmountCents,
		CreatedAt:    time.Now().UnixMilli(),
		ScheduledFor: body.ScheduledFor,
	}
	if err := h.Store.CreateSession(c.Request.Context(), sess); err != nil {
		if errors.Is(err, store.ErrInvalidPlan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown plan"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not create session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": h.sessionJSON(c.Request.Context(), sess)})
}

func (h *SessionHandler) Get(c *gin.Context) {
	sess, ok := h.authorizedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": h.sessionJSON(c.Request.Context(), sess)})
}

func (h *SessionHandler) End(c *gin.Context) {
	sess, ok := h.authorizedSession(c)
	if !ok {
		return
	}
	role, _ := middleware.RoleFromContext(c)

	res, err := h.Engine.End(c.Request.Context(), sess.ID, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not end session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied": res.Applied,
		"session": h.sessionJSON(c.Request.Context(), res.Session),
	})
}

type extendBody struct {
	Minutes int `json:"minutes"`
}

func (h *SessionHandler) Extend(c *gin.Context) {
	sess, ok := h.authorizedSession(c)
	if !ok {
		return
	}
	userID, _ := middleware.UserIDFromContext(c)

	var body extendBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Minutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid minutes"})
		return
	}

	res, err := h.Engine.Extend(c.Request.Context(), sess.ID, body.Minutes, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not extend session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied": res.Applied,
		"session": h.sessionJSON(c.Request.Context(), res.Session),
	})
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (h *SessionHandler) Cancel(c *gin.Context) {
	sess, ok := h.authorizedSession(c)
	if !ok {
		return
	}
	role, _ := middleware.RoleFromContext(c)
	if role != model.RoleCustomer {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	var body cancelBody
	_ = c.ShouldBindJSON(&body)
	if body.Reason != "" {
		log.Printf("session %s: cancel requested, reason=%q", sess.ID, body.Reason)
	}

	res, err := h.Engine.Cancel(c.Request.Context(), sess.ID, string(role))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not cancel session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied": res.Applied,
		"session": h.sessionJSON(c.Request.Context(), res.Session),
	})
}

func (h *SessionHandler) SignWaiver(c *gin.Context) {
	sess, ok := h.authorizedSession(c)
	if !ok {
		return
	}

	applied, err := h.Store.SignWaiver(c.Request.Context(), sess.ID, time.Now().UnixMilli())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not sign waiver"})
		return
	}
	if applied {
		// both parties may already be connected waiting on this signature
		h.Coordinator.OnWaiverSigned(c.Request.Context(), sess.ID, h.Tracker.Snapshot(sess.ID))
	}
	got, err := h.Store.GetSession(c.Request.Context(), sess.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not load session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied": applied,
		"session": h.sessionJSON(c.Request.Context(), got),
	})
}

// TimeUp is the reactive half of authoritative expiry: a client whose
// local countdown hit zero reports in, the server decides.
func (h *SessionHandler) TimeUp(c *gin.Context) {
	sess, ok := h.authorizedSession(c)
	if !ok {
		return
	}

	res, err := h.Engine.CheckExpiry(c.Request.Context(), sess.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not check expiry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied": res.Applied,
		"session": h.sessionJSON(c.Request.Context(), res.Session),
	})
}

// authorizedSession loads the session and verifies the caller is one of
// its two parties.
func (h *SessionHandler) authorizedSession(c *gin.Context) (*model.Session, bool) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return nil, false
	}

	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return nil, false
	}

	sess, err := h.Store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not load session"})
		return nil, false
	}

	if !isParty(sess, userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return nil, false
	}
	return sess, true
}

func isParty(sess *model.Session, userID string) bool {
	if sess.CustomerID == userID {
		return true
	}
	return sess.MechanicID != nil && *sess.MechanicID == userID
}

func (h *SessionHandler) sessionJSON(ctx context.Context, sess *model.Session) gin.H {
	out := gin.H{
		"id":             sess.ID,
		"type":           sess.Type,
		"plan":           sess.Plan,
		"customerId":     sess.CustomerID,
		"mechanicId":     sess.MechanicID,
		"requestId":      sess.RequestID,
		"status":         sess.Status,
		"amountCents":    sess.AmountCents,
		"createdAt":      sess.CreatedAt,
		"scheduledFor":   sess.ScheduledFor,
		"startedAt":      sess.StartedAt,
		"endedAt":        sess.EndedAt,
		"waiverSignedAt": sess.WaiverSignedAt,
		"autoExpired":    sess.AutoExpired,
		"plannedEndAt":   sess.PlannedEndAt,
	}

	if total, err := h.Store.TotalMinutes(ctx, sess.ID); err == nil {
		out["totalMinutes"] = total
		if sess.Status == model.StatusLive {
			if remaining, err := h.Engine.Remaining(ctx, sess, time.Now()); err == nil {
				out["remainingSeconds"] = int64(remaining.Seconds())
			}
		}
	}
	if grants, err := h.Store.ListExtensions(ctx, sess.ID); err == nil && len(grants) > 0 {
		exts := make([]gin.H, 0, len(grants))
		for _, g := range grants {
			exts = append(exts, gin.H{"minutes": g.Minutes, "grantedBy": g.GrantedBy, "grantedAt": g.GrantedAt})
		}
		out["extensions"] = exts
	}
	return out
}
