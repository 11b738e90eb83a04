package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callsignal/internal/domain"
	"callsignal/internal/service/call"
	"callsignal/pkg/pagination"
	"callsignal/pkg/response"
)

// Handler handles call control HTTP requests
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// RegisterRoutes mounts the call control API on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	calls.POST("", h.StartCall)
	calls.GET("/history", h.GetHistory)
	calls.POST("/join/:token", h.JoinByToken)
	calls.GET("/:id", h.GetCall)
	calls.POST("/:id/accept", h.AcceptCall)
	calls.POST("/:id/decline", h.DeclineCall)
	calls.POST("/:id/leave", h.LeaveCall)
	calls.POST("/:id/end", h.EndCall)
	calls.POST("/:id/signal", h.SendSignal)
}

// StartCallRequest represents call initiation request
type StartCallRequest struct {
	CallType  string `json:"call_type" binding:"required,oneof=voice video"`
	CalleeID  string `json:"callee_id" binding:"omitempty,uuid"`
	GroupID   string `json:"group_id" binding:"omitempty,uuid"`
	IsMeeting bool   `json:"is_meeting"`
}

// SignalRequest carries one negotiation envelope. TargetID restricts delivery
// to a single participant.
type SignalRequest struct {
	Envelope domain.Envelope `json:"envelope"`
	TargetID *uuid.UUID      `json:"target_id,omitempty"`
}

// StartCall places a call to a user or group
// POST /v1/calls
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := currentUser(c)
	if !ok {
		return
	}

	var target domain.CallTarget
	if req.CalleeID != "" {
		id := uuid.MustParse(req.CalleeID)
		target.CalleeID = &id
	}
	if req.GroupID != "" {
		id := uuid.MustParse(req.GroupID)
		target.GroupID = &id
	}

	session, err := h.callService.Start(c.Request.Context(), &call.StartInput{
		CallerID:  callerID,
		Target:    target,
		Type:      domain.CallType(req.CallType),
		IsMeeting: req.IsMeeting,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, session)
}

// AcceptCall joins the caller's invitation
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	session, err := h.callService.Accept(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// JoinByToken joins a meeting through its invite link
// POST /v1/calls/join/:token
func (h *Handler) JoinByToken(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		response.ValidationError(c, "Invite token is required")
		return
	}

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	session, err := h.callService.JoinByInviteToken(c.Request.Context(), token, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// DeclineCall refuses an incoming call
// POST /v1/calls/:id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	if err := h.callService.Decline(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call declined",
		"call_id": callID,
	})
}

// LeaveCall leaves a group call, or hangs up a 1:1 call
// POST /v1/calls/:id/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	if err := h.callService.Leave(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Left call",
		"call_id": callID,
	})
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	if err := h.callService.End(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call ended",
		"call_id": callID,
	})
}

// SendSignal relays an offer, answer, ICE candidate or renegotiation request
// POST /v1/calls/:id/signal
func (h *Handler) SendSignal(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.callService.Signal(c.Request.Context(), callID, userID, &req.Envelope, req.TargetID); err != nil {
		response.FromError(c, err)
		return
	}

	c.Status(http.StatusAccepted)
}

// GetCall retrieves a call and its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	view, err := h.callService.Get(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// GetHistory lists the user's calls, newest first
// GET /v1/calls/history?limit=20&offset=0 (or &page=2)
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	page, err := pagination.Parse(c.Query("limit"), c.Query("offset"), c.Query("page"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	sessions, err := h.callService.History(c.Request.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  sessions,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

// currentUser reads the authenticated user set by the auth middleware. It writes
// the error response itself when the user is missing.
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return id, true
}

func callAndUser(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, uuid.Nil, false
	}
	id, ok := currentUser(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return callID, id, true
}
