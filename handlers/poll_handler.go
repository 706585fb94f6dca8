// Package handlers contains the gin HTTP handlers. Handlers bind and shape
// requests, delegate to models, and attach errors for the central error
// middleware; they never write error bodies themselves.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/middleware"
	"github.com/tallyhq/tally-backend/models"
	"github.com/tallyhq/tally-backend/types"
)

// PollMailer is the slice of the email service the poll handler uses.
type PollMailer interface {
	SendPollCreated(ctx context.Context, poll *types.Poll, adminToken string)
	SendManualReminder(ctx context.Context, poll *types.Poll, message string) int
}

type PollHandler struct {
	polls  *models.PollModel
	mailer PollMailer
}

func NewPollHandler(polls *models.PollModel, mailer PollMailer) *PollHandler {
	return &PollHandler{polls: polls, mailer: mailer}
}

// CreatePollHandler handles POST /polls.
func (h *PollHandler) CreatePollHandler(c *gin.Context) {
	var req types.PollCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	var creatorUserID *string
	if userID := middleware.GetUserID(c); userID != "" {
		creatorUserID = &userID
	}

	resp, err := h.polls.CreatePoll(c.Request.Context(), &req, creatorUserID, middleware.IsTestMode(c))
	if err != nil {
		_ = c.Error(err)
		return
	}

	if h.mailer != nil {
		// Fire and forget; creation must not wait on email delivery.
		go h.mailer.SendPollCreated(context.WithoutCancel(c.Request.Context()), resp.Poll, resp.AdminToken)
	}

	c.JSON(http.StatusCreated, resp)
}

// GetPublicPollHandler handles GET /polls/public/:token.
func (h *PollHandler) GetPublicPollHandler(c *gin.Context) {
	poll, err := h.polls.GetPublicPoll(c.Request.Context(), c.Param("token"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, poll)
}

// GetAdminPollHandler handles GET /polls/admin/:token.
func (h *PollHandler) GetAdminPollHandler(c *gin.Context) {
	poll, err := h.polls.GetAdminPoll(c.Request.Context(), c.Param("token"), middleware.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, poll)
}

// UpdatePollHandler handles PATCH /polls/admin/:token.
func (h *PollHandler) UpdatePollHandler(c *gin.Context) {
	var patch types.PollUpdate
	if err := c.ShouldBindJSON(&patch); err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	poll, err := h.polls.UpdatePoll(c.Request.Context(), c.Param("token"), middleware.GetUserID(c), &patch)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, poll)
}

// DeletePollHandler handles DELETE /polls/admin/:token.
func (h *PollHandler) DeletePollHandler(c *gin.Context) {
	if err := h.polls.DeletePoll(c.Request.Context(), c.Param("token"), middleware.GetUserID(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// FinalizePollHandler handles POST /polls/admin/:token/finalize.
func (h *PollHandler) FinalizePollHandler(c *gin.Context) {
	var req types.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	poll, err := h.polls.FinalizePoll(c.Request.Context(), c.Param("token"), middleware.GetUserID(c), req.OptionID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, poll)
}

// AddOptionHandler handles POST /polls/admin/:token/options.
func (h *PollHandler) AddOptionHandler(c *gin.Context) {
	var req types.PollOptionCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	opt, err := h.polls.AddOption(c.Request.Context(), c.Param("token"), middleware.GetUserID(c), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, opt)
}

// UpdateOptionHandler handles PATCH /polls/admin/:token/options/:id.
func (h *PollHandler) UpdateOptionHandler(c *gin.Context) {
	optionID, ok := optionIDParam(c)
	if !ok {
		return
	}

	var patch types.OptionUpdate
	if err := c.ShouldBindJSON(&patch); err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	if err := h.polls.UpdateOption(c.Request.Context(), c.Param("token"), middleware.GetUserID(c), optionID, &patch); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteOptionHandler handles DELETE /polls/admin/:token/options/:id.
func (h *PollHandler) DeleteOptionHandler(c *gin.Context) {
	optionID, ok := optionIDParam(c)
	if !ok {
		return
	}

	if err := h.polls.DeleteOption(c.Request.Context(), c.Param("token"), middleware.GetUserID(c), optionID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MyPollsHandler handles GET /polls/my-polls (auth required).
func (h *PollHandler) MyPollsHandler(c *gin.Context) {
	polls, err := h.polls.ListPollsByCreator(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"polls": polls})
}

// SharedPollsHandler handles GET /polls/shared-polls (auth required).
func (h *PollHandler) SharedPollsHandler(c *gin.Context) {
	polls, err := h.polls.ListSharedPolls(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"polls": polls})
}

type reminderRequest struct {
	Message string `json:"message,omitempty" binding:"omitempty,max=1000"`
}

// SendReminderHandler handles POST /polls/admin/:token/reminder. The guard
// caps reminders at three per poll, at least four hours apart.
func (h *PollHandler) SendReminderHandler(c *gin.Context) {
	var req reminderRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	poll, err := h.polls.GetAdminPoll(c.Request.Context(), c.Param("token"), middleware.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}

	if err := h.polls.CheckManualReminderAllowed(c.Request.Context(), poll.ID); err != nil {
		_ = c.Error(err)
		return
	}

	recipients := 0
	if h.mailer != nil {
		recipients = h.mailer.SendManualReminder(c.Request.Context(), poll, req.Message)
	}

	logger.GetLogger().Infow("Manual reminder sent", "pollId", poll.ID, "recipients", recipients)
	c.JSON(http.StatusOK, gin.H{"success": true, "recipients": recipients})
}

func optionIDParam(c *gin.Context) (int64, bool) {
	id, err := parseInt64(c.Param("id"))
	if err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid option id", c.Param("id")))
		return 0, false
	}
	return id, true
}
