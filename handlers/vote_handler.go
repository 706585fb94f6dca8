package handlers

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/middleware"
	"github.com/tallyhq/tally-backend/models"
	"github.com/tallyhq/tally-backend/types"
)

type VoteHandler struct {
	votes *models.VoteModel
}

func NewVoteHandler(votes *models.VoteModel) *VoteHandler {
	return &VoteHandler{votes: votes}
}

// SubmitVoteHandler handles POST /polls/:publicToken/vote and its
// /vote-bulk alias; both accept the same bulk body.
func (h *VoteHandler) SubmitVoteHandler(c *gin.Context) {
	var req types.BulkVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	ident, _ := middleware.GetVoterIdentity(c)
	resp, err := h.votes.SubmitBulkVote(c.Request.Context(), c.Param("token"), ident, &req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// WithdrawHandler handles DELETE /polls/:publicToken/vote.
func (h *VoteHandler) WithdrawHandler(c *gin.Context) {
	var req types.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	ident, _ := middleware.GetVoterIdentity(c)
	if err := h.votes.Withdraw(c.Request.Context(), c.Param("token"), ident, &req); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetVotesByEditTokenHandler handles GET /votes/edit/:editToken.
func (h *VoteHandler) GetVotesByEditTokenHandler(c *gin.Context) {
	view, err := h.votes.GetVotesByEditToken(c.Request.Context(), c.Param("editToken"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// UpdateVotesByEditTokenHandler handles PUT /votes/edit/:editToken.
func (h *VoteHandler) UpdateVotesByEditTokenHandler(c *gin.Context) {
	var req types.VoteEditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	resp, err := h.votes.UpdateVotesByEditToken(c.Request.Context(), c.Param("editToken"), req.Votes)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// MyVotesHandler handles GET /polls/:publicToken/my-votes.
func (h *VoteHandler) MyVotesHandler(c *gin.Context) {
	ident, _ := middleware.GetVoterIdentity(c)
	resp, err := h.votes.MyVotes(c.Request.Context(), c.Param("token"), ident)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type emailCheckRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// EmailCheckHandler handles POST /email-check, used by front-ends before
// voting. A random 100-150 ms delay blurs the timing difference between hits
// and misses against enumeration.
func (h *VoteHandler) EmailCheckHandler(c *gin.Context) {
	var req emailCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	exists, err := h.votes.EmailExists(c.Request.Context(), req.Email)

	time.Sleep(time.Duration(100+rand.Intn(51)) * time.Millisecond)

	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
