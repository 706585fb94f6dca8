// Package router assembles the gin engine: middleware chain, API routes,
// and the operational endpoints.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tallyhq/tally-backend/config"
	"github.com/tallyhq/tally-backend/handlers"
	"github.com/tallyhq/tally-backend/internal/auth"
	"github.com/tallyhq/tally-backend/internal/ratelimit"
	"github.com/tallyhq/tally-backend/middleware"
	ws "github.com/tallyhq/tally-backend/internal/websocket"
)

// Dependencies carries everything the router wires together.
type Dependencies struct {
	Config       *config.Config
	DeviceTokens *auth.DeviceTokenService
	Limiter      ratelimit.Limiter

	Polls   *handlers.PollHandler
	Votes   *handlers.VoteHandler
	Results *handlers.ResultsHandler
	Exports *handlers.ExportHandler
	Admin   *handlers.AdminHandler
	Health  *handlers.HealthHandler
	Live    *ws.Handler
}

// New builds the engine with the full route table.
func New(deps Dependencies) *gin.Engine {
	if deps.Config.Server.Environment == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS(deps.Config.Server.AllowedOrigins))

	r.GET("/healthz", deps.Health.HealthzHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	secureCookies := deps.Config.Server.SecureCookies()
	testModeEnabled := deps.Config.Server.Environment != config.EnvProduction

	v1 := r.Group("/api/v1")
	v1.Use(middleware.ErrorHandler())
	v1.Use(middleware.TestMode(testModeEnabled))
	v1.Use(middleware.OptionalAuth(deps.Config.Server.JwtSecretKey))
	v1.Use(middleware.VoterIdentity(deps.DeviceTokens, secureCookies))
	v1.Use(middleware.RateLimit(deps.Limiter, ratelimit.BucketAPIGeneral))

	polls := v1.Group("/polls")
	{
		polls.POST("", middleware.RateLimit(deps.Limiter, ratelimit.BucketPollCreation), deps.Polls.CreatePollHandler)
		polls.GET("/public/:token", deps.Polls.GetPublicPollHandler)

		polls.GET("/my-polls", middleware.RequireAuth(), deps.Polls.MyPollsHandler)
		polls.GET("/shared-polls", middleware.RequireAuth(), deps.Polls.SharedPollsHandler)

		admin := polls.Group("/admin/:token")
		{
			admin.GET("", deps.Polls.GetAdminPollHandler)
			admin.PATCH("", deps.Polls.UpdatePollHandler)
			admin.DELETE("", deps.Polls.DeletePollHandler)
			admin.POST("/finalize", deps.Polls.FinalizePollHandler)
			admin.POST("/reminder", middleware.RateLimit(deps.Limiter, ratelimit.BucketEmail), deps.Polls.SendReminderHandler)
			admin.POST("/options", deps.Polls.AddOptionHandler)
			admin.PATCH("/options/:id", deps.Polls.UpdateOptionHandler)
			admin.DELETE("/options/:id", deps.Polls.DeleteOptionHandler)
		}

		voteLimit := middleware.RateLimit(deps.Limiter, ratelimit.BucketVote)
		polls.POST("/:token/vote", voteLimit, deps.Votes.SubmitVoteHandler)
		polls.POST("/:token/vote-bulk", voteLimit, deps.Votes.SubmitVoteHandler)
		polls.DELETE("/:token/vote", voteLimit, deps.Votes.WithdrawHandler)
		polls.GET("/:token/my-votes", deps.Votes.MyVotesHandler)

		polls.GET("/:token/results", deps.Results.GetResultsHandler)
		polls.GET("/:token/export/csv", deps.Exports.ExportCSVHandler)
		polls.GET("/:token/export/ics", deps.Exports.ExportICSHandler)

		polls.GET("/:token/ws", deps.Live.HandleLiveConnection)
	}

	votes := v1.Group("/votes")
	{
		voteLimit := middleware.RateLimit(deps.Limiter, ratelimit.BucketVote)
		votes.GET("/edit/:editToken", deps.Votes.GetVotesByEditTokenHandler)
		votes.PUT("/edit/:editToken", voteLimit, deps.Votes.UpdateVotesByEditTokenHandler)
	}

	v1.POST("/email-check", middleware.RateLimit(deps.Limiter, ratelimit.BucketEmailCheck), deps.Votes.EmailCheckHandler)

	v1.GET("/calendar/:calendarToken/feed.ics", deps.Exports.CalendarFeedHandler)

	adminAPI := v1.Group("/admin", middleware.RequireAuth())
	{
		adminAPI.GET("/rate-limits", deps.Admin.GetRateLimitsHandler)
		adminAPI.PUT("/rate-limits", deps.Admin.UpdateRateLimitHandler)
	}

	return r
}
