package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/tallyhq/tally-backend/errors"
	"github.com/tallyhq/tally-backend/internal/ratelimit"
	"github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/logger"
)

const rateLimitSettingKey = "rate_limits"

// AdminHandler exposes the runtime rate-limit overrides backed by the
// settings store.
type AdminHandler struct {
	settings store.SettingsStore
	buckets  *ratelimit.ConfigStore
}

func NewAdminHandler(settings store.SettingsStore, buckets *ratelimit.ConfigStore) *AdminHandler {
	return &AdminHandler{settings: settings, buckets: buckets}
}

// bucketOverride is the persisted shape of one override.
type bucketOverride struct {
	WindowMs    int64 `json:"windowMs"`
	MaxRequests int   `json:"maxRequests"`
	Enabled     bool  `json:"enabled"`
}

// GetRateLimitsHandler handles GET /admin/rate-limits.
func (h *AdminHandler) GetRateLimitsHandler(c *gin.Context) {
	out := make(map[string]bucketOverride)
	for name, cfg := range h.buckets.Snapshot() {
		out[name] = bucketOverride{
			WindowMs:    cfg.Window.Milliseconds(),
			MaxRequests: cfg.MaxRequests,
			Enabled:     cfg.Enabled,
		}
	}
	c.JSON(http.StatusOK, gin.H{"buckets": out})
}

type rateLimitUpdateRequest struct {
	Bucket      string `json:"bucket" binding:"required"`
	WindowMs    int64  `json:"windowMs" binding:"required,min=100"`
	MaxRequests int    `json:"maxRequests" binding:"required,min=1"`
	Enabled     *bool  `json:"enabled" binding:"required"`
}

// UpdateRateLimitHandler handles PUT /admin/rate-limits: applies the
// override live and persists it for the next boot.
func (h *AdminHandler) UpdateRateLimitHandler(c *gin.Context) {
	var req rateLimitUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid request body", err.Error()))
		return
	}

	cfg := ratelimit.BucketConfig{
		Window:      time.Duration(req.WindowMs) * time.Millisecond,
		MaxRequests: req.MaxRequests,
		Enabled:     *req.Enabled,
	}
	h.buckets.Override(req.Bucket, cfg)

	if err := h.persistOverrides(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}

	logger.GetLogger().Infow("Rate limit bucket overridden",
		"bucket", req.Bucket, "maxRequests", req.MaxRequests, "windowMs", req.WindowMs)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *AdminHandler) persistOverrides(ctx context.Context) error {
	overrides := make(map[string]bucketOverride)
	for name, cfg := range h.buckets.Snapshot() {
		overrides[name] = bucketOverride{
			WindowMs:    cfg.Window.Milliseconds(),
			MaxRequests: cfg.MaxRequests,
			Enabled:     cfg.Enabled,
		}
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		return apperrors.InternalServerError("Failed to encode rate limit overrides")
	}
	if err := h.settings.SetSetting(ctx, rateLimitSettingKey, string(data)); err != nil {
		return apperrors.NewDatabaseError(err)
	}
	return nil
}

// LoadRateLimitOverrides applies persisted overrides at startup. A missing
// setting is the common case and not an error.
func LoadRateLimitOverrides(ctx context.Context, settings store.SettingsStore, buckets *ratelimit.ConfigStore) error {
	raw, err := settings.GetSetting(ctx, rateLimitSettingKey)
	if err != nil {
		if errors.Is(err, store.ErrSettingNotFound) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	var overrides map[string]bucketOverride
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return err
	}
	for name, o := range overrides {
		buckets.Override(name, ratelimit.BucketConfig{
			Window:      time.Duration(o.WindowMs) * time.Millisecond,
			MaxRequests: o.MaxRequests,
			Enabled:     o.Enabled,
		})
	}
	return nil
}
