package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tunesync/internal/models"
	"tunesync/internal/store"
	syncengine "tunesync/internal/sync"
)

const deviceCacheTTL = 30 * time.Second

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	dbStatus := "connected"
	if err := s.db.Pool.Ping(ctx); err != nil {
		dbStatus = "unavailable"
	}

	redisStatus := "connected"
	if err := s.redis.RDB().Ping(ctx).Err(); err != nil {
		redisStatus = "unavailable"
	}

	code := http.StatusOK
	status := "healthy"
	if dbStatus != "connected" {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":   status,
		"database": dbStatus,
		"redis":    redisStatus,
	})
}

func (s *Server) lookupAccount(c *gin.Context) (*models.Account, bool) {
	slackUserID := c.Param("slack_user_id")
	acct, err := s.accounts.GetBySlackUserID(c.Request.Context(), slackUserID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{"code": "account_not_found", "message": "no account for that slack user"},
			})
			return nil, false
		}
		s.log.Error("account_lookup_failed", "slack_user_id", slackUserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal", "message": "account lookup failed"},
		})
		return nil, false
	}
	return acct, true
}

func (s *Server) handleGetSettings(c *gin.Context) {
	acct, ok := s.lookupAccount(c)
	if !ok {
		return
	}

	settings, err := s.accounts.Settings(c.Request.Context(), acct.ID)
	if err != nil {
		if errors.Is(err, store.ErrSettingsNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{"code": "settings_not_found", "message": "account has no settings record"},
			})
			return
		}
		s.log.Error("settings_lookup_failed", "account_id", acct.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal", "message": "settings lookup failed"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

type updateSettingsRequest struct {
	SyncEnabled         *bool    `json:"sync_enabled"`
	StatusEmoji         *string  `json:"status_emoji"`
	StatusTemplate      *string  `json:"status_template"`
	ShowTitle           *bool    `json:"show_title"`
	ShowArtist          *bool    `json:"show_artist"`
	WorkingHoursEnabled *bool    `json:"working_hours_enabled"`
	WorkingHoursStart   *int     `json:"working_hours_start"`
	WorkingHoursEnd     *int     `json:"working_hours_end"`
	AllowedDeviceIDs    []string `json:"allowed_device_ids"`
}

func validHourMinute(v int) bool {
	return v >= 0 && v <= 2359 && v%100 < 60
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	acct, ok := s.lookupAccount(c)
	if !ok {
		return
	}

	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_body", "message": err.Error()},
		})
		return
	}

	settings, err := s.accounts.Settings(c.Request.Context(), acct.ID)
	if err != nil {
		if errors.Is(err, store.ErrSettingsNotFound) {
			def := models.DefaultSyncSettings(acct.ID)
			settings = &def
		} else {
			s.log.Error("settings_lookup_failed", "account_id", acct.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"code": "internal", "message": "settings lookup failed"},
			})
			return
		}
	}

	if req.SyncEnabled != nil {
		settings.SyncEnabled = *req.SyncEnabled
	}
	if req.StatusEmoji != nil {
		settings.StatusEmoji = *req.StatusEmoji
	}
	if req.StatusTemplate != nil {
		if strings.TrimSpace(*req.StatusTemplate) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "invalid_template", "message": "status_template must not be empty"},
			})
			return
		}
		settings.StatusTemplate = *req.StatusTemplate
	}
	if req.ShowTitle != nil {
		settings.ShowTitle = *req.ShowTitle
	}
	if req.ShowArtist != nil {
		settings.ShowArtist = *req.ShowArtist
	}
	if req.WorkingHoursEnabled != nil {
		settings.WorkingHoursEnabled = *req.WorkingHoursEnabled
	}
	if req.WorkingHoursStart != nil {
		if !validHourMinute(*req.WorkingHoursStart) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "invalid_working_hours", "message": "working_hours_start must be HHMM"},
			})
			return
		}
		settings.WorkingHoursStart = req.WorkingHoursStart
	}
	if req.WorkingHoursEnd != nil {
		if !validHourMinute(*req.WorkingHoursEnd) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "invalid_working_hours", "message": "working_hours_end must be HHMM"},
			})
			return
		}
		settings.WorkingHoursEnd = req.WorkingHoursEnd
	}
	if req.AllowedDeviceIDs != nil {
		settings.AllowedDeviceIDs = req.AllowedDeviceIDs
	}

	if err := s.accounts.UpsertSettings(c.Request.Context(), settings); err != nil {
		s.log.Error("settings_update_failed", "account_id", acct.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal", "message": "settings update failed"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// handleManualSync runs one reconciliation cycle for the account right now,
// outside the scheduler cadence.
func (s *Server) handleManualSync(c *gin.Context) {
	acct, ok := s.lookupAccount(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	outcome := s.reconciler.Reconcile(ctx, acct)
	if outcome.Kind == syncengine.OutcomeFailed {
		s.log.Error("manual_sync_failed", "account_id", acct.ID, "error", outcome.Err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"code": "sync_failed", "message": outcome.Err.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcome": outcome.Kind.String(),
		"reason":  outcome.Reason,
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	acct, ok := s.lookupAccount(c)
	if !ok {
		return
	}

	cacheKey := "devices:" + acct.SlackUserID
	if cached, err := s.redis.Get(c.Request.Context(), cacheKey); err == nil && cached != "" {
		var devices []models.Device
		if err := json.Unmarshal([]byte(cached), &devices); err == nil {
			c.JSON(http.StatusOK, gin.H{"devices": devices, "cached": true})
			return
		}
	}

	devices, err := s.tokens.ListDevices(c.Request.Context(), acct)
	if err != nil {
		s.log.Warn("device_listing_failed", "account_id", acct.ID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"code": "devices_unavailable", "message": "could not list devices"},
		})
		return
	}

	if payload, err := json.Marshal(devices); err == nil {
		_ = s.redis.Set(c.Request.Context(), cacheKey, string(payload), deviceCacheTTL)
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices, "cached": false})
}
