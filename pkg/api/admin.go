// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/adxyz/adserver/core"
)

// AdminStore is the management surface over creatives and campaigns.
type AdminStore interface {
	PutCreative(ctx context.Context, c *core.Creative) error
	GetCreative(ctx context.Context, id string) (*core.Creative, error)
	SoftDelete(ctx context.Context, id string) error
	PutCampaign(ctx context.Context, cam *core.Campaign) error
	GetCampaign(ctx context.Context, id string) (*core.Campaign, error)
}

// CacheFlusher invalidates the targeting result cache after admin writes.
type CacheFlusher interface {
	Flush()
}

func (s *Server) registerAdminRoutes(g *gin.RouterGroup) {
	g.POST("/creatives", s.handlePutCreative)
	g.GET("/creatives/:id", s.handleGetCreative)
	g.DELETE("/creatives/:id", s.handleDeleteCreative)
	g.POST("/campaigns", s.handlePutCampaign)
	g.GET("/campaigns/:id", s.handleGetCampaign)
}

func (s *Server) handlePutCreative(c *gin.Context) {
	var creative core.Creative
	if err := c.ShouldBindJSON(&creative); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid creative: " + err.Error()})
		return
	}
	if len(creative.Targeting.Placements) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one placement required"})
		return
	}

	now := time.Now().UTC()
	created := false
	if creative.ID == "" {
		creative.ID = uuid.NewString()
		created = true
	} else if prev, err := s.admin.GetCreative(c.Request.Context(), creative.ID); errors.Is(err, core.ErrCreativeNotFound) {
		created = true
	} else if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	} else {
		// Counters and creation time are server-owned; an edit that
		// doesn't echo them must not reset them.
		creative.CreatedAt = prev.CreatedAt
		creative.Impressions = prev.Impressions
		creative.Clicks = prev.Clicks
		creative.CTR = prev.CTR
		creative.LastServedAt = prev.LastServedAt
	}
	if created {
		creative.CreatedAt = now
	}
	creative.UpdatedAt = now
	if creative.Status == "" {
		creative.Status = core.StatusActive
	}

	if err := s.admin.PutCreative(c.Request.Context(), &creative); err != nil {
		s.log.Error("creative write failed", "creative", creative.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	s.flushTargetingCache()

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, creative)
}

func (s *Server) handleGetCreative(c *gin.Context) {
	creative, err := s.admin.GetCreative(c.Request.Context(), c.Param("id"))
	if errors.Is(err, core.ErrCreativeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "creative not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, creative)
}

// handleDeleteCreative soft-deletes: the record survives so historical
// events and stats keep resolving, but serving stops.
func (s *Server) handleDeleteCreative(c *gin.Context) {
	err := s.admin.SoftDelete(c.Request.Context(), c.Param("id"))
	if errors.Is(err, core.ErrCreativeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "creative not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	s.flushTargetingCache()
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePutCampaign(c *gin.Context) {
	var campaign core.Campaign
	if err := c.ShouldBindJSON(&campaign); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign: " + err.Error()})
		return
	}

	now := time.Now().UTC()
	if campaign.ID == "" {
		campaign.ID = uuid.NewString()
		campaign.CreatedAt = now
	}
	campaign.UpdatedAt = now
	if campaign.Status == "" {
		campaign.Status = core.StatusActive
	}

	if err := s.admin.PutCampaign(c.Request.Context(), &campaign); err != nil {
		s.log.Error("campaign write failed", "campaign", campaign.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (s *Server) handleGetCampaign(c *gin.Context) {
	campaign, err := s.admin.GetCampaign(c.Request.Context(), c.Param("id"))
	if errors.Is(err, core.ErrCampaignNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (s *Server) flushTargetingCache() {
	if s.cacheFlusher != nil {
		s.cacheFlusher.Flush()
	}
}
