// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/adxyz/adserver/core"
)

// SelectRequest is one placement fill request from the rendering layer.
type SelectRequest struct {
	Placement  string   `json:"placement" binding:"required"`
	PageType   string   `json:"page_type"`
	PagePath   string   `json:"page_path"`
	Device     string   `json:"device"`
	Country    string   `json:"country"`
	CategoryID string   `json:"category_id"`
	ArticleID  string   `json:"article_id"`
	Section    int      `json:"section"`
	Paragraph  int      `json:"paragraph"`
	Limit      int      `json:"limit" binding:"omitempty,min=1,max=20"`
	ExcludeIDs []string `json:"exclude_ids"`

	SessionToken string `json:"session_token"`
	UserID       string `json:"user_id"`
}

// SelectResponse carries the chosen creatives. SessionToken echoes the
// caller's token, or a freshly issued one for first-contact visitors.
type SelectResponse struct {
	Creatives    []core.Display `json:"creatives"`
	Reason       string         `json:"reason,omitempty"`
	SessionToken string         `json:"session_token,omitempty"`
}

func (s *Server) handleSelect(c *gin.Context) {
	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	// Anonymous first contact gets a long-lived opaque session token.
	issued := ""
	if req.SessionToken == "" && req.UserID == "" {
		issued = uuid.NewString()
		req.SessionToken = issued
	}

	raw := core.RawContext{
		Placement:  req.Placement,
		PageType:   req.PageType,
		PagePath:   req.PagePath,
		Device:     req.Device,
		Country:    req.Country,
		CategoryID: req.CategoryID,
		ArticleID:  req.ArticleID,
		Section:    req.Section,
		Paragraph:  req.Paragraph,
		Identity:   core.Identity{SessionToken: req.SessionToken, UserID: req.UserID},
		ExcludeIDs: req.ExcludeIDs,
	}

	start := time.Now()
	result := s.engine.Select(c.Request.Context(), raw, req.Limit)

	if s.metrics != nil {
		s.metrics.SelectionsTotal.WithLabelValues(req.Placement).Inc()
		s.metrics.SelectionDuration.Observe(time.Since(start).Seconds())
		if len(result.Creatives) == 0 {
			s.metrics.EmptySelections.WithLabelValues(result.Reason).Inc()
		} else {
			s.metrics.CreativesServed.Add(float64(len(result.Creatives)))
		}
	}

	c.JSON(http.StatusOK, SelectResponse{
		Creatives:    result.Creatives,
		Reason:       result.Reason,
		SessionToken: issued,
	})
}

// EventRequest is one tracking submission from the client side.
type EventRequest struct {
	CreativeID string `json:"creative_id" binding:"required"`
	Type       string `json:"type" binding:"required,oneof=impression click view conversion"`
	PageType   string `json:"page_type"`
	PagePath   string `json:"page_path"`
	Device     string `json:"device"`
	Country    string `json:"country"`
	ArticleID  string `json:"article_id"`
	CategoryID string `json:"category_id"`

	SessionToken string `json:"session_token"`
	UserID       string `json:"user_id"`

	// EventID is the optional client-generated id that makes retries
	// safe beyond the server-inferred dedupe key.
	EventID string `json:"event_id"`
}

// EventResponse reports whether the submission created a new fact.
type EventResponse struct {
	Recorded bool `json:"recorded"`
}

func (s *Server) handleEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if s.metrics != nil {
			s.metrics.EventsRejected.WithLabelValues("invalid").Inc()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	sc := core.NormalizeContext(core.RawContext{
		PageType:   req.PageType,
		PagePath:   req.PagePath,
		Device:     req.Device,
		Country:    req.Country,
		CategoryID: req.CategoryID,
		ArticleID:  req.ArticleID,
	})

	recorded, err := s.recorder.Record(c.Request.Context(), core.RecordRequest{
		CreativeID:      req.CreativeID,
		Type:            core.EventType(req.Type),
		Identity:        core.Identity{SessionToken: req.SessionToken, UserID: req.UserID},
		PageKey:         sc.PageKey,
		PagePath:        sc.PagePath,
		PageType:        sc.PageType,
		Device:          sc.Device,
		Country:         sc.Country,
		ExternalEventID: req.EventID,
	})

	switch {
	case errors.Is(err, core.ErrCreativeNotFound):
		if s.metrics != nil {
			s.metrics.EventsRejected.WithLabelValues("not_found").Inc()
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "creative not found"})
		return
	case errors.Is(err, core.ErrCreativeDeleted):
		if s.metrics != nil {
			s.metrics.EventsRejected.WithLabelValues("deleted").Inc()
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "creative deleted"})
		return
	case errors.Is(err, core.ErrInvalidEvent), errors.Is(err, core.ErrUnknownEventType):
		if s.metrics != nil {
			s.metrics.EventsRejected.WithLabelValues("invalid").Inc()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		// Caller retries with the same event id; dedupe makes it safe.
		if s.metrics != nil {
			s.metrics.EventsRejected.WithLabelValues("storage").Inc()
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry with same event_id"})
		return
	}

	if s.metrics != nil {
		if recorded {
			s.metrics.EventsRecorded.WithLabelValues(req.Type).Inc()
		} else {
			s.metrics.EventsDuplicate.Inc()
		}
	}

	c.JSON(http.StatusOK, EventResponse{Recorded: recorded})
}

// StatsRequest selects aggregate rows for admin reporting.
type StatsRequest struct {
	CreativeID string `form:"creative_id"`
	From       string `form:"from" binding:"required"`
	To         string `form:"to" binding:"required"`
	Breakdown  bool   `form:"breakdown"`
}

func (s *Server) handleStats(c *gin.Context) {
	var req StatsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	report, err := s.stats.Query(c.Request.Context(), core.StatsQuery{
		CreativeID: req.CreativeID,
		From:       req.From,
		To:         req.To,
		Breakdown:  req.Breakdown,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleLiveStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.recorder.RealTimeTotals())
}

// AggregateRequest triggers a manual run or backfill.
type AggregateRequest struct {
	Day  string `json:"day"`
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleAggregateRun(c *gin.Context) {
	var req AggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	start := time.Now()
	switch {
	case req.Day != "":
		if _, err := time.Parse(core.DayFormat, req.Day); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad day: " + req.Day})
			return
		}
		res, err := s.aggregator.RunDay(c.Request.Context(), req.Day, false)
		s.observeAggregation(start, err)
		if errors.Is(err, core.ErrAggregationBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
			return
		}
		c.JSON(http.StatusOK, res)
	case req.From != "" && req.To != "":
		results, err := s.aggregator.Backfill(c.Request.Context(), req.From, req.To)
		s.observeAggregation(start, err)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "results": results})
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "day or from/to required"})
	}
}

func (s *Server) observeAggregation(start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.AggregationRuns.WithLabelValues(outcome).Inc()
	s.metrics.AggregationDuration.Observe(time.Since(start).Seconds())
}
