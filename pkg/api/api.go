// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api exposes the capture and reporting HTTP endpoints. Handlers are
// thin: they validate the wire payload, hand off to the stores and the
// engine, and shape the response.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/adxyz/attrib/pkg/analytics"
	"github.com/adxyz/attrib/pkg/credit"
	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/event"
	"github.com/adxyz/attrib/pkg/identity"
	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/log"
	"github.com/adxyz/attrib/pkg/metric"
	"github.com/adxyz/attrib/pkg/model"
	"github.com/adxyz/attrib/pkg/touchpoint"
)

// EventWriter persists captured tracker events.
type EventWriter interface {
	AppendEvent(ctx context.Context, raw event.RawEvent) error
}

// ConversionStore persists and loads conversion events.
type ConversionStore interface {
	RecordConversion(ctx context.Context, conv event.Conversion) error
	Conversion(ctx context.Context, id ids.ConversionID) (event.Conversion, error)
}

// ResultReader loads stored attribution results.
type ResultReader interface {
	ResultsFor(ctx context.Context, convID ids.ConversionID) ([]credit.AttributionResult, error)
}

// ConfigWriter stores validated model settings.
type ConfigWriter interface {
	SetModelSettings(ctx context.Context, clientID ids.ClientID, settings model.Settings) error
}

// CacheInvalidator drops cached settings after a config change. Optional.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, clientID ids.ClientID)
}

// Server wires the HTTP surface to the pipeline.
type Server struct {
	engine      *engine.Engine
	events      EventWriter
	conversions ConversionStore
	results     ResultReader
	configs     ConfigWriter
	cache       CacheInvalidator
	identities  identity.Store

	tracker *analytics.Tracker
	metrics *metric.Metrics
	hub     *Hub
	log     log.Logger
}

// Deps carries the Server's collaborators. Engine, Events, Conversions,
// Results, Configs and Identities are required.
type Deps struct {
	Engine      *engine.Engine
	Events      EventWriter
	Conversions ConversionStore
	Results     ResultReader
	Configs     ConfigWriter
	Cache       CacheInvalidator
	Identities  identity.Store
	Tracker     *analytics.Tracker
	Metrics     *metric.Metrics
	Logger      log.Logger
}

// NewServer creates the API server and starts its websocket hub.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.NoOp()
	}
	s := &Server{
		engine:      deps.Engine,
		events:      deps.Events,
		conversions: deps.Conversions,
		results:     deps.Results,
		configs:     deps.Configs,
		cache:       deps.Cache,
		identities:  deps.Identities,
		tracker:     deps.Tracker,
		metrics:     deps.Metrics,
		hub:         NewHub(logger),
		log:         logger,
	}
	go s.hub.Run()
	return s
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router(production bool) *gin.Engine {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	v1 := router.Group("/v1")
	{
		v1.POST("/events", s.handleCaptureEvent)
		v1.POST("/conversions", s.handleCaptureConversion)
		v1.GET("/conversions/:id/results", s.handleResults)
		v1.GET("/models", s.handleListModels)
		v1.PUT("/clients/:id/model", s.handleSetModel)
	}

	router.GET("/ws/results", s.handleResultsFeed)

	return router
}

// Shutdown stops the websocket hub.
func (s *Server) Shutdown() {
	s.hub.Stop()
}

// eventRequest is the tracker's event capture payload.
type eventRequest struct {
	ClientID  string `json:"client_id" binding:"required"`
	VisitorID string `json:"visitor_id" binding:"required"`
	EventType string `json:"event_type" binding:"required"`
	PageURL   string `json:"page_url"`
	Referrer  string `json:"referrer"`
	Timestamp string `json:"timestamp"`
	Email     string `json:"email"`

	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`
	UTMTerm     string `json:"utm_term"`
	UTMContent  string `json:"utm_content"`

	GCLID   string `json:"gclid"`
	FBCLID  string `json:"fbclid"`
	TTCLID  string `json:"ttclid"`
	MSCLKID string `json:"msclkid"`
}

func (s *Server) handleCaptureEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ts := req.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	} else if _, err := touchpoint.ParseTimestamp(ts); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unparsable timestamp"})
		return
	}

	raw := event.RawEvent{
		ID:          ids.NewEventID(),
		ClientID:    ids.ClientID(req.ClientID),
		VisitorID:   ids.VisitorID(req.VisitorID),
		EventType:   req.EventType,
		PageURL:     req.PageURL,
		Referrer:    req.Referrer,
		Timestamp:   ts,
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
		UTMTerm:     req.UTMTerm,
		UTMContent:  req.UTMContent,
		GCLID:       req.GCLID,
		FBCLID:      req.FBCLID,
		TTCLID:      req.TTCLID,
		MSCLKID:     req.MSCLKID,
	}

	if err := s.events.AppendEvent(c.Request.Context(), raw); err != nil {
		s.log.Error("event capture failed", log.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	// A form submit with an email stitches this visitor into an identity.
	if req.Email != "" {
		hash := identity.HashEmail(req.Email)
		if err := s.identities.Link(c.Request.Context(), raw.ClientID, hash, raw.VisitorID); err != nil {
			s.log.Warn("identity link failed", log.Err(err))
		}
	}

	if s.metrics != nil {
		s.metrics.EventsCaptured.Inc()
	}

	c.JSON(http.StatusAccepted, gin.H{"id": raw.ID})
}

// conversionRequest is the conversion capture payload.
type conversionRequest struct {
	ClientID       string   `json:"client_id" binding:"required"`
	VisitorID      string   `json:"visitor_id" binding:"required"`
	ConversionType string   `json:"conversion_type" binding:"required"`
	Email          string   `json:"email"`
	EmailHash      string   `json:"email_hash"`
	Value          *float64 `json:"value"`
	Currency       string   `json:"currency"`
	Timestamp      string   `json:"timestamp"`
}

func (s *Server) handleCaptureConversion(c *gin.Context) {
	var req conversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := touchpoint.ParseTimestamp(req.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unparsable timestamp"})
			return
		}
		ts = parsed
	}

	emailHash := req.EmailHash
	if emailHash == "" && req.Email != "" {
		emailHash = identity.HashEmail(req.Email)
	}

	conv := event.Conversion{
		ID:             ids.NewConversionID(),
		ClientID:       ids.ClientID(req.ClientID),
		VisitorID:      ids.VisitorID(req.VisitorID),
		EmailHash:      emailHash,
		ConversionType: req.ConversionType,
		Value:          req.Value,
		Currency:       req.Currency,
		Timestamp:      ts,
	}

	if err := s.conversions.RecordConversion(c.Request.Context(), conv); err != nil {
		s.log.Error("conversion record failed", log.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if s.metrics != nil {
		s.metrics.ConversionsRecorded.Inc()
	}

	run, err := s.engine.Process(c.Request.Context(), conv)
	if err != nil {
		if errors.Is(err, engine.ErrDuplicateRun) {
			c.JSON(http.StatusConflict, gin.H{"error": "conversion already processed"})
			return
		}
		s.log.Error("attribution failed", log.String("conversion", string(conv.ID)), log.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attribution failure"})
		return
	}

	s.recordRun(run)
	s.hub.Broadcast(run)

	c.JSON(http.StatusCreated, run)
}

func (s *Server) recordRun(run *engine.Run) {
	if s.tracker == nil {
		return
	}
	bySource := make([]analytics.SourceCredit, 0, len(run.Results))
	for _, r := range run.Results {
		bySource = append(bySource, analytics.SourceCredit{Source: r.Source, Credit: r.Credit})
	}
	s.tracker.RecordRun(string(run.Model), run.TouchpointCount, run.Direct, run.FallbackApplied, bySource, time.Now().UTC())
}

func (s *Server) handleResults(c *gin.Context) {
	convID := ids.ConversionID(c.Param("id"))

	if _, err := s.conversions.Conversion(c.Request.Context(), convID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversion not found"})
		return
	}

	results, err := s.results.ResultsFor(c.Request.Context(), convID)
	if err != nil {
		s.log.Error("results lookup failed", log.String("conversion", string(convID)), log.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversion_id": convID,
		"results":       results,
	})
}

func (s *Server) handleListModels(c *gin.Context) {
	specs := model.All()
	out := make([]gin.H, 0, len(specs))
	for _, spec := range specs {
		out = append(out, gin.H{
			"model":       spec.Model,
			"description": spec.Description,
			"defaults":    spec.Defaults(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func (s *Server) handleSetModel(c *gin.Context) {
	clientID := ids.ClientID(c.Param("id"))

	var settings model.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := model.ValidateSettings(settings); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, model.ErrUnknownModel) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if err := s.configs.SetModelSettings(c.Request.Context(), clientID, settings); err != nil {
		s.log.Error("settings store failed", log.String("client", string(clientID)), log.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	if s.cache != nil {
		s.cache.Invalidate(c.Request.Context(), clientID)
	}

	c.JSON(http.StatusOK, gin.H{"client_id": clientID, "model": settings.Model})
}
