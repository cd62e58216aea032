// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes exposes the router service over HTTP. The handlers are
// a thin adapter: validation and routing live in the service layer.
package routes

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianConverse/services/router"
	"github.com/AleutianAI/AleutianConverse/services/router/storage"
)

// SetupRoutes registers every endpoint on engine.
func SetupRoutes(engine *gin.Engine, svc *router.Service, registry *prometheus.Registry) {
	engine.Use(otelgin.Middleware("converse-router"))

	engine.GET("/healthz", Health())
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := engine.Group("/v1")
	{
		v1.POST("/messages", PostMessage(svc))
		v1.POST("/sessions/:sessionId/handover", PostHandover(svc))
		v1.POST("/sessions/:sessionId/resume", PostResume(svc))
	}
}

// Health reports liveness.
func Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// PostMessage routes one user message.
func PostMessage(svc *router.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req router.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		resp, err := svc.HandleMessage(c.Request.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, router.ErrSessionBusy):
				c.JSON(http.StatusConflict, gin.H{"error": "session busy, retry"})
			case errors.Is(err, storage.ErrTenantMismatch):
				c.JSON(http.StatusForbidden, gin.H{"error": "session belongs to another tenant"})
			default:
				slog.Error("Message handling failed", slog.Any("error", err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to handle message"})
			}
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// PostHandover parks a session with a human operator.
func PostHandover(svc *router.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Query("tenant_id")
		sessionID := c.Param("sessionId")
		session, err := svc.Handover(c.Request.Context(), tenantID, sessionID)
		if err != nil {
			respondSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": session.ID, "state": session.State})
	}
}

// PostResume releases a session from handover.
func PostResume(svc *router.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Query("tenant_id")
		sessionID := c.Param("sessionId")
		session, err := svc.Resume(c.Request.Context(), tenantID, sessionID)
		if err != nil {
			respondSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": session.ID, "state": session.State})
	}
}

func respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, storage.ErrTenantMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "session belongs to another tenant"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
