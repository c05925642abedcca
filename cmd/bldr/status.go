// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/bldr/services/supervisor"
	"github.com/AleutianAI/bldr/services/supervisor/effective"
)

// statusSource is the part of the supervisor the status listener reads.
type statusSource interface {
	Status() supervisor.Status
	EffectiveConfig() *effective.Config
}

// statusResponse is the JSON body of GET /status.
type statusResponse struct {
	Service    string    `json:"service"`
	State      string    `json:"state"`
	RunID      string    `json:"run_id,omitempty"`
	Pid        int       `json:"pid,omitempty"`
	Package    string    `json:"package,omitempty"`
	Generation int       `json:"generation"`
	Restarts   int       `json:"restarts"`
	LastError  string    `json:"last_error,omitempty"`
	Since      time.Time `json:"since"`
	Backend    string    `json:"backend"`
}

// statusServer serves supervisor status, the effective configuration and
// Prometheus metrics.
type statusServer struct {
	srv    *http.Server
	logger *slog.Logger
}

func newStatusServer(addr string, src statusSource, logger *slog.Logger) *statusServer {
	return &statusServer{
		srv:    &http.Server{Addr: addr, Handler: newStatusRouter(src), ReadHeaderTimeout: 10 * time.Second},
		logger: logger,
	}
}

// newStatusRouter builds the routes:
//
//	GET /status   supervisor state
//	GET /config   effective configuration as a nested document
//	GET /metrics  Prometheus exposition
func newStatusRouter(src statusSource) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("bldr-supervisor"))

	router.GET("/status", func(c *gin.Context) {
		st := src.Status()
		c.JSON(http.StatusOK, statusResponse{
			Service:    st.Service,
			State:      st.State.String(),
			RunID:      st.RunID,
			Pid:        st.Pid,
			Package:    st.Package.String(),
			Generation: st.Generation,
			Restarts:   st.Restarts,
			LastError:  st.LastError,
			Since:      st.Since,
			Backend:    st.Backend,
		})
	})
	router.GET("/config", func(c *gin.Context) {
		eff := src.EffectiveConfig()
		if eff == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no configuration rendered yet"})
			return
		}
		c.JSON(http.StatusOK, eff.Nested())
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func (s *statusServer) run() {
	s.logger.Info("status listener started", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("status listener failed", "addr", s.srv.Addr, "error", err)
	}
}

func (s *statusServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("status listener shutdown", "error", err)
	}
}
