/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"creditgen-go/internal/ledger"
	"creditgen-go/internal/models"
	"creditgen-go/internal/ordering"
	"creditgen-go/internal/pipeline"
	"creditgen-go/internal/reconciler"
	"creditgen-go/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config contains the collaborators the HTTP layer dispatches to
type Config struct {
	HTTP        models.HTTPConfig
	ArtifactDir string
	DbService   store.PipelineStore
	Pipeline    *pipeline.Pipeline
	Ledger      *ledger.Service
	Reconciler  *reconciler.Reconciler
	Ordering    *ordering.Service
}

// Server exposes submission, polling, webhook, ordering and credit routes
type Server struct {
	cfg        Config
	engine     *gin.Engine
	httpServer *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.HTTP.WebhookSecret == "" {
		zap.L().Warn("WEBHOOK_SECRET is not set, provider webhooks are accepted unsigned")
	}
	s := &Server{cfg: cfg}
	s.engine = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.cfg.ArtifactDir != "" {
		r.Static("/artifacts", s.cfg.ArtifactDir)
	}

	r.POST("/v1/webhooks/provider", VerifyWebhookSignature(s.cfg.HTTP.WebhookSecret), s.handleWebhook)
	r.POST("/v1/credits/topup", RequireServiceToken(s.cfg.HTTP.ServiceToken), s.handleTopUp)

	v1 := r.Group("/v1", AuthMiddleware([]byte(s.cfg.HTTP.JWTSecret)))
	{
		// Anonymous callers reach the pipeline so they get the sign-in reason.
		v1.POST("/jobs/:kind", s.handleSubmit)

		user := v1.Group("", RequireUser())
		user.GET("/jobs", s.handleListJobs)
		user.GET("/jobs/:id", s.handleGetJob)
		user.GET("/assets", s.handleListAssets)
		user.POST("/assets/order", s.handleSetOrder)
		user.POST("/assets/:id/move", s.handleMove)
		user.GET("/credits", s.handleBalance)
		user.GET("/credits/history", s.handleHistory)
	}

	return r
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	zap.L().Info("HTTP server listening", zap.String("addr", s.cfg.HTTP.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
