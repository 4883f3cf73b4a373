package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/choraleia/parley/pkg/billing"
	"github.com/choraleia/parley/pkg/config"
	"github.com/choraleia/parley/pkg/event"
	"github.com/choraleia/parley/pkg/handler"
	"github.com/choraleia/parley/pkg/service"
	"github.com/choraleia/parley/pkg/tools"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services holds everything the HTTP surface is wired to.
type Services struct {
	Chat        *service.ChatService
	Models      *service.ModelService
	Compression *service.CompressionService
	Gate        *billing.Gate
	Registry    *tools.Registry
	Emitter     *event.Emitter
}

type Server struct {
	ginEngine *gin.Engine
	services  Services
	logger    *slog.Logger
	host      string
	port      int
}

func NewServer(cfg *config.AppConfig, services Services) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	ginEngine.Use(handler.Metrics())

	// CORS middleware: allow common localhost origins for the web front end in development.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// If there's no Origin header, it's not a browser CORS request.
		if origin != "" {
			if !localOrigin(origin) {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+handler.UserIDHeader)
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		services:  services,
		logger:    utils.GetLogger(),
		host:      cfg.Host(),
		port:      cfg.Port(),
	}

	server.SetupRoutes()

	return server
}

func localOrigin(origin string) bool {
	for _, prefix := range []string{
		"http://localhost", "http://127.0.0.1",
		"https://localhost", "https://127.0.0.1",
	} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// Start listens and serves until ctx is done. It returns once the listener
// is bound; a bind failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	// Attempt to listen on port first; if occupied return error immediately
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	// Listen for context cancellation for graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	return nil
}

func (s *Server) SetupRoutes() {
	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.ginEngine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API group
	// /api
	apiGroup := s.ginEngine.Group("/api", handler.UserIDMiddleware())

	handler.NewChatHandler(s.services.Chat).RegisterRoutes(apiGroup)
	handler.NewCompressionHandler(s.services.Compression, s.services.Chat.Store()).RegisterRoutes(apiGroup)
	handler.NewBillingHandler(s.services.Gate).RegisterRoutes(apiGroup)
	handler.NewModelHandler(s.services.Models, s.services.Registry).RegisterRoutes(apiGroup)

	// Event notifications
	// /api/events/ws
	apiGroup.GET("/events/ws", event.NewWSHandler(s.services.Emitter, handler.UserKey).Handle)
}
