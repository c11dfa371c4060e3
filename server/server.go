// Package server exposes the monitor's operational state over HTTP: a JSON
// status snapshot, prometheus metrics and a ping for probes that prefer HTTP
// to the liveness file.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/monitor"
)

// Progress reports the poll loop's progress
type Progress interface {
	Status() monitor.Status
}

// SeenCounter reports the size of the seen-state store
type SeenCounter interface {
	Len() int
}

// Server is the status HTTP server
type Server struct {
	listen  string
	version string
	monitor Progress
	store   SeenCounter
	debug   bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// New initializes a status server instance
func New(listen, version string, mon Progress, store SeenCounter, debug bool) *Server {
	s := &Server{
		listen:  listen,
		version: version,
		monitor: mon,
		store:   store,
		debug:   debug,
		router:  routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	lgr.Printf("[INFO] starting status server on %s", s.listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:         s.listen,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		lgr.Printf("[INFO] shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			lgr.Printf("[WARN] status server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server error: %w", err)
	}

	return nil
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("xcontest-rss-monitor", "tomasbedrich", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(10))
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /status", s.statusCtrl)
	s.router.Handle("GET /metrics", promhttp.Handler())
}

// statusResponse is the JSON body of GET /status
type statusResponse struct {
	monitor.Status
	Seen    int    `json:"seen"`
	Version string `json:"version"`
}

// statusCtrl renders the loop progress and seen-set size
func (s *Server) statusCtrl(w http.ResponseWriter, _ *http.Request) {
	rest.RenderJSON(w, statusResponse{
		Status:  s.monitor.Status(),
		Seen:    s.store.Len(),
		Version: s.version,
	})
}
