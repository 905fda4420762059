// Package server exposes the auction lifecycle over HTTP and runs the
// background loop that settles auctions past their end time.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nenkoz/1launch-sub000/internal/auction"
	"github.com/nenkoz/1launch-sub000/internal/settlement"
	"github.com/nenkoz/1launch-sub000/pkg/logger"
)

type Config struct {
	// SettleInterval is how often the background loop scans for due
	// auctions. Zero disables the loop.
	SettleInterval time.Duration
}

type Server struct {
	cfg   Config
	store *auction.Store
	orch  *settlement.Orchestrator
	log   *logrus.Entry

	bgCancel func()
	bgWG     sync.WaitGroup
}

func New(cfg Config, store *auction.Store, orch *settlement.Orchestrator) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		orch:  orch,
		log:   logger.For("server"),
	}
	if cfg.SettleInterval > 0 {
		s.startBackground()
	}
	return s
}

func (s *Server) Close() {
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgWG.Wait()
	}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	api := r.Group("/api")

	auctions := api.Group("/auctions")
	auctions.POST("/", s.wrap(s.handleAuctionCreate))
	auctionID := auctions.Group("/:auctionID")
	auctionID.GET("/", s.wrap(s.handleAuctionGet))
	auctionID.POST("/bids", s.wrap(s.handleBidCreate))
	auctionID.GET("/bids", s.wrap(s.handleBidsList))
	auctionID.POST("/settle", s.wrap(s.handleSettle))
	auctionID.GET("/result", s.wrap(s.handleResult))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "launch_path_params"

// wrap adapts net/http handlers to gin, injecting path params into the
// request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
