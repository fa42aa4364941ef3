// Package api is the HTTP boundary: bid submission and listing, lifecycle
// administration, the realtime subscription endpoint, and job queue
// administration.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"auction-engine/internal/bidding"
	"auction-engine/internal/config"
	"auction-engine/internal/fanout"
	"auction-engine/internal/jobs"
	"auction-engine/internal/lifecycle"
	"auction-engine/internal/models"
	"auction-engine/internal/queue"
	"auction-engine/internal/ratelimit"
	"auction-engine/internal/telemetry"
)

// Server wires the HTTP handlers for the engine.
type Server struct {
	cfg        config.Config
	bids       *bidding.Service
	clock      *lifecycle.Clock
	hub        *fanout.Hub
	dispatcher *jobs.Dispatcher
	queue      *queue.RedisQueue
	limiter    *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, bids *bidding.Service, clock *lifecycle.Clock, hub *fanout.Hub, dispatcher *jobs.Dispatcher, q *queue.RedisQueue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:        cfg,
		bids:       bids,
		clock:      clock,
		hub:        hub,
		dispatcher: dispatcher,
		queue:      q,
		limiter:    limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/auctions/{id}", func(r chi.Router) {
		r.Post("/bid", s.handlePlaceBid)
		r.Get("/bid", s.handleListBids)
		r.Get("/live", s.handleLive)
	})

	r.Get("/topics/{topic}/viewers", s.handleViewers)

	r.Route("/admin/lifecycle", func(r chi.Router) {
		r.Post("/sweep", s.handleSweep)
		r.Get("/status", s.handleLifecycleStatus)
	})

	r.Post("/jobs", s.handleEnqueueJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Get("/dlq", s.handleDLQ)

	return r
}

// requestLogger records method/path/status/latency for every request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  ww.Status(),
			"latency": time.Since(start).String(),
		}).Info("http request")
	})
}

type placeBidRequest struct {
	BidderID       string `json:"bidderId"`
	Amount         int64  `json:"amount"`
	ConfirmHighBid bool   `json:"confirmHighBid"`
}

type placeBidResponse struct {
	BidID     string    `json:"bidId"`
	AuctionID string    `json:"auctionId"`
	BidderID  string    `json:"bidderId"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "id")

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return
	}
	if req.BidderID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "bidderId is required")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:bidder:%s", req.BidderID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal", "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "RateLimited", "too many bid submissions, slow down")
			return
		}
	}

	bid, err := s.bids.PlaceBid(r.Context(), bidding.PlaceBidInput{
		AuctionID:      auctionID,
		BidderID:       req.BidderID,
		Amount:         req.Amount,
		ConfirmHighBid: req.ConfirmHighBid,
	})
	if err != nil {
		writeBidError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, placeBidResponse{
		BidID:     bid.ID,
		AuctionID: bid.AuctionID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		Timestamp: bid.CreatedAt,
	})
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "id")
	bids, err := s.bids.ListBids(r.Context(), auctionID)
	if err != nil {
		writeBidError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids, "count": len(bids)})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.clock.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLifecycleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.clock.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "status probe failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auctions_by_status": counts})
}

func (s *Server) handleViewers(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":         topic,
		"viewers_count": s.hub.ViewersCount(topic),
	})
}

type enqueueJobRequest struct {
	Type           string         `json:"type"`
	Lane           string         `json:"lane"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "type is required")
		return
	}
	job, reused, err := s.dispatcher.Dispatch(r.Context(), req.Type, req.Lane, req.Payload, req.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "idempotent": reused})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.dispatcher.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "JobNotFound", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "failed to cancel queue item")
		return
	}
	if err := s.dispatcher.CancelJob(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleLive subscribes the connection to the auction's topic and streams
// batch_update frames over SSE until the client disconnects.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newSSEConn(w, flusher)
	topic := models.AuctionTopic(auctionID)
	s.hub.Subscribe(topic, conn)
	defer s.hub.Unsubscribe(topic, conn)

	<-r.Context().Done()
}
