// Package dashboard serves the HTTP control surface: status and position JSON,
// trading start/stop, broker login, config reload, Prometheus metrics and a
// websocket event stream.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/orders"
	"github.com/eddiefleurent/fno_trader/internal/strategy"
)

const defaultOrderLimit = 100

// Status is the bot state reported by /api/status.
type Status struct {
	Running       bool                          `json:"running"`
	Mode          string                        `json:"mode"`
	Authenticated bool                          `json:"authenticated"`
	BrokerState   string                        `json:"broker_state"`
	InSession     bool                          `json:"in_session"`
	InEntryWindow bool                          `json:"in_entry_window"`
	VIX           float64                       `json:"vix"`
	Underlyings   []string                      `json:"underlyings"`
	Phases        map[string]models.Phase       `json:"phases"`
	PhaseDetails  map[string]models.PhaseStatus `json:"phase_details"`
	Account       strategy.Account              `json:"account"`
	Time          time.Time                     `json:"time"`
}

// Backend is what the dashboard reads and controls.
type Backend interface {
	Status() Status
	OpenPositions() []models.Position
	History() []models.Position
	Orders(limit int) []models.Order
	OrderSummary() orders.Summary
	SetTrading(enabled bool)
	InitiateLogin(ctx context.Context) error
	CompleteLogin(ctx context.Context, otp string) error
	ReloadConfig() error
}

// Config configures the HTTP server.
type Config struct {
	Addr      string
	AuthToken string
}

// Server is the dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	backend   Backend
	hub       *Hub
	logger    *logrus.Logger
	addr      string
	authToken string
}

// PositionView is an open position with its derived stop level.
type PositionView struct {
	models.Position
	StopLossSpot float64 `json:"stop_loss_spot"`
	Exchange     string  `json:"exchange"`
}

// NewServer wires routes. hub may be nil, which disables /ws.
func NewServer(cfg Config, backend Backend, hub *Hub, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		backend:   backend,
		hub:       hub,
		logger:    logger,
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		s.router.Get("/ws", s.hub.HandleWS)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/status", s.handleStatus)
		r.Get("/positions", s.handlePositions)
		r.Get("/history", s.handleHistory)
		r.Get("/orders", s.handleOrders)
		r.Get("/summary", s.handleSummary)
		r.Post("/control/{action}", s.handleControl)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/otp", s.handleOTP)
		r.Post("/config/reload", s.handleReload)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start listens until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Infof("Starting dashboard server on %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully. Called before Start, it makes Start return at once.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.backend.OpenPositions()
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toView(p))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func toView(p models.Position) PositionView {
	v := PositionView{Position: p}
	move := p.EntryUnderlyingPrice * p.SLPercentage / 100
	if p.TradeType == models.TradeCall {
		v.StopLossSpot = p.EntryUnderlyingPrice - move
	} else {
		v.StopLossSpot = p.EntryUnderlyingPrice + move
	}
	v.Exchange = instruments.OptionExchange(p.Underlying)
	return v
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	history := s.backend.History()
	if history == nil {
		history = []models.Position{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultOrderLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	list := s.backend.Orders(limit)
	if list == nil {
		list = []models.Order{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.OrderSummary())
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	switch action := chi.URLParam(r, "action"); action {
	case "start":
		s.backend.SetTrading(true)
	case "stop":
		s.backend.SetTrading(false)
	default:
		s.writeError(w, http.StatusNotFound, errors.New("unknown action "+strconv.Quote(action)))
		return
	}
	s.logger.WithField("action", chi.URLParam(r, "action")).Info("Trading control changed from dashboard")
	s.writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.InitiateLogin(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Broker login initiation failed")
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "otp_sent"})
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&body); err != nil || strings.TrimSpace(body.OTP) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("otp is required"))
		return
	}
	if err := s.backend.CompleteLogin(r.Context(), strings.TrimSpace(body.OTP)); err != nil {
		s.logger.WithError(err).Warn("Broker OTP verification failed")
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "authenticated"})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.backend.ReloadConfig(); err != nil {
		s.logger.WithError(err).Warn("Config reload rejected")
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
