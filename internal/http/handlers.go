package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/engine"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/order"
	"github.com/example/delivery-dispatch/internal/registry"
)

type Engine interface {
	Handle(ctx context.Context, sess *engine.Session, msg engine.Inbound) error
	Place(ctx context.Context, customerID string, m engine.PlaceOrder) (*models.Order, error)
}

type Orders interface {
	Get(ctx context.Context, id string) (*models.Order, error)
	Advance(ctx context.Context, cmd order.AdvanceCommand) (*models.Order, error)
}

type Earnings interface {
	Earnings(ctx context.Context, driverID string) (models.DriverEarnings, error)
}

type Server struct {
	engine   Engine
	orders   Orders
	earnings Earnings
	wsQueue  int
	logger   zerolog.Logger
	mux      *mux.Router
}

func NewServer(eng Engine, orders Orders, earnings Earnings, wsQueue int, logger zerolog.Logger) *Server {
	s := &Server{engine: eng, orders: orders, earnings: earnings, wsQueue: wsQueue, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{id}/earnings", s.handleEarnings).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.PlaceOrder
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.CustomerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("customer_id required"))
		return
	}
	o, err := s.engine.Place(r.Context(), req.CustomerID, req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// handleCancelOrder is the admin override; it bypasses holder checks.
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by admin"
	}
	o, err := s.orders.Advance(r.Context(), order.AdvanceCommand{
		OrderID: mux.Vars(r)["id"],
		Actor:   models.RoleAdmin,
		Target:  models.StatusCancelled,
		Reason:  req.Reason,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	e, err := s.earnings.Earnings(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, engine.ErrBadPayload), errors.Is(err, engine.ErrUnknownMessage):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrOrderNotAvailable), errors.Is(err, order.ErrInvalidTransition), errors.Is(err, engine.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNotConnected), errors.Is(err, registry.ErrMissingEntity), errors.Is(err, registry.ErrUnknownRole):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, models.ErrorPayload{Error: msg})
}
