package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/Lizaveta3333/liza-backend/internal/logger"
	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
	"github.com/Lizaveta3333/liza-backend/internal/service"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	failedToEncodeResponse = "failed to encode response"
	decimalBase            = 10
	int64BitSize           = 64
)

// ErrorResponse is the JSON body of every non-401 error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type statusRequest struct {
	Status model.OrderStatus `json:"status" validate:"required,oneof=pending confirmed completed cancelled"`
}

// APIServer handles HTTP requests for orders and authentication.
type APIServer struct {
	orderService service.OrderService
	authService  service.AuthService
	tokenService service.TokenService
	keyManager   service.KeyManager
	validate     *validator.Validate
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(
	orderService service.OrderService,
	authService service.AuthService,
	tokenService service.TokenService,
	keyManager service.KeyManager,
) *APIServer {
	return &APIServer{
		orderService: orderService,
		authService:  authService,
		tokenService: tokenService,
		keyManager:   keyManager,
		validate:     validator.New(),
	}
}

// Routes builds the chi router.
func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthCheck)
	r.Get("/.well-known/jwks.json", s.JWKS)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.Register)
		r.Post("/login", s.Login)
		r.Post("/refresh", s.Refresh)
		r.Post("/logout", s.Logout)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Use(s.Authenticate)

		r.Post("/", s.CreateOrder)
		r.Get("/", s.ListOrders)
		r.Get("/{id}", s.GetOrder)
		r.Patch("/{id}", s.UpdateOrder)
		r.Delete("/{id}", s.CancelOrder)
		r.With(RequireRole(model.RoleSeller, model.RoleAdmin)).Put("/{id}/status", s.ChangeStatus)
	})

	r.Route("/seller", func(r chi.Router) {
		r.Use(s.Authenticate)
		r.Use(RequireRole(model.RoleSeller))

		r.Get("/orders", s.ListSellerOrders)
	})

	return r
}

// Register handles POST /auth/register.
func (s *APIServer) Register(w http.ResponseWriter, r *http.Request) {
	var params model.CreateUserParams
	if !s.decode(w, r, &params) {
		return
	}

	// Self-registration only creates buyers.
	params.Roles = nil

	user, err := s.authService.Register(r.Context(), &params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// Login handles POST /auth/login.
func (s *APIServer) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}

	pair, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

// Refresh handles POST /auth/refresh.
func (s *APIServer) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}

	pair, err := s.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

// Logout handles POST /auth/logout.
func (s *APIServer) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.authService.Logout(r.Context(), req.RefreshToken); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// JWKS handles GET /.well-known/jwks.json.
func (s *APIServer) JWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.keyManager.JWKS())
}

// CreateOrder handles POST /orders.
func (s *APIServer) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var params model.CreateOrderParams
	if !s.decode(w, r, &params) {
		return
	}

	buyerID, ok := s.userID(w, r)
	if !ok {
		return
	}

	params.BuyerID = buyerID

	order, err := s.orderService.CreateOrder(r.Context(), &params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// ListOrders handles GET /orders for the caller's own orders.
func (s *APIServer) ListOrders(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := s.userID(w, r)
	if !ok {
		return
	}

	limit, offset := pageParams(r)

	orders, err := s.orderService.ListOrdersByBuyer(r.Context(), buyerID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeOrders(w, orders)
}

// ListSellerOrders handles GET /seller/orders: orders for the caller's products.
func (s *APIServer) ListSellerOrders(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := s.userID(w, r)
	if !ok {
		return
	}

	limit, offset := pageParams(r)

	orders, err := s.orderService.ListOrdersBySeller(r.Context(), sellerID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeOrders(w, orders)
}

// GetOrder handles GET /orders/{id}. Buyers see their own orders, sellers
// the orders for their products.
func (s *APIServer) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	order, err := s.orderService.GetOrder(r.Context(), orderID, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// UpdateOrder handles PATCH /orders/{id}.
func (s *APIServer) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var params model.UpdateOrderParams
	if !s.decode(w, r, &params) {
		return
	}

	buyerID, ok := s.userID(w, r)
	if !ok {
		return
	}

	order, err := s.orderService.UpdateOrder(r.Context(), orderID, buyerID, &params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// ChangeStatus handles PUT /orders/{id}/status.
func (s *APIServer) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}

	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	order, err := s.orderService.ChangeStatus(r.Context(), orderID, actor, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles DELETE /orders/{id}.
func (s *APIServer) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	buyerID, ok := s.userID(w, r)
	if !ok {
		return
	}

	order, err := s.orderService.CancelOrder(r.Context(), orderID, buyerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// HealthCheck handles GET /health endpoint for service health check.
func (*APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *APIServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return false
	}

	if err := s.validate.Struct(dst); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return false
	}

	return true
}

func (*APIServer) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	claims := ClaimsFrom(r.Context())
	if claims == nil {
		writeUnauthorized(w)
		return 0, false
	}

	id, err := strconv.ParseInt(claims.Subject, decimalBase, int64BitSize)
	if err != nil {
		writeUnauthorized(w)
		return 0, false
	}

	return id, true
}

func (s *APIServer) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	id, ok := s.userID(w, r)
	if !ok {
		return model.Actor{}, false
	}

	return model.Actor{UserID: id, Roles: ClaimsFrom(r.Context()).Roles}, true
}

func pageParams(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	return limit, offset
}

func writeOrders(w http.ResponseWriter, orders []*model.Order) {
	if orders == nil {
		orders = []*model.Order{}
	}

	writeJSON(w, http.StatusOK, orders)
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), decimalBase, int64BitSize)
	if err != nil || id <= 0 {
		writeJSONError(w, "invalid order id", http.StatusBadRequest)
		return 0, false
	}

	return id, true
}

func (*APIServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrUnauthorized), errors.Is(err, model.ErrInvalidCredentials):
		writeUnauthorized(w)
	case errors.Is(err, model.ErrUserBlocked):
		writeJSONError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrOrderNotFound), errors.Is(err, model.ErrProductNotFound),
		errors.Is(err, model.ErrUserNotFound):
		writeJSONError(w, "not found", http.StatusNotFound)
	case errors.Is(err, model.ErrInsufficientStock), errors.Is(err, model.ErrInvalidOrderStatus),
		errors.Is(err, repository.ErrDuplicateEmail):
		writeJSONError(w, rootMessage(err), http.StatusConflict)
	case errors.Is(err, model.ErrInvalidQuantity), errors.Is(err, model.ErrInvalidEmail),
		errors.Is(err, model.ErrInvalidPassword):
		writeJSONError(w, rootMessage(err), http.StatusBadRequest)
	case errors.Is(err, model.ErrTransactionFailure):
		logger.From(r.Context()).Error("transaction failed", slog.String("error", err.Error()))
		writeJSONError(w, "transaction failed, please retry", http.StatusServiceUnavailable)
	default:
		logger.From(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
	}
}

// rootMessage strips the transaction wrapper from domain errors.
func rootMessage(err error) string {
	for _, sentinel := range []error{
		model.ErrInsufficientStock, model.ErrInvalidOrderStatus, repository.ErrDuplicateEmail,
		model.ErrInvalidQuantity, model.ErrInvalidEmail, model.ErrInvalidPassword,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}

	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(failedToEncodeResponse, slog.String("error", err.Error()))
	}
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
