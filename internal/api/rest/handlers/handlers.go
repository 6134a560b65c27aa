// Package handlers provides API endpoint handling functionality.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	handlersErrors "github.com/danilovkiri/dk-go-smsbroker/internal/api/rest/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/api/rest/middleware"
	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modeldto"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelorder"
	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const maxBodySize = 1 << 16

// Service is the part of the order engine exposed over HTTP.
type Service interface {
	GetUserID(accessToken string) (string, error)
	AddNewUser(ctx context.Context, credentials modeldto.Credentials) (*modeldto.AuthResponse, error)
	LoginUser(ctx context.Context, credentials modeldto.Credentials) (*modeldto.AuthResponse, error)
	GetMe(ctx context.Context, userID string) (*modeldto.MeResponse, error)
	GetOrders(ctx context.Context, userID string) ([]modelorder.Order, error)
	GenerateNumber(ctx context.Context, userID, serviceID, countryID string) (*modelorder.Order, error)
	GetOrderStatus(ctx context.Context, userID, providerOrderID string) (*modelorder.Order, error)
	CancelOrder(ctx context.Context, userID, providerOrderID string) (*modelorder.Order, error)
	DirectGenerate(ctx context.Context, token, serviceID, countryID string) (*modelorder.Order, error)
	DirectStatus(ctx context.Context, token, providerOrderID string) (*modelorder.Order, error)
	DirectCancel(ctx context.Context, token, providerOrderID string) (*modelorder.Order, error)
}

// Handler defines attributes of a struct available to its methods.
type Handler struct {
	service      Service
	serverConfig *config.ServerConfig
	validate     *validator.Validate
	log          *zerolog.Logger
}

// InitHandlers initializes a handler object.
func InitHandlers(mainService Service, serverConfig *config.ServerConfig, log *zerolog.Logger) (*Handler, error) {
	if mainService == nil {
		return nil, &handlersErrors.HandlersFoundNilArgument{Msg: "nil processor was passed to handlers initializer"}
	}
	if serverConfig == nil {
		return nil, &handlersErrors.HandlersFoundNilArgument{Msg: "nil server config was passed to handlers initializer"}
	}
	return &Handler{service: mainService, serverConfig: serverConfig, validate: validator.New(), log: log}, nil
}

func (h *Handler) timeout(r *http.Request) (context.Context, context.CancelFunc) {
	d := h.serverConfig.RequestTimeout
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(r.Context(), d)
}

// decode reads a JSON body into v and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeMessage(w, http.StatusBadRequest, "could not read request body")
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		h.writeMessage(w, http.StatusBadRequest, "request body must be a JSON object")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.writeMessage(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min", "max":
		return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("writing response failed")
	}
}

func (h *Handler) writeMessage(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, modeldto.Error{Message: msg})
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := handlersErrors.StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(fmt.Sprintf("%s failed", op))
		msg = "internal error"
	} else {
		h.log.Warn().Err(err).Int("status", status).Msg(fmt.Sprintf("%s failed", op))
	}
	h.writeMessage(w, status, msg)
}

func toDTO(order *modelorder.Order) modeldto.Order {
	dto := modeldto.Order{
		OrderID:         order.ProviderOrderID,
		ProviderOrderID: order.ProviderOrderID,
		PhoneNumber:     order.PhoneNumber,
		ServiceID:       order.ServiceID,
		CountryID:       order.CountryID,
		Status:          string(order.Status),
		Timestamp:       order.CreatedAt.UTC().Format(time.RFC3339),
	}
	if order.SMSCode != "" {
		code := order.SMSCode
		dto.SMSCode = &code
	}
	return dto
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		h.writeMessage(w, http.StatusUnauthorized, "token authorization required")
	}
	return userID, ok
}

// HandleRegister processes user register requests.
func (h *Handler) HandleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := h.timeout(r)
		defer cancel()
		var credentials modeldto.Credentials
		if !h.decode(w, r, &credentials) {
			return
		}
		h.log.Info().Msg(fmt.Sprintf("new user register request detected for %s", credentials.Login))
		response, err := h.service.AddNewUser(ctx, credentials)
		if err != nil {
			h.writeError(w, "HandleRegister", err)
			return
		}
		h.writeJSON(w, http.StatusOK, response)
	}
}

// HandleLogin processes user login requests.
func (h *Handler) HandleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := h.timeout(r)
		defer cancel()
		var credentials modeldto.Credentials
		if !h.decode(w, r, &credentials) {
			return
		}
		h.log.Info().Msg(fmt.Sprintf("new login request detected for %s", credentials.Login))
		response, err := h.service.LoginUser(ctx, credentials)
		if err != nil {
			h.writeError(w, "HandleLogin", err)
			return
		}
		h.writeJSON(w, http.StatusOK, response)
	}
}

// HandleGetMe returns the caller's profile and quota.
func (h *Handler) HandleGetMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.userID(w, r)
		if !ok {
			return
		}
		ctx, cancel := h.timeout(r)
		defer cancel()
		response, err := h.service.GetMe(ctx, userID)
		if err != nil {
			h.writeError(w, "HandleGetMe", err)
			return
		}
		h.writeJSON(w, http.StatusOK, response)
	}
}

// HandleGetOrders lists the caller's orders.
func (h *Handler) HandleGetOrders() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.userID(w, r)
		if !ok {
			return
		}
		ctx, cancel := h.timeout(r)
		defer cancel()
		orders, err := h.service.GetOrders(ctx, userID)
		if err != nil {
			h.writeError(w, "HandleGetOrders", err)
			return
		}
		response := make([]modeldto.Order, 0, len(orders))
		for i := range orders {
			response = append(response, toDTO(&orders[i]))
		}
		h.writeJSON(w, http.StatusOK, response)
	}
}

// HandleGenerate issues a number to the caller.
func (h *Handler) HandleGenerate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.userID(w, r)
		if !ok {
			return
		}
		ctx, cancel := h.timeout(r)
		defer cancel()
		var request modeldto.NewOrder
		if !h.decode(w, r, &request) {
			return
		}
		order, err := h.service.GenerateNumber(ctx, userID, request.ServiceID, request.CountryID)
		if err != nil {
			h.writeError(w, "HandleGenerate", err)
			return
		}
		h.writeJSON(w, http.StatusOK, toDTO(order))
	}
}

// HandleStatus reconciles one of the caller's orders.
func (h *Handler) HandleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.userID(w, r)
		if !ok {
			return
		}
		ctx, cancel := h.timeout(r)
		defer cancel()
		order, err := h.service.GetOrderStatus(ctx, userID, chi.URLParam(r, "orderID"))
		if err != nil {
			h.writeError(w, "HandleStatus", err)
			return
		}
		h.writeJSON(w, http.StatusOK, toDTO(order))
	}
}

// HandleCancel cancels one of the caller's waiting orders.
func (h *Handler) HandleCancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.userID(w, r)
		if !ok {
			return
		}
		ctx, cancel := h.timeout(r)
		defer cancel()
		order, err := h.service.CancelOrder(ctx, userID, chi.URLParam(r, "orderID"))
		if err != nil {
			h.writeError(w, "HandleCancel", err)
			return
		}
		h.writeJSON(w, http.StatusOK, toDTO(order))
	}
}

// HandleDirectGenerate issues a number against a purchase token.
func (h *Handler) HandleDirectGenerate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := h.timeout(r)
		defer cancel()
		var request modeldto.NewDirectOrder
		if !h.decode(w, r, &request) {
			return
		}
		order, err := h.service.DirectGenerate(ctx, request.Token, request.ServiceID, request.CountryID)
		if err != nil {
			h.writeError(w, "HandleDirectGenerate", err)
			return
		}
		h.writeJSON(w, http.StatusOK, toDTO(order))
	}
}

// HandleDirectStatus reconciles a token-backed order.
func (h *Handler) HandleDirectStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := h.timeout(r)
		defer cancel()
		token, orderID := r.URL.Query().Get("token"), r.URL.Query().Get("order_id")
		if token == "" || orderID == "" {
			h.writeMessage(w, http.StatusBadRequest, "token and order_id are required")
			return
		}
		order, err := h.service.DirectStatus(ctx, token, orderID)
		if err != nil {
			h.writeError(w, "HandleDirectStatus", err)
			return
		}
		h.writeJSON(w, http.StatusOK, toDTO(order))
	}
}

// HandleDirectCancel cancels a token-backed waiting order.
func (h *Handler) HandleDirectCancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := h.timeout(r)
		defer cancel()
		var request modeldto.DirectCancel
		if !h.decode(w, r, &request) {
			return
		}
		order, err := h.service.DirectCancel(ctx, request.Token, request.OrderID)
		if err != nil {
			h.writeError(w, "HandleDirectCancel", err)
			return
		}
		h.writeJSON(w, http.StatusOK, toDTO(order))
	}
}
