package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/storefront/internal/identity"
	"github.com/vasiliy-maslov/storefront/internal/order"
)

type ItemRequest struct {
	ID       string          `json:"id" validate:"required"`
	Qty      int             `json:"qty" validate:"required,min=1"`
	Title    string          `json:"title" validate:"required"`
	Price    decimal.Decimal `json:"price"`
	Slug     string          `json:"slug" validate:"required"`
	ImageURL *string         `json:"imageUrl,omitempty"`
}

type TotalsRequest struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	Shipping    decimal.Decimal `json:"shipping"`
	Grand       decimal.Decimal `json:"grand"`
	VATIncluded decimal.Decimal `json:"vatIncluded"`
}

type CustomerRequest struct {
	FirstName string  `json:"firstName" validate:"required"`
	LastName  string  `json:"lastName" validate:"required"`
	Email     string  `json:"email" validate:"required,email"`
	Phone     *string `json:"phone,omitempty"`
}

type ShippingRequest struct {
	Method   string          `json:"method" validate:"required,oneof=dhl express packstation pickup"`
	PackType *string         `json:"packType,omitempty" validate:"omitempty,oneof=packstation postfiliale"`
	Address  json.RawMessage `json:"address" validate:"required"`
}

// CreateOrderRequest is the checkout body. Client supplied id and createdAt are accepted and ignored.
type CreateOrderRequest struct {
	ID            *string          `json:"id,omitempty"`
	CreatedAt     *string          `json:"createdAt,omitempty"`
	Items         []ItemRequest    `json:"items" validate:"required,dive"`
	Totals        TotalsRequest    `json:"totals"`
	Customer      CustomerRequest  `json:"customer"`
	Shipping      ShippingRequest  `json:"shipping"`
	VATRate       *decimal.Decimal `json:"vatRate,omitempty"`
	Currency      string           `json:"currency,omitempty" validate:"omitempty,eq=EUR"`
	PaymentStatus string           `json:"payment_status,omitempty" validate:"omitempty,oneof=paid pending"`
	Last4         *string          `json:"last4,omitempty" validate:"omitempty,len=4,numeric"`
}

func (req CreateOrderRequest) toCheckout(callerEmail string) order.CheckoutRequest {
	items := make([]order.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, order.Item{
			ProductID: it.ID,
			Title:     it.Title,
			Slug:      it.Slug,
			Price:     it.Price,
			Qty:       it.Qty,
			ImageURL:  it.ImageURL,
		})
	}

	checkout := order.CheckoutRequest{
		Items: items,
		Totals: order.Totals{
			Subtotal:    req.Totals.Subtotal,
			Shipping:    req.Totals.Shipping,
			Grand:       req.Totals.Grand,
			VATIncluded: req.Totals.VATIncluded,
		},
		Customer: order.Customer{
			FirstName: req.Customer.FirstName,
			LastName:  req.Customer.LastName,
			Email:     req.Customer.Email,
			Phone:     req.Customer.Phone,
		},
		Shipping: order.Shipping{
			Method:   req.Shipping.Method,
			PackType: req.Shipping.PackType,
			Address:  req.Shipping.Address,
		},
		Currency:      req.Currency,
		VATRate:       req.VATRate,
		PaymentStatus: order.PaymentStatus(req.PaymentStatus),
		CallerEmail:   callerEmail,
	}
	if req.Last4 != nil {
		checkout.Last4 = *req.Last4
	}
	return checkout
}

type OrderHandler struct {
	service  order.Service
	validate *validator.Validate
}

func NewOrderHandler(service order.Service) *OrderHandler {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonFieldName)
	return &OrderHandler{
		service:  service,
		validate: validate,
	}
}

// RegisterRoutes mounts the order endpoints. createMiddlewares wrap POST /orders only.
func (h *OrderHandler) RegisterRoutes(router chi.Router, createMiddlewares ...func(http.Handler) http.Handler) {
	router.Route("/orders", func(r chi.Router) {
		r.With(createMiddlewares...).Post("/", h.handleCreateOrder)
		r.Get("/", h.handleListOrders)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetOrder)
			r.Post("/cancel", h.handleCancel)
			r.Post("/request-return", h.handleRequestReturn)
			r.Post("/refund/approve", h.handleApproveRefund)
			r.Post("/refund/cancel", h.handleCancelRefundRequest)
			r.Post("/packed", h.handleAdvance(h.service.MarkPacked))
			r.Post("/shipped", h.handleAdvance(h.service.MarkShipped))
			r.Post("/delivered", h.handleAdvance(h.service.MarkDelivered))
			r.Post("/pay", h.handleMarkPaid)
		})
	})
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var requestPayload CreateOrderRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&requestPayload); err != nil {
		log.Warn().Err(err).Msg("Failed to decode create order body")
		respondWithError(w, http.StatusBadRequest, "validation", fmt.Sprintf("Invalid request payload: %v", err))
		return
	}

	if err := h.validate.Struct(requestPayload); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:   "Validation failed",
				Code:    "validation",
				Details: formatValidationErrors(validationErrors),
			})
			return
		}
		log.Error().Err(err).Msg("Unexpected error type during validation")
		respondWithError(w, http.StatusInternalServerError, "internal", "Internal validation error")
		return
	}

	created, err := h.service.CreateOrder(r.Context(), requestPayload.toCheckout(identity.EmailFromContext(r.Context())))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, created)
}

func (h *OrderHandler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListOrders(r.Context(), identity.EmailFromContext(r.Context()), r.URL.Query().Get("email"))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	respondWithJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	found, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, found)
}

func (h *OrderHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	h.acknowledge(w, h.service.Cancel(r.Context(), orderID))
}

func (h *OrderHandler) handleRequestReturn(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	h.acknowledge(w, h.service.RequestReturn(r.Context(), orderID, q.Get("reason"), q.Get("comment")))
}

func (h *OrderHandler) handleApproveRefund(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	var amount *decimal.Decimal
	if raw := strings.TrimSpace(r.URL.Query().Get("amount")); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:   "Validation failed",
				Code:    "validation",
				Details: map[string]string{"amount": "must be a number"},
			})
			return
		}
		amount = &parsed
	}

	h.acknowledge(w, h.service.ApproveRefund(r.Context(), orderID, amount))
}

func (h *OrderHandler) handleCancelRefundRequest(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	h.acknowledge(w, h.service.CancelRefundRequest(r.Context(), orderID))
}

func (h *OrderHandler) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	in := order.MarkPaidInput{Last4: q.Get("last4"), PaymentRef: q.Get("payment_ref")}
	if in.Last4 != "" {
		if err := h.validate.Var(in.Last4, "len=4,numeric"); err != nil {
			respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:   "Validation failed",
				Code:    "validation",
				Details: map[string]string{"last4": "must be 4 digits"},
			})
			return
		}
	}

	h.acknowledge(w, h.service.MarkPaid(r.Context(), orderID, in))
}

func (h *OrderHandler) handleAdvance(apply func(ctx context.Context, id uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := parseOrderID(w, r)
		if !ok {
			return
		}
		h.acknowledge(w, apply(r.Context(), orderID))
	}
}

func (h *OrderHandler) acknowledge(w http.ResponseWriter, err error) {
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, okResponse{OK: true})
}

func parseOrderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idParam := chi.URLParam(r, "id")
	orderID, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("order_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "validation", "Invalid id parameter")
		return uuid.Nil, false
	}
	return orderID, true
}

func formatValidationErrors(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fe.Namespace()
		// Drop the root struct name.
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			details[field] = "required"
		case "min":
			details[field] = "must be at least " + fe.Param()
		case "email":
			details[field] = "must be a valid email"
		case "oneof":
			details[field] = "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
		case "eq":
			details[field] = "must be " + fe.Param()
		case "len", "numeric":
			details[field] = "must be 4 digits"
		default:
			details[field] = "invalid value"
		}
	}
	return details
}

func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return field.Name
	}
	return name
}
