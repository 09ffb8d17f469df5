package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/zllovesuki/billing/order"
	"github.com/zllovesuki/billing/price"
	resp "github.com/zllovesuki/billing/response"
	"github.com/zllovesuki/billing/spec"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PriceLookup resolves a configured price
type PriceLookup interface {
	Lookup(priceID string) (price.Price, bool)
}

type HandlerOptions struct {
	BillingService *Service
	Prices         PriceLookup
	Logger         *zap.Logger
}

// Handler lets the checkout initiator open orders before redirecting the customer
type Handler struct {
	HandlerOptions
}

func NewHandler(option HandlerOptions) (*Handler, error) {
	if option.BillingService == nil {
		return nil, fmt.Errorf("nil BillingService is invalid")
	}
	if option.Prices == nil {
		return nil, fmt.Errorf("nil Prices is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Handler{
		HandlerOptions: option,
	}, nil
}

type CreateOrderRequest struct {
	OrderID   string          `json:"orderId"`
	UserID    string          `json:"userId"`
	PriceID   string          `json:"priceId"`
	SessionID string          `json:"sessionId"`
	Metadata  spec.Parameters `json:"metadata"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}

	p, ok := h.Prices.Lookup(req.PriceID)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown price"))
		return
	}
	if len(req.OrderID) == 0 {
		req.OrderID = uuid.New().String()
	}
	t := order.TypeOneTime
	if p.Recurring() {
		t = order.TypeSubscription
	}

	logger := h.Logger.With(
		zap.String("OrderID", req.OrderID),
		zap.String("UserID", req.UserID),
		zap.String("PriceID", p.ID),
	)

	o, err := h.BillingService.CreateCheckoutOrder(r.Context(), CheckoutOrder{
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Type:      t,
		SessionID: req.SessionID,
		PriceID:   p.ID,
		PriceName: p.Name,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Credits:   p.CreditsGranted,
		Metadata:  req.Metadata,
	})
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(verr.Error()))
	case errors.Is(err, order.ErrExists):
		resp.WriteError(w, r, resp.ErrConflict().AddMessages("Order already exists"))
	case err != nil:
		logger.Error("Unable to create checkout order",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create order"))
	default:
		logger.Info("Created checkout order")
		resp.WriteResponse(w, r, o)
	}
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	s := h.BillingService
	o, err := s.OrderManager.GetByOrderID(s.DB.WithContext(r.Context()), orderID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to get order"))
		return
	}
	if o == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find order with specific ID"))
		return
	}

	resp.WriteResponse(w, r, o)
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", h.createOrder)
	r.Get("/{orderID}", h.getOrder)

	return r
}
