package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/common"
	"github.com/noah-isme/toko-adyen/internal/resilience"
)

// Handler exposes the checkout and back-office payment endpoints.
type Handler struct {
	Svc      *Service
	Refunds  *RefundService
	Validate *validator.Validate
}

type submitPaymentReq struct {
	PaymentMethod            map[string]any `json:"paymentMethod" validate:"required"`
	BrowserInfo              map[string]any `json:"browserInfo,omitempty"`
	RiskData                 map[string]any `json:"riskData,omitempty"`
	ClientStateDataIndicator *bool          `json:"clientStateDataIndicator,omitempty"`
	StorePaymentMethod       bool           `json:"storePaymentMethod"`
}

func (r submitPaymentReq) document() adyen.Document {
	doc := adyen.Document{"paymentMethod": adyen.Document(r.PaymentMethod)}
	if r.BrowserInfo != nil {
		doc["browserInfo"] = adyen.Document(r.BrowserInfo)
	}
	if r.RiskData != nil {
		doc["riskData"] = adyen.Document(r.RiskData)
	}
	if r.ClientStateDataIndicator != nil {
		doc["clientStateDataIndicator"] = *r.ClientStateDataIndicator
	}
	if r.StorePaymentMethod {
		doc["storePaymentMethod"] = true
	}
	return doc
}

type detailsReq struct {
	OrderNumber string         `json:"orderNumber" validate:"omitempty,max=64"`
	Details     map[string]any `json:"details" validate:"required"`
	PaymentData string         `json:"paymentData,omitempty"`
}

type paypalUpdateReq struct {
	PSPReference string `json:"pspReference" validate:"required"`
	PaymentData  string `json:"paymentData" validate:"required"`
}

type refundReq struct {
	PaymentID string `json:"paymentId" validate:"required,uuid"`
	Amount    int64  `json:"amount" validate:"gte=0"`
}

type refundResp struct {
	ID           string `json:"id"`
	PaymentID    string `json:"paymentId"`
	Amount       int64  `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
	State        string `json:"state"`
}

// PaymentMethods lists the methods available for an order.
func (h *Handler) PaymentMethods(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	userID, _ := common.UserID(r.Context())
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	methods, err := h.Svc.PaymentMethods(r.Context(), number, userID, r.URL.Query().Get("locale"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, methods)
}

// SubmitPayment submits the shopper's payment data for an order.
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req submitPaymentReq
	if !h.decode(w, r, &req) {
		return
	}
	userID, _ := common.UserID(r.Context())
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	resp, err := h.Svc.SubmitPayment(r.Context(), number, userID, req.document())
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, resp)
}

// SubmitDetails forwards redirect or 3DS results.
func (h *Handler) SubmitDetails(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req detailsReq
	if !h.decode(w, r, &req) {
		return
	}
	received := adyen.Document{"details": adyen.Document(req.Details)}
	if req.PaymentData != "" {
		received["paymentData"] = req.PaymentData
	}
	userID, _ := common.UserID(r.Context())
	resp, err := h.Svc.SubmitDetails(r.Context(), req.OrderNumber, userID, received)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, resp)
}

// UpdatePaypalOrder updates the PayPal order amount after a delivery change.
func (h *Handler) UpdatePaypalOrder(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req paypalUpdateReq
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.Svc.UpdatePaypalOrder(r.Context(), chi.URLParam(r, "number"), req.PSPReference, req.PaymentData)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, resp)
}

// RemoveStoredMethod deletes one of the logged-in shopper's stored methods.
func (h *Handler) RemoveStoredMethod(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return
	}
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "reference is required", nil)
		return
	}
	if err := h.Svc.RemoveStoredMethod(r.Context(), userID, reference); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Capture captures an authorised payment.
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.modification(w, r, h.Svc.Capture)
}

// Cancel cancels a payment.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.modification(w, r, h.Svc.Cancel)
}

// Reverse cancels or refunds a payment.
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.modification(w, r, h.Svc.Reverse)
}

func (h *Handler) modification(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (adyen.ModificationResponse, error)) {
	resp, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusAccepted, resp)
}

// CreatePaymentLink creates a pay-by-link for a payment.
func (h *Handler) CreatePaymentLink(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	resp, err := h.Svc.CreatePaymentLink(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, resp)
}

// ExpirePaymentLink expires the link of a payment.
func (h *Handler) ExpirePaymentLink(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	expired, err := h.Svc.ExpirePaymentLink(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]bool{"expired": expired})
}

// Refund issues a refund for a completed payment.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Refunds == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "refunds unavailable", nil)
		return
	}
	var req refundReq
	if !h.decode(w, r, &req) {
		return
	}
	refund, err := h.Refunds.Issue(r.Context(), req.PaymentID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusAccepted, refundResp{
		ID:           refund.ID,
		PaymentID:    refund.PaymentID,
		Amount:       refund.Amount,
		CurrencyCode: refund.CurrencyCode,
		State:        refund.State,
	})
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return false
	}
	v := h.Validate
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		details := map[string]string{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid request", details)
		return false
	}
	return true
}

// writeError maps service and gateway errors onto API error bodies.
func writeError(w http.ResponseWriter, err error) {
	var (
		domainErr *adyen.InvalidDomainStateError
		configErr *adyen.MissingConfigurationError
		apiErr    *adyen.APIError
	)
	switch {
	case errors.As(err, &domainErr):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_DOMAIN_STATE", domainErr.Error(), nil)
	case errors.As(err, &configErr):
		common.JSONError(w, http.StatusInternalServerError, "GATEWAY_MISCONFIGURED", "payment gateway is misconfigured", map[string]string{"key": configErr.Key})
	case errors.As(err, &apiErr):
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_ERROR", apiErr.Message, map[string]string{"errorCode": apiErr.ErrorCode})
	case errors.Is(err, resilience.ErrOpenCircuit):
		common.JSONError(w, http.StatusServiceUnavailable, "GATEWAY_UNAVAILABLE", "payment gateway temporarily unavailable", nil)
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found", nil)
	case errors.Is(err, ErrNotAdyenPayment):
		common.JSONError(w, http.StatusUnprocessableEntity, "NOT_ADYEN_PAYMENT", err.Error(), nil)
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrRefundNotAllowed):
		common.JSONError(w, http.StatusConflict, "INVALID_PAYMENT_STATE", err.Error(), nil)
	case errors.Is(err, ErrRefundExceedsAmount):
		common.JSONError(w, http.StatusUnprocessableEntity, "REFUND_EXCEEDS_AMOUNT", err.Error(), nil)
	case errors.Is(err, ErrNoPSPReference), errors.Is(err, ErrNoPaymentLink):
		common.JSONError(w, http.StatusConflict, "MISSING_REFERENCE", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		common.JSONError(w, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT", "payment gateway timed out", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
