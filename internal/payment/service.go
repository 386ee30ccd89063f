package payment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-adyen/internal/adyen"
)

var (
	// ErrInvalidState is returned when the payment state does not allow the operation.
	ErrInvalidState = errors.New("payment: operation not allowed in current state")
	// ErrNoPSPReference is returned for modifications of payments Adyen never acknowledged.
	ErrNoPSPReference = errors.New("payment: no psp reference")
	// ErrNoPaymentLink is returned when expiring a payment without a link.
	ErrNoPaymentLink = errors.New("payment: no payment link")
)

const paypalType = "paypal"

// LinkScheduler schedules the expiration of a payment link.
type LinkScheduler interface {
	ScheduleLinkExpiration(ctx context.Context, paymentID string, at time.Time) error
}

// Service runs the checkout and back-office operations against Adyen.
type Service struct {
	Repo          Repository
	Gateway       Gateway
	Factory       *adyen.PayloadFactory
	Options       adyen.Options
	ManualCapture bool
	ReturnURL     string
	MethodCode    string
	Locker        Locker
	LockTTL       time.Duration
	Shoppers      ShopperResolver
	Methods       MethodsProvider
	Links         LinkScheduler
	LinkTTL       time.Duration
	Logger        zerolog.Logger
}

// PaymentMethods lists the methods offered for an order.
func (s *Service) PaymentMethods(ctx context.Context, orderNumber, userID, locale string) (Methods, error) {
	order, err := s.Repo.OrderByNumber(ctx, orderNumber)
	if err != nil {
		return Methods{}, err
	}
	return s.Methods.ForOrder(ctx, order, userID, locale)
}

// SubmitPayment sends the shopper's payment for the order's current payment.
// PayPal submissions use the PayPal request builder.
func (s *Service) SubmitPayment(ctx context.Context, orderNumber, userID string, received adyen.Document) (adyen.PaymentResponse, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.SubmitPayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.number", orderNumber))

	p, err := s.Repo.PaymentByOrderNumber(ctx, orderNumber)
	if err != nil {
		return adyen.PaymentResponse{}, err
	}
	if !isAdyen(p, s.MethodCode) {
		return adyen.PaymentResponse{}, ErrNotAdyenPayment
	}
	if p.State != StateNew && p.State != StateProcessing {
		return adyen.PaymentResponse{}, fmt.Errorf("%w: payment is %s", ErrInvalidState, p.State)
	}
	if p.Order == nil {
		return adyen.PaymentResponse{}, &adyen.InvalidDomainStateError{Intent: adyen.IntentSubmitPayment, Relation: "order"}
	}

	var req adyen.Request
	methodType := strings.ToLower(received.Sub("paymentMethod").String("type"))
	if methodType == paypalType {
		req, err = s.Factory.ForPaypalPayment(s.Options, received, *p.Order, s.ReturnURL)
	} else {
		var shopper *adyen.ShopperReference
		shopper, err = s.Shoppers.Resolve(ctx, *p.Order, userID)
		if err != nil {
			return adyen.PaymentResponse{}, err
		}
		req, err = s.Factory.ForSubmitPayment(adyen.SubmitPayment{
			Options:       s.Options,
			ReturnURL:     s.ReturnURL,
			Received:      received,
			Order:         *p.Order,
			ManualCapture: s.ManualCapture,
			Shopper:       shopper,
		})
	}
	if err != nil {
		return adyen.PaymentResponse{}, err
	}
	resp, err := s.Gateway.Pay(ctx, req)
	if err != nil {
		span.RecordError(err)
		return adyen.PaymentResponse{}, err
	}
	span.SetAttributes(attribute.String("adyen.result_code", resp.ResultCode))
	if err := s.recordResult(ctx, p.ID, string(req.Intent), resp, methodType); err != nil {
		return resp, err
	}
	return resp, nil
}

// SubmitDetails continues a payment after a redirect or 3DS challenge. When the
// order number is known the result is recorded on its payment.
func (s *Service) SubmitDetails(ctx context.Context, orderNumber, userID string, received adyen.Document) (adyen.PaymentResponse, error) {
	var (
		p       adyen.Payment
		shopper *adyen.ShopperReference
		err     error
	)
	if orderNumber != "" {
		p, err = s.Repo.PaymentByOrderNumber(ctx, orderNumber)
		if err != nil {
			return adyen.PaymentResponse{}, err
		}
		if p.Order != nil {
			if shopper, err = s.Shoppers.Resolve(ctx, *p.Order, userID); err != nil {
				return adyen.PaymentResponse{}, err
			}
		}
	}
	req := s.Factory.ForPaymentDetails(received, shopper)
	resp, err := s.Gateway.Pay(ctx, req)
	if err != nil {
		return adyen.PaymentResponse{}, err
	}
	if p.ID != "" {
		if err := s.recordResult(ctx, p.ID, string(req.Intent), resp, ""); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// UpdatePaypalOrder sends the PayPal express amount update for the order.
func (s *Service) UpdatePaypalOrder(ctx context.Context, orderNumber, pspReference, paymentData string) (adyen.Document, error) {
	order, err := s.Repo.OrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	return s.Gateway.Send(ctx, s.Factory.ForPaypalUpdateOrder(pspReference, paymentData, order))
}

// Capture requests the capture of an authorised payment.
func (s *Service) Capture(ctx context.Context, paymentID string) (adyen.ModificationResponse, error) {
	return s.modify(ctx, paymentID, adyen.IntentCapture, []string{StateAuthorized}, s.Factory.ForCapture)
}

// Cancel requests the cancellation of a payment that was not captured.
func (s *Service) Cancel(ctx context.Context, paymentID string) (adyen.ModificationResponse, error) {
	return s.modify(ctx, paymentID, adyen.IntentCancel, []string{StateProcessing, StateAuthorized}, s.Factory.ForCancel)
}

// Reverse requests a cancel-or-refund; Adyen decides which applies.
func (s *Service) Reverse(ctx context.Context, paymentID string) (adyen.ModificationResponse, error) {
	return s.modify(ctx, paymentID, adyen.IntentReversal, []string{StateProcessing, StateAuthorized, StateCompleted}, s.Factory.ForReversal)
}

func (s *Service) modify(ctx context.Context, paymentID string, intent adyen.Intent, allowed []string, build func(adyen.Options, adyen.Payment) (adyen.Request, error)) (adyen.ModificationResponse, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService."+string(intent))
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	p, err := s.Repo.PaymentByID(ctx, paymentID)
	if err != nil {
		return adyen.ModificationResponse{}, err
	}
	if !isAdyen(p, s.MethodCode) {
		return adyen.ModificationResponse{}, ErrNotAdyenPayment
	}
	if !slices.Contains(allowed, p.State) {
		return adyen.ModificationResponse{}, fmt.Errorf("%w: cannot %s a %s payment", ErrInvalidState, intent, p.State)
	}
	req, err := build(s.Options, p)
	if err != nil {
		return adyen.ModificationResponse{}, err
	}
	if req.Target == "" {
		return adyen.ModificationResponse{}, ErrNoPSPReference
	}
	resp, err := s.Gateway.Modify(ctx, req)
	if err != nil {
		span.RecordError(err)
		return adyen.ModificationResponse{}, err
	}
	s.Logger.Info().Str("payment_id", p.ID).Str("intent", string(intent)).Str("psp_reference", resp.PSPReference).Str("status", resp.Status).Msg("modification requested")
	return resp, nil
}

// CreatePaymentLink creates a pay-by-link for the payment and schedules its expiration.
func (s *Service) CreatePaymentLink(ctx context.Context, paymentID string) (adyen.PaymentLinkResponse, error) {
	p, err := s.Repo.PaymentByID(ctx, paymentID)
	if err != nil {
		return adyen.PaymentLinkResponse{}, err
	}
	if !isAdyen(p, s.MethodCode) {
		return adyen.PaymentLinkResponse{}, ErrNotAdyenPayment
	}
	if p.State != StateNew && p.State != StateProcessing {
		return adyen.PaymentLinkResponse{}, fmt.Errorf("%w: payment is %s", ErrInvalidState, p.State)
	}
	req, err := s.Factory.ForPaymentLink(s.Options, p)
	if err != nil {
		return adyen.PaymentLinkResponse{}, err
	}
	resp, err := s.Gateway.PaymentLink(ctx, req)
	if err != nil {
		return adyen.PaymentLinkResponse{}, err
	}
	expiresAt := resp.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(s.linkTTL())
	}
	err = s.update(ctx, p.ID, string(req.Intent), func(cur adyen.Payment, details adyen.Document) string {
		details[adyen.DetailPaymentLinkID] = resp.ID
		details[adyen.DetailPaymentLinkURL] = resp.URL
		details[detailLinkExpiresAt] = expiresAt.UTC().Format(time.RFC3339)
		return cur.State
	})
	if err != nil {
		return resp, err
	}
	if s.Links != nil {
		if err := s.Links.ScheduleLinkExpiration(ctx, p.ID, expiresAt); err != nil {
			s.Logger.Error().Err(err).Str("payment_id", p.ID).Msg("schedule payment link expiration")
		}
	}
	return resp, nil
}

// ExpirePaymentLink expires the payment's link unless the payment already
// went through. It reports whether a request was sent.
func (s *Service) ExpirePaymentLink(ctx context.Context, paymentID string) (bool, error) {
	p, err := s.Repo.PaymentByID(ctx, paymentID)
	if err != nil {
		return false, err
	}
	linkID := p.Details.String(adyen.DetailPaymentLinkID)
	if linkID == "" {
		return false, ErrNoPaymentLink
	}
	if p.State != StateNew && p.State != StateProcessing {
		s.Logger.Debug().Str("payment_id", p.ID).Str("state", p.State).Msg("payment link left active")
		return false, nil
	}
	if _, err := s.Gateway.PaymentLink(ctx, s.Factory.ForPaymentLinkExpiration(linkID)); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveStoredMethod deletes a stored payment method of the logged-in shopper.
func (s *Service) RemoveStoredMethod(ctx context.Context, userID, reference string) error {
	shopper, err := s.Repo.ShopperReferenceByUser(ctx, userID)
	if err != nil {
		return err
	}
	req, err := s.Factory.ForTokenRemove(s.Options, reference, shopper)
	if err != nil {
		return err
	}
	_, err = s.Gateway.Send(ctx, req)
	return err
}

// recordResult stores a synchronous /payments result. Refusals fail the
// payment; everything else waits for the notification.
func (s *Service) recordResult(ctx context.Context, paymentID, event string, resp adyen.PaymentResponse, methodType string) error {
	return s.update(ctx, paymentID, event, func(cur adyen.Payment, details adyen.Document) string {
		if resp.PSPReference != "" {
			details[adyen.DetailPSPReference] = resp.PSPReference
		}
		details[adyen.DetailResultCode] = resp.ResultCode
		if resp.PaymentData != "" {
			details[detailPaymentData] = resp.PaymentData
		}
		if methodType != "" {
			details[adyen.DetailPaymentMethod] = methodType
		}
		if resp.RefusalReason != "" {
			details[detailRefusalReason] = resp.RefusalReason
		}
		if cur.State != StateNew && cur.State != StateProcessing {
			return cur.State
		}
		switch resp.ResultCode {
		case "Refused", "Error", "Cancelled":
			return StateFailed
		}
		return StateProcessing
	})
}

// update reloads the payment under its lock, lets mutate edit the details
// and pick the next state, and saves the result.
func (s *Service) update(ctx context.Context, paymentID, event string, mutate func(adyen.Payment, adyen.Document) string) error {
	run := func(ctx context.Context) error {
		cur, err := s.Repo.PaymentByID(ctx, paymentID)
		if err != nil {
			return err
		}
		details := cur.Details.Clone()
		if details == nil {
			details = adyen.Document{}
		}
		to := mutate(cur, details)
		return s.Repo.SaveTransition(ctx, Transition{PaymentID: cur.ID, From: cur.State, To: to, Details: details, Event: event})
	}
	if s.Locker == nil {
		return run(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return s.Locker.WithLock(ctx, "payment:"+paymentID, ttl, run)
}

func (s *Service) linkTTL() time.Duration {
	if s.LinkTTL <= 0 {
		return 24 * time.Hour
	}
	return s.LinkTTL
}
