package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/events"
	"github.com/noah-isme/toko-adyen/internal/obs"
)

// Locker serialises work on one payment. lock.Locker implements it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Emitter publishes domain events. *events.Bus implements it.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Outcome describes what a notification did to the payment.
type Outcome struct {
	PaymentID string
	RefundID  string
	Action    adyen.LifecycleAction
	From      string
	To        string
	Applied   bool
	Reason    string
}

// Transitioner drives local payment state from resolved notifications.
type Transitioner struct {
	Repo          Repository
	Locker        Locker
	Events        Emitter
	ManualCapture bool
	LockTTL       time.Duration
	Logger        zerolog.Logger
}

type plan struct {
	to      string
	topic   string
	details adyen.Document
	reason  string
}

// Apply moves the payment addressed by item according to res. Repeated and
// regressive notifications leave the payment untouched and report Applied=false.
func (t *Transitioner) Apply(ctx context.Context, item adyen.NotificationItem, res adyen.Resolution) (Outcome, error) {
	ctx, span := otel.Tracer("payment.Transitioner").Start(ctx, "Transitioner.Apply")
	defer span.End()

	out := Outcome{Action: res.Action}
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.id", out.PaymentID),
			attribute.String("payment.action", string(res.Action)),
			attribute.String("payment.transition.result", result),
		)
		if obs.PaymentTransitionsTotal != nil {
			obs.PaymentTransitionsTotal.WithLabelValues(string(res.Action), result).Inc()
		}
	}()

	if !res.Supported() {
		result = "unsupported"
		out.Reason = "unsupported event code"
		return out, nil
	}
	if t.Repo == nil || t.Locker == nil {
		return out, errors.New("payment transitioner not configured")
	}

	located, err := t.locate(ctx, item, res)
	if err != nil {
		span.RecordError(err)
		return out, err
	}
	out.PaymentID = located.ID

	err = t.Locker.WithLock(ctx, "payment:"+located.ID, t.lockTTL(), func(ctx context.Context) error {
		current, err := t.Repo.PaymentByID(ctx, located.ID)
		if err != nil {
			return err
		}
		switch res.Action {
		case adyen.ActionRefundSuccess, adyen.ActionRefundFailure:
			out, err = t.applyRefund(ctx, current, item, res)
			return err
		}
		out, err = t.applyPlan(ctx, current, item, res, t.plan(current, item, res))
		return err
	})
	if err != nil {
		span.RecordError(err)
		return out, err
	}
	result = "noop"
	if out.Applied {
		result = "applied"
	}
	return out, nil
}

func (t *Transitioner) locate(ctx context.Context, item adyen.NotificationItem, res adyen.Resolution) (adyen.Payment, error) {
	switch res.Action {
	case adyen.ActionAuthorizeSuccess, adyen.ActionAuthorizeFailure,
		adyen.ActionPayByLinkAuthorizeSuccess, adyen.ActionPayByLinkAuthorizeFailure:
		p, err := t.Repo.PaymentByOrderNumber(ctx, item.MerchantReference)
		if err != nil {
			return adyen.Payment{}, fmt.Errorf("payment for order %q: %w", item.MerchantReference, err)
		}
		return p, nil
	}
	if item.OriginalReference == "" {
		p, err := t.Repo.PaymentByOrderNumber(ctx, item.MerchantReference)
		if err != nil {
			return adyen.Payment{}, fmt.Errorf("payment for order %q: %w", item.MerchantReference, err)
		}
		return p, nil
	}
	p, err := t.Repo.PaymentByPSPReference(ctx, item.OriginalReference)
	if err != nil {
		return adyen.Payment{}, fmt.Errorf("payment with psp reference %q: %w", item.OriginalReference, err)
	}
	return p, nil
}

func (t *Transitioner) plan(p adyen.Payment, item adyen.NotificationItem, res adyen.Resolution) plan {
	details := p.Details.Clone()
	if details == nil {
		details = adyen.Document{}
	}
	details[detailLastEventCode] = item.EventCode
	if item.EventDate != "" {
		details[detailEventDate] = item.EventDate
	}

	switch res.Action {
	case adyen.ActionAuthorizeSuccess, adyen.ActionPayByLinkAuthorizeSuccess:
		target, topic := StateCompleted, events.TopicPaymentCaptured
		if t.ManualCapture {
			target, topic = StateAuthorized, events.TopicPaymentAuthorized
		}
		if isTerminal(p.State) || stateRank[p.State] >= stateRank[target] {
			return plan{reason: "payment already " + p.State}
		}
		details[adyen.DetailPSPReference] = item.PSPReference
		details[adyen.DetailResultCode] = "Authorised"
		if item.PaymentMethod != "" {
			details[adyen.DetailPaymentMethod] = item.PaymentMethod
		}
		return plan{to: target, topic: topic, details: details}

	case adyen.ActionAuthorizeFailure, adyen.ActionPayByLinkAuthorizeFailure:
		if p.State != StateNew && p.State != StateProcessing {
			return plan{reason: "payment already " + p.State}
		}
		if item.PSPReference != "" {
			details[adyen.DetailPSPReference] = item.PSPReference
		}
		details[adyen.DetailResultCode] = "Refused"
		details[detailRefusalReason] = item.Reason
		return plan{to: StateFailed, topic: events.TopicPaymentFailed, details: details}

	case adyen.ActionCaptureSuccess:
		if p.State == StateCompleted || isTerminal(p.State) {
			return plan{reason: "payment already " + p.State}
		}
		delete(details, detailCaptureFailed)
		delete(details, detailFailureReason)
		details[detailModificationRef] = item.PSPReference
		return plan{to: StateCompleted, topic: events.TopicPaymentCaptured, details: details}

	case adyen.ActionCaptureFailure:
		if p.State != StateAuthorized && p.State != StateCompleted {
			return plan{reason: "payment is " + p.State}
		}
		if p.State == StateAuthorized && p.Details.Bool(detailCaptureFailed) {
			return plan{reason: "capture failure already recorded"}
		}
		details[detailCaptureFailed] = true
		details[detailFailureReason] = item.Reason
		details[detailModificationRef] = item.PSPReference
		return plan{to: StateAuthorized, topic: events.TopicPaymentCaptureFailed, details: details}

	case adyen.ActionCancelSuccess:
		if p.State == StateCompleted || isTerminal(p.State) {
			return plan{reason: "payment already " + p.State}
		}
		details[detailModificationRef] = item.PSPReference
		return plan{to: StateCancelled, topic: events.TopicPaymentCancelled, details: details}

	case adyen.ActionCancelFailure:
		return plan{reason: "cancellation refused: " + item.Reason}
	}
	return plan{reason: "no transition for " + string(res.Action)}
}

func (t *Transitioner) applyPlan(ctx context.Context, p adyen.Payment, item adyen.NotificationItem, res adyen.Resolution, pl plan) (Outcome, error) {
	out := Outcome{PaymentID: p.ID, Action: res.Action, From: p.State, To: p.State, Reason: pl.reason}
	if pl.to == "" {
		t.Logger.Debug().Str("payment_id", p.ID).Str("action", string(res.Action)).Str("reason", pl.reason).Msg("notification left payment unchanged")
		return out, nil
	}
	raw, _ := json.Marshal(item)
	if err := t.Repo.SaveTransition(ctx, Transition{
		PaymentID: p.ID,
		From:      p.State,
		To:        pl.to,
		Details:   pl.details,
		Event:     item.EventCode,
		Payload:   raw,
	}); err != nil {
		return out, fmt.Errorf("save transition: %w", err)
	}
	out.To = pl.to
	out.Applied = true
	t.emit(ctx, pl.topic, p, item, out)
	return out, nil
}

func (t *Transitioner) applyRefund(ctx context.Context, p adyen.Payment, item adyen.NotificationItem, res adyen.Resolution) (Outcome, error) {
	success := res.Action == adyen.ActionRefundSuccess
	out := Outcome{PaymentID: p.ID, Action: res.Action, From: p.State, To: p.State}

	refund, err := t.Repo.RefundByPSPReference(ctx, item.PSPReference)
	switch {
	case errors.Is(err, ErrNotFound):
		if !success {
			out.Reason = "unknown refund"
			return out, nil
		}
		// refund issued outside the shop, e.g. from the Customer Area
		refund, err = t.Repo.CreateRefund(ctx, Refund{
			PaymentID:    p.ID,
			Amount:       item.Amount.Value,
			CurrencyCode: item.Amount.Currency,
			State:        RefundProcessing,
			PSPReference: item.PSPReference,
		})
		if err != nil {
			return out, fmt.Errorf("record external refund: %w", err)
		}
	case err != nil:
		return out, err
	}
	out.RefundID = refund.ID

	switch refund.State {
	case RefundFailed:
		out.Reason = "refund already failed"
		return out, nil
	case RefundCompleted:
		// a redelivery may still owe the payment its refunded state
		out.Reason = "refund already completed"
		if !success {
			return out, nil
		}
	default:
		topic := events.TopicRefundCompleted
		refund.State = RefundCompleted
		if !success {
			topic = events.TopicRefundFailed
			refund.State = RefundFailed
		}
		if err := t.Repo.UpdateRefund(ctx, refund); err != nil {
			return out, fmt.Errorf("update refund: %w", err)
		}
		out.Applied = true
		t.emit(ctx, topic, p, item, out)
	}
	if !success || p.State != StateCompleted {
		return out, nil
	}

	total, err := t.Repo.CompletedRefundTotal(ctx, p.ID)
	if err != nil {
		return out, fmt.Errorf("sum refunds: %w", err)
	}
	if total < p.Amount {
		return out, nil
	}
	details := p.Details.Clone()
	if details == nil {
		details = adyen.Document{}
	}
	details[detailLastEventCode] = item.EventCode
	refunded, err := t.applyPlan(ctx, p, item, res, plan{to: StateRefunded, topic: events.TopicPaymentRefunded, details: details})
	refunded.RefundID = refund.ID
	return refunded, err
}

func (t *Transitioner) emit(ctx context.Context, topic string, p adyen.Payment, item adyen.NotificationItem, out Outcome) {
	if t.Events == nil || topic == "" {
		return
	}
	payload := map[string]any{
		"paymentId":    p.ID,
		"from":         out.From,
		"to":           out.To,
		"eventCode":    item.EventCode,
		"pspReference": item.PSPReference,
		"amount":       item.Amount,
	}
	if p.Order != nil {
		payload["orderNumber"] = p.Order.Number
	}
	if out.RefundID != "" {
		payload["refundId"] = out.RefundID
	}
	if _, err := t.Events.Emit(ctx, topic, p.ID, payload); err != nil {
		t.Logger.Warn().Err(err).Str("topic", topic).Str("payment_id", p.ID).Msg("emit payment event")
	}
}

func (t *Transitioner) lockTTL() time.Duration {
	if t.LockTTL <= 0 {
		return 30 * time.Second
	}
	return t.LockTTL
}
