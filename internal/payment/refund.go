package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/queue"
)

var (
	// ErrRefundNotAllowed is returned when the payment is not in a refundable state.
	ErrRefundNotAllowed = errors.New("payment: refund not allowed")
	// ErrRefundExceedsAmount is returned when the requested amount is larger than what is left.
	ErrRefundExceedsAmount = errors.New("payment: refund exceeds refundable amount")
)

// refundReference is the payload of TaskRefundReference.
type refundReference struct {
	RefundPaymentID string `json:"refundPaymentId"`
	PSPReference    string `json:"pspReference"`
}

// RefundService issues refunds against Adyen payments.
type RefundService struct {
	Repo       Repository
	Gateway    Gateway
	Factory    *adyen.PayloadFactory
	Options    adyen.Options
	MethodCode string
	Queue      Enqueuer
	// Locker serialises refunds with notifications of the same payment.
	Locker  Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// Issue creates a refund payment and requests it from Adyen. A zero amount
// refunds whatever is left of the payment. Refunds that have not failed count
// against the refundable amount, whether or not Adyen has settled them yet.
func (s *RefundService) Issue(ctx context.Context, paymentID string, amount int64) (Refund, error) {
	var refund Refund
	err := s.withPaymentLock(ctx, paymentID, func(ctx context.Context) error {
		p, err := s.Repo.PaymentByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if !isAdyen(p, s.MethodCode) {
			return ErrNotAdyenPayment
		}
		if p.State != StateCompleted {
			return fmt.Errorf("%w: payment is %s", ErrRefundNotAllowed, p.State)
		}
		reserved, err := s.Repo.ReservedRefundTotal(ctx, p.ID)
		if err != nil {
			return err
		}
		left := p.Amount - reserved
		if amount == 0 {
			amount = left
		}
		if amount <= 0 || amount > left {
			return fmt.Errorf("%w: %d requested, %d left", ErrRefundExceedsAmount, amount, left)
		}

		refund, err = s.Repo.CreateRefund(ctx, Refund{
			PaymentID:    p.ID,
			Amount:       amount,
			CurrencyCode: p.CurrencyCode,
			State:        RefundNew,
		})
		if err != nil {
			return fmt.Errorf("create refund: %w", err)
		}
		orderNumber := ""
		if p.Order != nil {
			orderNumber = p.Order.Number
		}
		ev := adyen.RefundGenerated{
			RefundPaymentID: refund.ID,
			OrderNumber:     orderNumber,
			Amount:          amount,
			CurrencyCode:    p.CurrencyCode,
			PaymentMethodID: p.MethodCode,
			PaymentID:       p.ID,
		}
		psp, err := s.request(ctx, p, ev)
		if err != nil {
			refund.State = RefundFailed
			if uerr := s.Repo.UpdateRefund(context.WithoutCancel(ctx), refund); uerr != nil {
				s.Logger.Error().Err(uerr).Str("refund_id", refund.ID).Msg("mark refund failed")
			}
			return err
		}
		refund.PSPReference = psp
		refund.State = RefundProcessing
		return s.recordReference(ctx, ev, psp)
	})
	return refund, err
}

// HandleRefundGenerated requests the refund from Adyen and records the
// returned reference. Missing and non-Adyen payments are skipped.
func (s *RefundService) HandleRefundGenerated(ctx context.Context, ev adyen.RefundGenerated) error {
	log := s.Logger.With().Str("refund_id", ev.RefundPaymentID).Str("payment_id", ev.PaymentID).Logger()
	p, err := s.Repo.PaymentByID(ctx, ev.PaymentID)
	if errors.Is(err, ErrNotFound) {
		log.Debug().Msg("refund for unknown payment skipped")
		return nil
	}
	if err != nil {
		return err
	}
	if !isAdyen(p, s.MethodCode) {
		log.Debug().Str("method", p.MethodCode).Msg("refund for non-adyen payment skipped")
		return nil
	}
	psp, err := s.request(ctx, p, ev)
	if err != nil {
		return err
	}
	return s.recordReference(ctx, ev, psp)
}

// request sends the refund to Adyen. Only this step can fail the refund.
func (s *RefundService) request(ctx context.Context, p adyen.Payment, ev adyen.RefundGenerated) (string, error) {
	req, err := s.Factory.ForRefund(s.Options, p, ev)
	if err != nil {
		return "", err
	}
	resp, err := s.Gateway.Modify(ctx, req)
	if err != nil {
		return "", fmt.Errorf("request refund: %w", err)
	}
	return resp.PSPReference, nil
}

// recordReference stores the Adyen reference on the refund straight away, so
// the REFUND notification finds it, and queues the reference command. Once
// Adyen has accepted the refund, a failure here never marks it failed.
func (s *RefundService) recordReference(ctx context.Context, ev adyen.RefundGenerated, psp string) error {
	log := s.Logger.With().Str("refund_id", ev.RefundPaymentID).Str("psp_reference", psp).Logger()
	stored := false
	if err := s.storeReference(ctx, ev.RefundPaymentID, psp); err != nil {
		log.Warn().Err(err).Msg("store refund reference, falling back to queue")
	} else {
		stored = true
	}

	payload, err := json.Marshal(refundReference{RefundPaymentID: ev.RefundPaymentID, PSPReference: psp})
	if err == nil {
		if s.Queue == nil {
			err = errors.New("refund queue not configured")
		} else {
			err = s.Queue.Enqueue(ctx, queue.Task{
				Kind:           TaskRefundReference,
				Payload:        payload,
				IdempotencyKey: ev.RefundPaymentID + ":" + psp,
			})
		}
	}
	if err != nil && !stored {
		return fmt.Errorf("record refund reference %s: %w", psp, err)
	}
	if err != nil {
		log.Warn().Err(err).Msg("enqueue refund reference")
	}
	return nil
}

func (s *RefundService) storeReference(ctx context.Context, refundID, psp string) error {
	refund, err := s.Repo.RefundByID(ctx, refundID)
	if err != nil {
		return err
	}
	if refund.PSPReference == psp && refund.State != RefundNew {
		return nil
	}
	refund.PSPReference = psp
	if refund.State == RefundNew {
		refund.State = RefundProcessing
	}
	return s.Repo.UpdateRefund(ctx, refund)
}

// HandleReference is the queue handler storing the Adyen reference on a refund.
func (s *RefundService) HandleReference(ctx context.Context, task queue.Task) error {
	var cmd refundReference
	if err := json.Unmarshal(task.Payload, &cmd); err != nil {
		return queue.Permanent(fmt.Errorf("decode refund reference: %w", err))
	}
	err := s.storeReference(ctx, cmd.RefundPaymentID, cmd.PSPReference)
	if errors.Is(err, ErrNotFound) {
		return queue.Permanent(fmt.Errorf("refund %s: %w", cmd.RefundPaymentID, err))
	}
	return err
}

func (s *RefundService) withPaymentLock(ctx context.Context, paymentID string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.Locker.WithLock(ctx, "payment:"+paymentID, ttl, fn)
}
