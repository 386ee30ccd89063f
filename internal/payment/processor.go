package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/obs"
	"github.com/noah-isme/toko-adyen/internal/queue"
)

// NotificationProcessor handles queued notification items.
type NotificationProcessor struct {
	Resolver     adyen.EventCodeResolver
	Transitioner *Transitioner
	Logger       zerolog.Logger
}

// Handle is a queue handler for TaskNotification. Items whose payment does not
// exist are dead-lettered instead of retried.
func (p *NotificationProcessor) Handle(ctx context.Context, task queue.Task) error {
	if p == nil || p.Transitioner == nil {
		return errors.New("notification processor not configured")
	}
	var item adyen.NotificationItem
	if err := json.Unmarshal(task.Payload, &item); err != nil {
		return queue.Permanent(fmt.Errorf("decode notification: %w", err))
	}
	res := p.Resolver.Resolve(item)
	if obs.AdyenNotificationsTotal != nil {
		obs.AdyenNotificationsTotal.WithLabelValues(item.EventCode, string(res.Action)).Inc()
	}
	log := p.Logger.With().
		Str("event_code", item.EventCode).
		Str("psp_reference", item.PSPReference).
		Str("merchant_reference", item.MerchantReference).
		Bool("success", item.Success).
		Logger()

	if !res.Supported() {
		log.Debug().Msg("unsupported notification acknowledged")
		return nil
	}
	out, err := p.Transitioner.Apply(ctx, item, res)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	ev := log.Info()
	if !out.Applied {
		ev = log.Debug()
	}
	ev.Str("payment_id", out.PaymentID).
		Str("action", string(out.Action)).
		Str("from", out.From).
		Str("to", out.To).
		Bool("applied", out.Applied).
		Str("reason", out.Reason).
		Msg("notification processed")
	return nil
}
