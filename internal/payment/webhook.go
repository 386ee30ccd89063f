package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/common"
	"github.com/noah-isme/toko-adyen/internal/obs"
	"github.com/noah-isme/toko-adyen/internal/queue"
	"github.com/noah-isme/toko-adyen/internal/security"
)

// acceptedReply is the body Adyen expects to stop redelivering a batch.
const acceptedReply = "[accepted]"

// Webhook receives Adyen standard notifications and queues them for the worker.
type Webhook struct {
	Auth            security.BasicAuth
	Queue           Enqueuer
	Replay          *redis.Client
	ReplayTTL       time.Duration
	MerchantAccount string
	MaxAttempts     int
	Logger          zerolog.Logger
}

// Handle authenticates the delivery, drops replayed items and enqueues the rest.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	if !h.Auth.Verify(r) {
		countWebhook("unauthorized")
		w.Header().Set("WWW-Authenticate", `Basic realm="adyen"`)
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		countWebhook("invalid")
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	batch, err := adyen.ParseNotificationRequest(body)
	if err != nil {
		countWebhook("invalid")
		common.JSONError(w, http.StatusBadRequest, "INVALID_NOTIFICATION", err.Error(), nil)
		return
	}

	ctx := r.Context()
	queued, replayed := 0, 0
	for _, item := range batch.Items {
		if h.MerchantAccount != "" && item.MerchantAccountCode != "" && item.MerchantAccountCode != h.MerchantAccount {
			h.Logger.Warn().Str("merchant_account", item.MerchantAccountCode).Str("psp_reference", item.PSPReference).Msg("notification for foreign merchant account skipped")
			continue
		}
		key := replayKey(item)
		fresh, err := h.acquire(ctx, key)
		if err != nil {
			countWebhook("error")
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", err.Error(), nil)
			return
		}
		if !fresh {
			replayed++
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			h.release(ctx, key)
			countWebhook("error")
			common.JSONError(w, http.StatusInternalServerError, "ENCODE_ERROR", err.Error(), nil)
			return
		}
		if err := h.Queue.Enqueue(ctx, queue.Task{
			Kind:           TaskNotification,
			Payload:        payload,
			IdempotencyKey: key,
			MaxAttempts:    h.MaxAttempts,
		}); err != nil {
			// let Adyen redeliver the batch
			h.release(ctx, key)
			countWebhook("error")
			h.Logger.Error().Err(err).Str("psp_reference", item.PSPReference).Msg("enqueue notification")
			common.JSONError(w, http.StatusInternalServerError, "ENQUEUE_FAILED", "unable to queue notification", nil)
			return
		}
		queued++
	}

	countWebhook("accepted")
	h.Logger.Debug().Bool("live", batch.Live).Int("items", len(batch.Items)).Int("queued", queued).Int("replayed", replayed).Msg("notification batch accepted")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, acceptedReply)
}

func (h Webhook) acquire(ctx context.Context, key string) (bool, error) {
	if h.Replay == nil || h.ReplayTTL <= 0 {
		return true, nil
	}
	return h.Replay.SetNX(ctx, "adyen:notification:"+key, "1", h.ReplayTTL).Result()
}

func (h Webhook) release(ctx context.Context, key string) {
	if h.Replay == nil {
		return
	}
	_ = h.Replay.Del(context.WithoutCancel(ctx), "adyen:notification:"+key).Err()
}

func replayKey(item adyen.NotificationItem) string {
	return common.Sha256Hex(fmt.Sprintf("%s|%s|%s", item.PSPReference, item.EventCode, strconv.FormatBool(item.Success)))
}

func countWebhook(result string) {
	if obs.WebhookReceivedTotal != nil {
		obs.WebhookReceivedTotal.WithLabelValues(result).Inc()
	}
}
