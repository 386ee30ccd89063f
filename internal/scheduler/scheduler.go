package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-adyen/internal/payment"
)

// DefaultQueue is the asynq queue delayed payment jobs are placed on.
const DefaultQueue = "payments"

type linkPayload struct {
	PaymentID string    `json:"paymentId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TaskClient is the part of *asynq.Client the scheduler needs.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// LinkExpirations schedules payment link expiry jobs on asynq.
type LinkExpirations struct {
	Client   TaskClient
	Queue    string
	MaxRetry int
	Logger   zerolog.Logger
}

// ScheduleLinkExpiration enqueues the expiry job to run at the given time.
// Scheduling the same link twice is a no-op.
func (l LinkExpirations) ScheduleLinkExpiration(ctx context.Context, paymentID string, at time.Time) error {
	if l.Client == nil {
		return errors.New("scheduler: task client not configured")
	}
	raw, err := json.Marshal(linkPayload{PaymentID: paymentID, ExpiresAt: at.UTC()})
	if err != nil {
		return err
	}
	queue := l.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	retries := l.MaxRetry
	if retries <= 0 {
		retries = 5
	}
	task := asynq.NewTask(payment.TaskPaymentLinkExpired, raw)
	info, err := l.Client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.ProcessAt(at),
		asynq.TaskID(linkTaskID(paymentID, at)),
		asynq.MaxRetry(retries),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: enqueue link expiration for %s: %w", paymentID, err)
	}
	l.Logger.Debug().Str("payment_id", paymentID).Str("task_id", info.ID).Time("process_at", at).Msg("payment link expiration scheduled")
	return nil
}

func linkTaskID(paymentID string, at time.Time) string {
	return "payment-link:" + paymentID + ":" + strconv.FormatInt(at.Unix(), 10)
}

// LinkExpirer is implemented by payment.Service.
type LinkExpirer interface {
	ExpirePaymentLink(ctx context.Context, paymentID string) (bool, error)
}

// LinkExpirationHandler runs scheduled payment link expirations.
type LinkExpirationHandler struct {
	Payments LinkExpirer
	Logger   zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h LinkExpirationHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p linkPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.PaymentID == "" {
		return fmt.Errorf("scheduler: bad link expiration payload: %w", asynq.SkipRetry)
	}
	expired, err := h.Payments.ExpirePaymentLink(ctx, p.PaymentID)
	switch {
	case errors.Is(err, payment.ErrNotFound), errors.Is(err, payment.ErrNoPaymentLink):
		h.Logger.Warn().Err(err).Str("payment_id", p.PaymentID).Msg("payment link expiration dropped")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	case err != nil:
		return err
	}
	h.Logger.Info().Str("payment_id", p.PaymentID).Bool("expired", expired).Msg("payment link expiration processed")
	return nil
}

// NewServeMux routes scheduled payment tasks to their handlers.
func NewServeMux(links LinkExpirationHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(payment.TaskPaymentLinkExpired, links)
	return mux
}

// RedisOpt converts a redis:// URL into asynq connection options.
func RedisOpt(redisURL string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse redis url: %w", err)
	}
	return opt, nil
}

// NewServer builds the asynq server that runs scheduled payment tasks.
func NewServer(opt asynq.RedisConnOpt, queue string, concurrency int, logger zerolog.Logger) *asynq.Server {
	if queue == "" {
		queue = DefaultQueue
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("scheduled task failed")
		}),
		Logger:   asynqLogger{l: logger},
		LogLevel: asynq.WarnLevel,
	})
}

// asynqLogger adapts zerolog to asynq.Logger.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
