package payment

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/queue"
)

// Payment states persisted on payments.state.
const (
	StateNew        = "new"
	StateProcessing = "processing"
	StateAuthorized = "authorized"
	StateCompleted  = "completed"
	StateCancelled  = "cancelled"
	StateFailed     = "failed"
	StateRefunded   = "refunded"
)

// Refund states persisted on refunds.state.
const (
	RefundNew        = "new"
	RefundProcessing = "processing"
	RefundCompleted  = "completed"
	RefundFailed     = "failed"
)

// Detail keys the payment flow writes besides the ones defined by the adyen package.
const (
	detailCaptureFailed   = "captureFailed"
	detailFailureReason   = "failureReason"
	detailEventDate       = "eventDate"
	detailPaymentData     = "paymentData"
	detailLinkExpiresAt   = "paymentLinkExpiresAt"
	detailRefusalReason   = "refusalReason"
	detailLastEventCode   = "lastEventCode"
	detailModificationRef = "modificationReference"
)

// Queue task kinds handled by the worker.
const (
	TaskNotification       = "adyen-notification"
	TaskRefundReference    = "adyen-refund-reference"
	TaskPaymentLinkExpired = "adyen:payment-link-expire"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("payment: not found")

// ErrNotAdyenPayment is returned for operations on payments of another gateway.
var ErrNotAdyenPayment = errors.New("payment: not an adyen payment")

// Refund is a refund payment issued against an order payment.
type Refund struct {
	ID           string
	PaymentID    string
	Amount       int64
	CurrencyCode string
	State        string
	PSPReference string
	CreatedAt    time.Time
}

// Transition is a state change persisted together with its payment event.
type Transition struct {
	PaymentID string
	From      string
	To        string
	Details   adyen.Document
	Event     string
	Payload   []byte
}

// Repository loads and stores the payment aggregate.
type Repository interface {
	OrderByNumber(ctx context.Context, number string) (adyen.Order, error)
	PaymentByID(ctx context.Context, id string) (adyen.Payment, error)
	// PaymentByOrderNumber returns the latest payment of the order.
	PaymentByOrderNumber(ctx context.Context, number string) (adyen.Payment, error)
	PaymentByPSPReference(ctx context.Context, psp string) (adyen.Payment, error)
	SaveTransition(ctx context.Context, t Transition) error

	CreateRefund(ctx context.Context, r Refund) (Refund, error)
	RefundByID(ctx context.Context, id string) (Refund, error)
	RefundByPSPReference(ctx context.Context, psp string) (Refund, error)
	UpdateRefund(ctx context.Context, r Refund) error
	CompletedRefundTotal(ctx context.Context, paymentID string) (int64, error)
	// ReservedRefundTotal sums every refund of the payment that has not failed.
	ReservedRefundTotal(ctx context.Context, paymentID string) (int64, error)

	ShopperReference(ctx context.Context, customerID string) (adyen.ShopperReference, error)
	ShopperReferenceByUser(ctx context.Context, userID string) (adyen.ShopperReference, error)
	CreateShopperReference(ctx context.Context, customerID, identifier string) (adyen.ShopperReference, error)
}

// Gateway sends built requests to the Checkout API. *adyen.Client implements it.
type Gateway interface {
	Send(ctx context.Context, req adyen.Request) (adyen.Document, error)
	Pay(ctx context.Context, req adyen.Request) (adyen.PaymentResponse, error)
	Modify(ctx context.Context, req adyen.Request) (adyen.ModificationResponse, error)
	PaymentLink(ctx context.Context, req adyen.Request) (adyen.PaymentLinkResponse, error)
}

// Enqueuer publishes background tasks. queue.Enqueuer implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

var stateRank = map[string]int{
	StateNew:        0,
	StateProcessing: 1,
	StateAuthorized: 2,
	StateCompleted:  3,
	StateCancelled:  4,
	StateFailed:     4,
	StateRefunded:   5,
}

func isTerminal(state string) bool {
	switch state {
	case StateCancelled, StateFailed, StateRefunded:
		return true
	}
	return false
}

// isAdyen reports whether the payment belongs to the configured Adyen method.
// A payment without a method never does.
func isAdyen(p adyen.Payment, methodCode string) bool {
	if p.MethodCode == "" {
		return false
	}
	return methodCode == "" || p.MethodCode == methodCode
}
