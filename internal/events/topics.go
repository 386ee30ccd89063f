package events

// Topics emitted when a payment changes state.
const (
	TopicPaymentAuthorized    = "payment.authorized"
	TopicPaymentCaptured      = "payment.captured"
	TopicPaymentCancelled     = "payment.cancelled"
	TopicPaymentRefunded      = "payment.refunded"
	TopicPaymentFailed        = "payment.failed"
	TopicPaymentCaptureFailed = "payment.capture_failed"
	TopicRefundCompleted      = "refund.completed"
	TopicRefundFailed         = "refund.failed"
)

// DefaultTopics returns every topic the payment flow emits.
func DefaultTopics() []string {
	return []string{
		TopicPaymentAuthorized,
		TopicPaymentCaptured,
		TopicPaymentCancelled,
		TopicPaymentRefunded,
		TopicPaymentFailed,
		TopicPaymentCaptureFailed,
		TopicRefundCompleted,
		TopicRefundFailed,
	}
}
