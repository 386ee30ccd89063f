package adyen

// Notification event codes, lower-cased as they reach the resolver.
const (
	EventCapture                = "capture"
	EventCaptureFailed          = "capture_failed"
	EventAuthorisation          = "authorisation"
	EventCancellation           = "cancellation"
	EventPayByLinkAuthorisation = "pay_by_link_authorisation"
	EventRefund                 = "refund"
	EventCancelOrRefund         = "cancel_or_refund"

	ModificationRefund = "refund"
	ModificationCancel = "cancel"
)

// LifecycleAction is the payment lifecycle step a notification maps to.
type LifecycleAction string

const (
	ActionAuthorizeSuccess          LifecycleAction = "authorize_success"
	ActionAuthorizeFailure          LifecycleAction = "authorize_failure"
	ActionCaptureSuccess            LifecycleAction = "capture_success"
	ActionCaptureFailure            LifecycleAction = "capture_failure"
	ActionCancelSuccess             LifecycleAction = "cancel_success"
	ActionCancelFailure             LifecycleAction = "cancel_failure"
	ActionRefundSuccess             LifecycleAction = "refund_success"
	ActionRefundFailure             LifecycleAction = "refund_failure"
	ActionPayByLinkAuthorizeSuccess LifecycleAction = "pay_by_link_authorize_success"
	ActionPayByLinkAuthorizeFailure LifecycleAction = "pay_by_link_authorize_failure"
	ActionUnsupported               LifecycleAction = "unsupported"
)

// Resolution is the outcome of resolving one notification item.
type Resolution struct {
	Action LifecycleAction
	// CaptureFailed is set when the processor reported an asynchronous
	// capture_failed rather than an unsuccessful capture.
	CaptureFailed bool
}

// Supported reports whether the action needs handling.
func (r Resolution) Supported() bool { return r.Action != ActionUnsupported }

// EventCodeResolver maps notification items to lifecycle actions. It is
// stateless; the same item always resolves to the same action.
type EventCodeResolver struct{}

// Resolve returns the action for item. CANCEL_OR_REFUND follows the
// modification action in additionalData; unknown codes give ActionUnsupported.
func (EventCodeResolver) Resolve(item NotificationItem) Resolution {
	pick := func(ok, ko LifecycleAction) Resolution {
		if item.Success {
			return Resolution{Action: ok}
		}
		return Resolution{Action: ko}
	}

	switch item.EventCode {
	case EventCapture:
		return pick(ActionCaptureSuccess, ActionCaptureFailure)
	case EventCaptureFailed:
		return Resolution{Action: ActionCaptureFailure, CaptureFailed: true}
	case EventAuthorisation:
		return pick(ActionAuthorizeSuccess, ActionAuthorizeFailure)
	case EventCancellation:
		return pick(ActionCancelSuccess, ActionCancelFailure)
	case EventPayByLinkAuthorisation:
		return pick(ActionPayByLinkAuthorizeSuccess, ActionPayByLinkAuthorizeFailure)
	case EventRefund:
		return pick(ActionRefundSuccess, ActionRefundFailure)
	case EventCancelOrRefund:
		switch item.ModificationAction() {
		case ModificationRefund:
			return pick(ActionRefundSuccess, ActionRefundFailure)
		case ModificationCancel:
			return pick(ActionCancelSuccess, ActionCancelFailure)
		}
	}
	return Resolution{Action: ActionUnsupported}
}
