package adyen_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-adyen/internal/adyen"
)

func item(code string, success bool, hint string) adyen.NotificationItem {
	it := adyen.NotificationItem{EventCode: code, Success: success, PSPReference: "PSP1"}
	if hint != "" {
		it.AdditionalData = map[string]string{"modification.action": hint}
	}
	return it
}

func TestResolveEventCodes(t *testing.T) {
	cases := []struct {
		code    string
		success bool
		hint    string
		want    adyen.LifecycleAction
		failed  bool
	}{
		{code: "authorisation", success: true, want: adyen.ActionAuthorizeSuccess},
		{code: "authorisation", success: false, want: adyen.ActionAuthorizeFailure},
		{code: "capture", success: true, want: adyen.ActionCaptureSuccess},
		{code: "capture", success: false, want: adyen.ActionCaptureFailure},
		{code: "capture_failed", success: true, want: adyen.ActionCaptureFailure, failed: true},
		{code: "capture_failed", success: false, want: adyen.ActionCaptureFailure, failed: true},
		{code: "cancellation", success: true, want: adyen.ActionCancelSuccess},
		{code: "cancellation", success: false, want: adyen.ActionCancelFailure},
		{code: "pay_by_link_authorisation", success: true, want: adyen.ActionPayByLinkAuthorizeSuccess},
		{code: "pay_by_link_authorisation", success: false, want: adyen.ActionPayByLinkAuthorizeFailure},
		{code: "refund", success: true, want: adyen.ActionRefundSuccess},
		{code: "refund", success: false, want: adyen.ActionRefundFailure},
		{code: "cancel_or_refund", success: true, hint: "refund", want: adyen.ActionRefundSuccess},
		{code: "cancel_or_refund", success: false, hint: "refund", want: adyen.ActionRefundFailure},
		{code: "cancel_or_refund", success: true, hint: "cancel", want: adyen.ActionCancelSuccess},
		{code: "cancel_or_refund", success: false, hint: "cancel", want: adyen.ActionCancelFailure},
		{code: "cancel_or_refund", success: true, want: adyen.ActionUnsupported},
		{code: "cancel_or_refund", success: true, hint: "void", want: adyen.ActionUnsupported},
		{code: "unknown_code", success: true, want: adyen.ActionUnsupported},
		{code: "AUTHORISATION", success: true, want: adyen.ActionUnsupported},
		{code: "", success: false, want: adyen.ActionUnsupported},
		{code: "report_available", success: true, hint: "refund", want: adyen.ActionUnsupported},
	}

	var resolver adyen.EventCodeResolver
	for _, tc := range cases {
		t.Run(tc.code+"/"+tc.hint, func(t *testing.T) {
			it := item(tc.code, tc.success, tc.hint)
			got := resolver.Resolve(it)
			require.Equal(t, tc.want, got.Action)
			require.Equal(t, tc.failed, got.CaptureFailed)
			require.Equal(t, tc.want != adyen.ActionUnsupported, got.Supported())
			// deterministic on redelivery
			require.Equal(t, got, resolver.Resolve(it))
		})
	}
}
