package adyen_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/resilience"
)

type recorded struct {
	method string
	path   string
	query  string
	header http.Header
	body   map[string]any
}

func newTestClient(t *testing.T, status int, reply string) (*adyen.Client, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)

	cl, err := adyen.NewClient(srv.URL+"/v71", "secret-key", resilience.HTTPClient{
		Client:      srv.Client(),
		MaxAttempts: 1,
		BaseBackoff: time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	return cl, rec
}

func TestClientCapture(t *testing.T) {
	cl, rec := newTestClient(t, http.StatusCreated, `{"pspReference":"MOD1","paymentPspReference":"PSP123","status":"received"}`)
	order := testOrder()
	req, err := newFactory(nil).ForCapture(opts(), testPayment(&order))
	require.NoError(t, err)

	resp, err := cl.Modify(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "MOD1", resp.PSPReference)
	require.Equal(t, "received", resp.Status)

	require.Equal(t, http.MethodPost, rec.method)
	require.Equal(t, "/v71/payments/PSP123/captures", rec.path)
	require.Equal(t, "secret-key", rec.header.Get("X-API-Key"))
	require.NotEmpty(t, rec.header.Get("Idempotency-Key"))
	require.Equal(t, "000000042", rec.body["reference"])
	require.Contains(t, rec.body, "applicationInfo")
}

func TestClientTokenRemoveUsesQuery(t *testing.T) {
	cl, rec := newTestClient(t, http.StatusNoContent, "")
	req, err := newFactory(nil).ForTokenRemove(opts(), "8415", adyen.ShopperReference{Identifier: "shopper 1"})
	require.NoError(t, err)

	_, err = cl.Send(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.MethodDelete, rec.method)
	require.Equal(t, "/v71/storedPaymentMethods/8415", rec.path)
	require.Equal(t, "merchantAccount=TokoECOM&shopperReference=shopper+1", rec.query)
	require.Nil(t, rec.body)
}

func TestClientPaymentLinkExpiration(t *testing.T) {
	cl, rec := newTestClient(t, http.StatusOK, `{"id":"PL1","status":"expired","url":"https://test.adyen.link/PL1"}`)
	resp, err := cl.PaymentLink(context.Background(), newFactory(nil).ForPaymentLinkExpiration("PL1"))
	require.NoError(t, err)
	require.Equal(t, "expired", resp.Status)
	require.Equal(t, http.MethodPatch, rec.method)
	require.Equal(t, "/v71/paymentLinks/PL1", rec.path)
	require.Equal(t, map[string]any{"status": "expired"}, rec.body)
}

func TestClientMapsAPIErrors(t *testing.T) {
	cl, _ := newTestClient(t, http.StatusUnprocessableEntity, `{"status":422,"errorCode":"167","message":"Original pspReference required","errorType":"validation"}`)
	order := testOrder()
	req, err := newFactory(nil).ForCancel(opts(), testPayment(&order))
	require.NoError(t, err)

	_, err = cl.Modify(context.Background(), req)
	var apiErr *adyen.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.Equal(t, "167", apiErr.ErrorCode)
	require.False(t, apiErr.Temporary())
}

func TestClientRequiresTarget(t *testing.T) {
	cl, _ := newTestClient(t, http.StatusOK, `{}`)
	order := testOrder()
	payment := testPayment(&order)
	payment.Details = nil
	req, err := newFactory(nil).ForRefund(opts(), payment, adyen.RefundGenerated{Amount: 1, CurrencyCode: "EUR"})
	require.NoError(t, err)

	_, err = cl.Modify(context.Background(), req)
	require.ErrorContains(t, err, "no target reference")
}

func TestBaseURL(t *testing.T) {
	u, err := adyen.BaseURL("test", "")
	require.NoError(t, err)
	require.Equal(t, "https://checkout-test.adyen.com/v71", u)

	u, err = adyen.BaseURL("live", "1797a841fbb37ca7-TokoECOM")
	require.NoError(t, err)
	require.Equal(t, "https://1797a841fbb37ca7-TokoECOM-checkout-live.adyenpayments.com/checkout/v71", u)

	_, err = adyen.BaseURL("live", "")
	require.ErrorIs(t, err, adyen.ErrMissingConfiguration)

	_, err = adyen.BaseURL("staging", "")
	require.Error(t, err)
}
