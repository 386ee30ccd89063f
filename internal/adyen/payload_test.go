package adyen_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-adyen/internal/adyen"
)

var testVersion = adyen.VersionResolver{
	ApplicationName:    "toko-adyen",
	ApplicationVersion: "1.2.3",
	PlatformName:       "toko",
	PlatformVersion:    "1.2.3",
	Integrator:         "toko",
}

func newFactory(esd adyen.ExtendedDataCollector) *adyen.PayloadFactory {
	return adyen.NewPayloadFactory(testVersion, adyen.OrderNormalizer{}, esd)
}

func opts() adyen.Options {
	return adyen.Options{adyen.OptionMerchantAccount: "TokoECOM"}
}

func testOrder() adyen.Order {
	return adyen.Order{
		ID:            "ord-1",
		Number:        "000000042",
		Total:         12500,
		ItemsSubtotal: 10000,
		ShippingTotal: 2500,
		CurrencyCode:  "EUR",
		LocaleCode:    "en_US",
		CustomerIP:    "10.0.0.7",
		BillingAddress: &adyen.Address{
			FirstName:   "Ana",
			LastName:    "Putri",
			Street:      "Jalan Merdeka 12",
			PostalCode:  "10110",
			City:        "Jakarta",
			CountryCode: "ID",
		},
		Customer: &adyen.Customer{ID: "cust-1", Email: "ana@example.com", UserID: "user-1"},
		Items: []adyen.OrderItem{
			{ID: "1", ProductName: "Mug", ProductCode: "MUG", Quantity: 2, UnitPrice: 5000, Total: 10000, TaxTotal: 0},
		},
	}
}

func testPayment(order *adyen.Order) adyen.Payment {
	return adyen.Payment{
		ID:           "pay-1",
		MethodCode:   "adyen",
		Amount:       4242,
		CurrencyCode: "EUR",
		Order:        order,
		Details:      adyen.Document{adyen.DetailPSPReference: "PSP123"},
	}
}

type stubCollector struct {
	data adyen.Document
	err  error
	seen *adyen.Payment
}

func (s *stubCollector) Collect(_ adyen.Order, _ adyen.Options, _ adyen.Document, p *adyen.Payment) (adyen.Document, error) {
	s.seen = p
	return s.data, s.err
}

func requireVersioned(t *testing.T, body adyen.Document) {
	t.Helper()
	info := body.Sub("applicationInfo")
	require.NotNil(t, info, "applicationInfo missing")
	require.Equal(t, "toko-adyen", info.Sub("merchantApplication")["name"])
	require.Equal(t, "toko", info.Sub("externalPlatform")["integrator"])
}

func TestPaymentMethodsQueryDefaultsCountryAndLocale(t *testing.T) {
	f := newFactory(nil)
	order := testOrder()
	order.BillingAddress = nil

	req, err := f.ForAvailablePaymentMethods(opts(), order, "", nil, false)
	require.NoError(t, err)
	require.Equal(t, adyen.IntentPaymentMethods, req.Intent)
	require.Equal(t, "", req.Body["countryCode"])
	require.Equal(t, "", req.Body["shopperLocale"])
	require.Equal(t, "Web", req.Body["channel"])
	require.Equal(t, "TokoECOM", req.Body["merchantAccount"])
	require.Equal(t, adyen.Document{"value": int64(12500), "currency": "EUR"}, req.Body["amount"])
	require.NotContains(t, req.Body, "shopperReference")
	require.NotContains(t, req.Body, "additionalData")
	requireVersioned(t, req.Body)
}

func TestPaymentMethodsQueryWithShopperAndManualCapture(t *testing.T) {
	f := newFactory(nil)
	req, err := f.ForAvailablePaymentMethods(opts(), testOrder(), "en_US", &adyen.ShopperReference{Identifier: "shopper-9"}, true)
	require.NoError(t, err)
	require.Equal(t, "ID", req.Body["countryCode"])
	require.Equal(t, "en_US", req.Body["shopperLocale"])
	require.Equal(t, "shopper-9", req.Body["shopperReference"])
	require.Equal(t, "CardOnFile", req.Body["recurringProcessingModel"])
	require.Equal(t, "Ecommerce", req.Body["shopperInteraction"])
	require.NotContains(t, req.Body, "storePaymentMethod")
	require.Equal(t, "true", req.Body.Sub("additionalData")["manualCapture"])
}

func TestMissingMerchantAccount(t *testing.T) {
	f := newFactory(nil)
	_, err := f.ForAvailablePaymentMethods(adyen.Options{}, testOrder(), "", nil, false)
	require.ErrorIs(t, err, adyen.ErrMissingConfiguration)

	var cfgErr *adyen.MissingConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, adyen.OptionMerchantAccount, cfgErr.Key)
}

func TestTokenizationEligibility(t *testing.T) {
	shopper := &adyen.ShopperReference{Identifier: "shopper-1"}
	cases := []struct {
		name     string
		received adyen.Document
		shopper  *adyen.ShopperReference
		want     bool
	}{
		{name: "no method with identity", received: adyen.Document{}, shopper: shopper, want: true},
		{name: "scheme with identity", received: adyen.Document{"paymentMethod": map[string]any{"type": "scheme"}}, shopper: shopper, want: true},
		{name: "ideal with identity", received: adyen.Document{"paymentMethod": map[string]any{"type": "ideal"}}, shopper: shopper, want: false},
		{name: "paypal with identity", received: adyen.Document{"paymentMethod": map[string]any{"type": "paypal"}}, shopper: shopper, want: false},
		{name: "scheme without identity", received: adyen.Document{"paymentMethod": map[string]any{"type": "scheme"}}, want: false},
		{name: "empty identifier", received: adyen.Document{}, shopper: &adyen.ShopperReference{}, want: false},
	}
	f := newFactory(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := f.ForPaymentDetails(tc.received, tc.shopper)
			_, hasModel := req.Body["recurringProcessingModel"]
			_, hasInteraction := req.Body["shopperInteraction"]
			require.Equal(t, tc.want, hasModel)
			require.Equal(t, tc.want, hasInteraction)
			if tc.shopper == nil || tc.shopper.Identifier == "" {
				require.NotContains(t, req.Body, "shopperReference")
			}
			requireVersioned(t, req.Body)
		})
	}
}

func TestPaymentDetailsDoesNotMutateReceived(t *testing.T) {
	received := adyen.Document{"details": map[string]any{"redirectResult": "abc"}}
	req := newFactory(nil).ForPaymentDetails(received, &adyen.ShopperReference{Identifier: "s"})

	require.Equal(t, adyen.Document{"redirectResult": "abc"}, req.Body.Sub("details"))
	require.Len(t, received, 1)
	require.Equal(t, adyen.IntentPaymentDetails, req.Intent)
}

func TestSubmitPaymentStoredSchemeShopper(t *testing.T) {
	f := newFactory(nil)
	received := adyen.Document{
		"storePaymentMethod": true,
		"paymentMethod":      map[string]any{"type": "scheme", "encryptedCardNumber": "enc"},
		"browserInfo":        map[string]any{"userAgent": "ua"},
	}
	req, err := f.ForSubmitPayment(adyen.SubmitPayment{
		Options:   opts(),
		ReturnURL: "https://shop.example.com:8443/checkout/return?x=1",
		Received:  received,
		Order:     testOrder(),
		Shopper:   &adyen.ShopperReference{Identifier: "shopper-1"},
	})
	require.NoError(t, err)

	body := req.Body
	require.Equal(t, true, body["storePaymentMethod"])
	require.Equal(t, "CardOnFile", body["recurringProcessingModel"])
	require.Equal(t, "Ecommerce", body["shopperInteraction"])
	require.Equal(t, true, body.Sub("additionalData")["allow3DS2"])
	require.Equal(t, "shopper-1", body["shopperReference"])
	require.Equal(t, "https://shop.example.com:8443", body["origin"])
	require.Equal(t, "web", body["channel"])
	require.Equal(t, "000000042", body["reference"])
	require.Equal(t, "ID", body["countryCode"])
	require.Equal(t, adyen.Document{"firstName": "Ana", "lastName": "Putri"}, body["shopperName"])
	require.Equal(t, adyen.Document{"userAgent": "ua"}, body["browserInfo"])
	require.Equal(t, "ana@example.com", body["shopperEmail"])
	requireVersioned(t, body)
}

func TestSubmitPaymentIgnoresNonAllowListedAndKeepsBase(t *testing.T) {
	f := newFactory(nil)
	received := adyen.Document{
		"paymentMethod":          map[string]any{"type": "ideal"},
		"reference":              "attacker",
		"amount":                 map[string]any{"value": 1, "currency": "EUR"},
		"riskData":               map[string]any{"clientData": "x"},
		"merchantOrderReference": "ignored",
	}
	req, err := f.ForSubmitPayment(adyen.SubmitPayment{
		Options:   opts(),
		ReturnURL: "https://shop.example.com/return",
		Received:  received,
		Order:     testOrder(),
	})
	require.NoError(t, err)
	require.Equal(t, "000000042", req.Body["reference"])
	require.Equal(t, adyen.Document{"value": int64(12500), "currency": "EUR"}, req.Body["amount"])
	require.NotContains(t, req.Body, "merchantOrderReference")
	require.Contains(t, req.Body, "riskData")
	require.NotContains(t, req.Body, "additionalData")
	require.Equal(t, "https://shop.example.com", req.Body["origin"])
}

func TestSubmitPaymentWithoutBillingAddress(t *testing.T) {
	order := testOrder()
	order.BillingAddress = nil
	req, err := newFactory(nil).ForSubmitPayment(adyen.SubmitPayment{
		Options:   opts(),
		ReturnURL: "https://shop.example.com/return",
		Received:  adyen.Document{},
		Order:     order,
	})
	require.NoError(t, err)
	v, ok := req.Body["countryCode"]
	require.True(t, ok)
	require.Nil(t, v)
	require.Equal(t, adyen.Document{"firstName": "", "lastName": ""}, req.Body["shopperName"])
}

func TestSubmitPaymentMergesManualCaptureAndExtendedData(t *testing.T) {
	esd := &stubCollector{data: adyen.Document{
		"enhancedSchemeData.totalTaxAmount": "100",
		"manualCapture":                     "false-from-esd",
	}}
	req, err := newFactory(esd).ForSubmitPayment(adyen.SubmitPayment{
		Options:       opts(),
		ReturnURL:     "https://shop.example.com/return",
		Received:      adyen.Document{"paymentMethod": map[string]any{"type": "scheme"}},
		Order:         testOrder(),
		ManualCapture: true,
	})
	require.NoError(t, err)
	add := req.Body.Sub("additionalData")
	require.Equal(t, true, add["allow3DS2"])
	require.Equal(t, "100", add["enhancedSchemeData.totalTaxAmount"])
	// collected keys win on conflict
	require.Equal(t, "false-from-esd", add["manualCapture"])
	require.Nil(t, esd.seen)
}

func TestSubmitPaymentPropagatesCollectorError(t *testing.T) {
	boom := errors.New("boom")
	_, err := newFactory(&stubCollector{err: boom}).ForSubmitPayment(adyen.SubmitPayment{
		Options:  opts(),
		Received: adyen.Document{},
		Order:    testOrder(),
	})
	require.ErrorIs(t, err, boom)
}

func TestModificationsRequireOrder(t *testing.T) {
	f := newFactory(nil)
	payment := testPayment(nil)

	builders := map[string]func() (adyen.Request, error){
		"capture":  func() (adyen.Request, error) { return f.ForCapture(opts(), payment) },
		"cancel":   func() (adyen.Request, error) { return f.ForCancel(opts(), payment) },
		"reversal": func() (adyen.Request, error) { return f.ForReversal(opts(), payment) },
		"refund": func() (adyen.Request, error) {
			return f.ForRefund(opts(), payment, adyen.RefundGenerated{Amount: 1, CurrencyCode: "EUR"})
		},
		"payment link": func() (adyen.Request, error) { return f.ForPaymentLink(opts(), payment) },
	}
	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			req, err := build()
			require.ErrorIs(t, err, adyen.ErrInvalidDomainState)
			var domainErr *adyen.InvalidDomainStateError
			require.True(t, errors.As(err, &domainErr))
			require.Nil(t, req.Body)
		})
	}
}

func TestCaptureCancelReversal(t *testing.T) {
	f := newFactory(nil)
	order := testOrder()
	payment := testPayment(&order)

	capture, err := f.ForCapture(opts(), payment)
	require.NoError(t, err)
	require.Equal(t, "PSP123", capture.Target)
	require.Equal(t, adyen.Document{"value": int64(4242), "currency": "EUR"}, capture.Body["amount"])
	require.Equal(t, "000000042", capture.Body["reference"])
	requireVersioned(t, capture.Body)

	cancel, err := f.ForCancel(opts(), payment)
	require.NoError(t, err)
	require.Equal(t, adyen.IntentCancel, cancel.Intent)
	require.NotContains(t, cancel.Body, "amount")
	require.Equal(t, "000000042", cancel.Body["reference"])
	requireVersioned(t, cancel.Body)

	reversal, err := f.ForReversal(opts(), payment)
	require.NoError(t, err)
	require.Equal(t, adyen.IntentReversal, reversal.Intent)
	require.NotContains(t, reversal.Body, "amount")
	requireVersioned(t, reversal.Body)
}

func TestCaptureCollectsExtendedDataWithPayment(t *testing.T) {
	esd := &stubCollector{data: adyen.Document{"enhancedSchemeData.customerReference": "cust-1"}}
	order := testOrder()
	payment := testPayment(&order)

	req, err := newFactory(esd).ForCapture(opts(), payment)
	require.NoError(t, err)
	require.Equal(t, "cust-1", req.Body.Sub("additionalData")["enhancedSchemeData.customerReference"])
	require.NotNil(t, esd.seen)
	require.Equal(t, "pay-1", esd.seen.ID)
}

func TestRefundAmountComesFromRefundEvent(t *testing.T) {
	order := testOrder()
	payment := testPayment(&order)

	req, err := newFactory(nil).ForRefund(opts(), payment, adyen.RefundGenerated{
		RefundPaymentID: "rp-1",
		OrderNumber:     order.Number,
		Amount:          100,
		CurrencyCode:    "USD",
		PaymentID:       payment.ID,
	})
	require.NoError(t, err)
	require.Equal(t, adyen.Document{"value": int64(100), "currency": "USD"}, req.Body["amount"])
	require.Equal(t, "000000042", req.Body["reference"])
	require.Equal(t, "PSP123", req.Target)
	requireVersioned(t, req.Body)
}

func TestTokenRemoveShape(t *testing.T) {
	req, err := newFactory(nil).ForTokenRemove(opts(), "8415", adyen.ShopperReference{Identifier: "shopper-1"})
	require.NoError(t, err)
	require.Equal(t, "8415", req.Body["recurringDetailReference"])
	require.Equal(t, adyen.Document{"merchantAccount": "TokoECOM", "shopperReference": "shopper-1"}, req.Query())
	require.Equal(t, "8415", req.Target)
	requireVersioned(t, req.Body)
}

func TestPaymentLink(t *testing.T) {
	f := newFactory(nil)
	order := testOrder()
	payment := testPayment(&order)

	req, err := f.ForPaymentLink(opts(), payment)
	require.NoError(t, err)
	body := req.Body
	require.Equal(t, "ID", body["countryCode"])
	require.Equal(t, "en-US", body["shopperLocale"])
	require.Equal(t, "TokoECOM", body["merchantAccount"])
	// the link charges the order total, not the amount of the payment row
	require.Equal(t, adyen.Document{"value": int64(12500), "currency": "EUR"}, body["amount"])
	require.Equal(t, "000000042", body["reference"])
	require.NotContains(t, body, "shopperIP")
	require.NotContains(t, body, "shopperIp")
	require.Equal(t, "ana@example.com", body["shopperEmail"])
	requireVersioned(t, body)
}

func TestPaymentLinkCountryPlaceholder(t *testing.T) {
	order := testOrder()
	order.BillingAddress = nil
	order.LocaleCode = ""
	payment := testPayment(&order)

	req, err := newFactory(nil).ForPaymentLink(opts(), payment)
	require.NoError(t, err)
	require.Equal(t, "ZZ", req.Body["countryCode"])
	require.NotContains(t, req.Body, "shopperLocale")
}

func TestPaymentLinkExpirationIsStatusOnly(t *testing.T) {
	req := newFactory(nil).ForPaymentLinkExpiration("PL123")
	require.Equal(t, adyen.Document{"status": "expired"}, req.Body)
	require.Equal(t, "PL123", req.Target)
	require.Equal(t, adyen.IntentPaymentLinkExpiration, req.Intent)
}

func TestPaypalPaymentReceivedFieldsWin(t *testing.T) {
	received := adyen.Document{
		"paymentMethod": map[string]any{"type": "paypal", "subtype": "express"},
		"returnUrl":     "https://override.example.com/back",
	}
	req, err := newFactory(nil).ForPaypalPayment(opts(), received, testOrder(), "https://shop.example.com/return")
	require.NoError(t, err)
	require.Equal(t, "https://override.example.com/back", req.Body["returnUrl"])
	require.Equal(t, adyen.Document{"value": int64(10000), "currency": "EUR"}, req.Body["amount"])
	require.Equal(t, "000000042", req.Body["reference"])
	require.Equal(t, adyen.IntentPaypalPayment, req.Intent)
	requireVersioned(t, req.Body)
}

func TestPaypalUpdateOrder(t *testing.T) {
	req := newFactory(nil).ForPaypalUpdateOrder("PSP9", "data", testOrder())
	require.Equal(t, "PSP9", req.Body["pspReference"])
	require.Equal(t, "data", req.Body["paymentData"])
	require.Equal(t, adyen.Document{"value": int64(12500), "currency": "EUR"}, req.Body["amount"])
	require.Len(t, req.Body["deliveryMethods"], 1)
	requireVersioned(t, req.Body)
}

func TestOrigin(t *testing.T) {
	cases := map[string]string{
		"https://shop.example.com/return":      "https://shop.example.com",
		"http://localhost:8080/a?b=c":          "http://localhost:8080",
		"https://user:pw@shop.example.com/x#y": "https://shop.example.com",
		"not a url":                            "://",
		"":                                     "://",
		"http://[::1":                          "://",
		"http://[::1]:8080/x":                  "http://[::1]:8080",
		"https://[2001:db8::1]/pay":            "https://[2001:db8::1]",
	}
	for in, want := range cases {
		require.Equal(t, want, adyen.Origin(in), in)
	}
}
