package adyen

import (
	"fmt"
	"net/url"
	"strings"
)

// Intent names the Checkout operation a Request is destined for.
type Intent string

const (
	IntentPaymentMethods        Intent = "payment_methods"
	IntentPaymentDetails        Intent = "payment_details"
	IntentSubmitPayment         Intent = "submit_payment"
	IntentCapture               Intent = "capture"
	IntentCancel                Intent = "cancel"
	IntentTokenRemove           Intent = "token_remove"
	IntentRefund                Intent = "refund"
	IntentReversal              Intent = "reversal"
	IntentPaymentLink           Intent = "payment_link"
	IntentPaymentLinkExpiration Intent = "payment_link_expiration"
	IntentPaypalPayment         Intent = "paypal_payment"
	IntentPaypalUpdateOrder     Intent = "paypal_update_order"
)

// NoCountryPlaceholder is sent as countryCode on payment links when the order
// has no billing address.
const NoCountryPlaceholder = "ZZ"

const (
	keyAdditionalData           = "additionalData"
	keyApplicationInfo          = "applicationInfo"
	keyPaymentMethod            = "paymentMethod"
	keyShopperReference         = "shopperReference"
	keyStorePaymentMethod       = "storePaymentMethod"
	keyRecurringProcessingModel = "recurringProcessingModel"
	keyShopperInteraction       = "shopperInteraction"
	keyQueryParams              = "queryParams"

	schemeType        = "scheme"
	cardOnFile        = "CardOnFile"
	ecommerce         = "Ecommerce"
	linkStatusExpired = "expired"
)

// receivedAllowList holds the client payload keys copied into a payment submission.
var receivedAllowList = []string{"browserInfo", "paymentMethod", "clientStateDataIndicator", "riskData"}

// Request is one outbound Checkout call. Body is the JSON document; Target is
// the identifier addressed in the endpoint path (psp reference, link id or
// stored method reference) and is never part of the body.
type Request struct {
	Intent Intent
	Body   Document
	Target string
}

// Query returns the query parameters nested in the body, if any.
func (r Request) Query() Document {
	return r.Body.Sub(keyQueryParams)
}

// SubmitPayment carries the inputs of a payment submission.
type SubmitPayment struct {
	Options       Options
	ReturnURL     string
	Received      Document
	Order         Order
	ManualCapture bool
	Shopper       *ShopperReference
}

// PayloadFactory builds every outbound request document. It holds no state
// beyond its collaborators and is safe for concurrent use.
type PayloadFactory struct {
	version    VersionAppender
	normalizer OrderProjector
	esd        ExtendedDataCollector
}

// NewPayloadFactory wires the factory. normalizer is required; a nil esd
// collector leaves extended scheme data out of every authorisation.
func NewPayloadFactory(version VersionAppender, normalizer OrderProjector, esd ExtendedDataCollector) *PayloadFactory {
	return &PayloadFactory{version: version, normalizer: normalizer, esd: esd}
}

// ForAvailablePaymentMethods builds the /paymentMethods query.
func (f *PayloadFactory) ForAvailablePaymentMethods(opts Options, order Order, locale string, shopper *ShopperReference, manualCapture bool) (Request, error) {
	merchant, err := opts.MerchantAccount()
	if err != nil {
		return Request{}, err
	}
	countryCode := ""
	if order.BillingAddress != nil {
		countryCode = order.BillingAddress.CountryCode
	}
	payload := Document{
		"amount":          Amount{Value: order.Total, Currency: order.CurrencyCode}.document(),
		"merchantAccount": merchant,
		"countryCode":     countryCode,
		"shopperLocale":   locale,
		"channel":         "Web",
	}
	payload = withShopperReference(payload, shopper)
	payload = withTokenization(payload, shopper, false)
	payload = withManualCapture(payload, manualCapture)
	return f.finish(IntentPaymentMethods, payload, ""), nil
}

// ForPaymentDetails builds a 3DS or redirect continuation from the client payload.
func (f *PayloadFactory) ForPaymentDetails(received Document, shopper *ShopperReference) Request {
	payload := received.Clone()
	payload = withShopperReference(payload, shopper)
	payload = withTokenization(payload, shopper, false)
	return f.finish(IntentPaymentDetails, payload, "")
}

// ForSubmitPayment builds a /payments submission. Constructed fields win over
// the allow-listed client fields; order fields only fill gaps.
func (f *PayloadFactory) ForSubmitPayment(in SubmitPayment) (Request, error) {
	merchant, err := in.Options.MerchantAccount()
	if err != nil {
		return Request{}, err
	}
	order := in.Order
	var countryCode any
	firstName, lastName := "", ""
	if b := order.BillingAddress; b != nil {
		countryCode = b.CountryCode
		firstName, lastName = b.FirstName, b.LastName
	}
	base := Document{
		"amount":          Amount{Value: order.Total, Currency: order.CurrencyCode}.document(),
		"reference":       order.Number,
		"merchantAccount": merchant,
		"returnUrl":       in.ReturnURL,
		"channel":         "web",
		"origin":          Origin(in.ReturnURL),
		"countryCode":     countryCode,
		"shopperName":     Document{"firstName": firstName, "lastName": lastName},
	}
	base = withThreeDS(base, in.Received)
	payload := overlay(pick(in.Received, receivedAllowList...), base)

	payload = withShopperReference(payload, in.Shopper)
	payload = withTokenization(payload, in.Shopper, in.Received.Bool(keyStorePaymentMethod))

	orderDoc, err := f.normalizer.Normalize(order)
	if err != nil {
		return Request{}, fmt.Errorf("normalize order %s: %w", order.Number, err)
	}
	payload = fill(payload, orderDoc)
	payload = withManualCapture(payload, in.ManualCapture)

	payload, err = f.withExtendedData(payload, order, in.Options, nil)
	if err != nil {
		return Request{}, err
	}
	return f.finish(IntentSubmitPayment, payload, ""), nil
}

// ForCapture builds a capture of the full payment amount. Level 2/3 data is
// attached when the gateway has ESD enabled.
func (f *PayloadFactory) ForCapture(opts Options, payment Payment) (Request, error) {
	order, err := requireOrder(IntentCapture, payment)
	if err != nil {
		return Request{}, err
	}
	merchant, err := opts.MerchantAccount()
	if err != nil {
		return Request{}, err
	}
	payload := Document{
		"merchantAccount": merchant,
		"amount":          Amount{Value: payment.Amount, Currency: payment.CurrencyCode}.document(),
		"reference":       order.Number,
	}
	payload, err = f.withExtendedData(payload, *order, opts, &payment)
	if err != nil {
		return Request{}, err
	}
	return f.finish(IntentCapture, payload, payment.PSPReference()), nil
}

// ForCancel builds a cancellation of an authorised payment.
func (f *PayloadFactory) ForCancel(opts Options, payment Payment) (Request, error) {
	return f.referenceOnly(IntentCancel, opts, payment)
}

// ForReversal builds a cancel-or-refund of a payment.
func (f *PayloadFactory) ForReversal(opts Options, payment Payment) (Request, error) {
	return f.referenceOnly(IntentReversal, opts, payment)
}

func (f *PayloadFactory) referenceOnly(intent Intent, opts Options, payment Payment) (Request, error) {
	order, err := requireOrder(intent, payment)
	if err != nil {
		return Request{}, err
	}
	merchant, err := opts.MerchantAccount()
	if err != nil {
		return Request{}, err
	}
	payload := Document{
		"merchantAccount": merchant,
		"reference":       order.Number,
	}
	return f.finish(intent, payload, payment.PSPReference()), nil
}

// ForRefund builds a refund for the amount carried by the refund event.
func (f *PayloadFactory) ForRefund(opts Options, payment Payment, refund RefundGenerated) (Request, error) {
	order, err := requireOrder(IntentRefund, payment)
	if err != nil {
		return Request{}, err
	}
	merchant, err := opts.MerchantAccount()
	if err != nil {
		return Request{}, err
	}
	payload := Document{
		"merchantAccount": merchant,
		"amount":          Amount{Value: refund.Amount, Currency: refund.CurrencyCode}.document(),
		"reference":       order.Number,
	}
	return f.finish(IntentRefund, payload, payment.PSPReference()), nil
}

// ForTokenRemove builds the removal of a stored payment method. The
// merchant account and shopper travel as query parameters.
func (f *PayloadFactory) ForTokenRemove(opts Options, paymentReference string, shopper ShopperReference) (Request, error) {
	merchant, err := opts.MerchantAccount()
	if err != nil {
		return Request{}, err
	}
	payload := Document{
		"recurringDetailReference": paymentReference,
		keyQueryParams: Document{
			"merchantAccount":  merchant,
			"shopperReference": shopper.Identifier,
		},
	}
	return f.finish(IntentTokenRemove, payload, paymentReference), nil
}

// ForPaymentLink builds a pay-by-link creation from the normalized order.
func (f *PayloadFactory) ForPaymentLink(opts Options, payment Payment) (Request, error) {
	order, err := requireOrder(IntentPaymentLink, payment)
	if err != nil {
		return Request{}, err
	}
	merchant, err := opts.MerchantAccount()
	if err != nil {
		return Request{}, err
	}
	orderDoc, err := f.normalizer.Normalize(*order)
	if err != nil {
		return Request{}, fmt.Errorf("normalize order %s: %w", order.Number, err)
	}
	countryCode := NoCountryPlaceholder
	if order.BillingAddress != nil && order.BillingAddress.CountryCode != "" {
		countryCode = order.BillingAddress.CountryCode
	}
	payload := overlay(orderDoc, Document{
		"amount":          Amount{Value: order.Total, Currency: order.CurrencyCode}.document(),
		"reference":       order.Number,
		"countryCode":     countryCode,
		"merchantAccount": merchant,
	})
	if order.LocaleCode != "" {
		payload["shopperLocale"] = strings.ReplaceAll(order.LocaleCode, "_", "-")
	}
	delete(payload, "shopperIP")
	delete(payload, "shopperIp")
	return f.finish(IntentPaymentLink, payload, ""), nil
}

// ForPaymentLinkExpiration builds the status update expiring a payment link.
// It is the only request sent without application info.
func (f *PayloadFactory) ForPaymentLinkExpiration(linkID string) Request {
	return Request{
		Intent: IntentPaymentLinkExpiration,
		Body:   Document{"status": linkStatusExpired},
		Target: linkID,
	}
}

// ForPaypalPayment builds a PayPal /payments submission. The client payload
// is merged last and overrides constructed fields.
func (f *PayloadFactory) ForPaypalPayment(opts Options, received Document, order Order, returnURL string) (Request, error) {
	merchant, err := opts.MerchantAccount()
	if err != nil {
		return Request{}, err
	}
	payload := Document{
		"merchantAccount": merchant,
		"amount":          Amount{Value: order.ItemsSubtotal, Currency: order.CurrencyCode}.document(),
		"reference":       order.Number,
		"returnUrl":       returnURL,
	}
	payload = overlay(payload, received)
	return f.finish(IntentPaypalPayment, payload, ""), nil
}

// ForPaypalUpdateOrder builds the amount update sent after the shopper picks
// a delivery method in the PayPal express flow.
func (f *PayloadFactory) ForPaypalUpdateOrder(pspReference, paymentData string, order Order) Request {
	payload := Document{
		"pspReference": pspReference,
		"paymentData":  paymentData,
		"amount":       Amount{Value: order.ItemsSubtotal + order.ShippingTotal, Currency: order.CurrencyCode}.document(),
	}
	if order.ShippingTotal > 0 {
		payload["deliveryMethods"] = []any{Document{
			"reference":   "shipping",
			"description": "Shipping",
			"type":        "Shipping",
			"amount":      Amount{Value: order.ShippingTotal, Currency: order.CurrencyCode}.document(),
			"selected":    true,
		}}
	}
	return f.finish(IntentPaypalUpdateOrder, payload, "")
}

func (f *PayloadFactory) finish(intent Intent, payload Document, target string) Request {
	return Request{
		Intent: intent,
		Body:   f.version.AppendVersionConstraints(payload),
		Target: target,
	}
}

func (f *PayloadFactory) withExtendedData(payload Document, order Order, opts Options, payment *Payment) (Document, error) {
	if f.esd == nil {
		return payload, nil
	}
	data, err := f.esd.Collect(order, opts, payload, payment)
	if err != nil {
		return nil, fmt.Errorf("extended data for order %s: %w", order.Number, err)
	}
	if len(data) == 0 {
		return payload, nil
	}
	return mergeAdditionalData(payload, data), nil
}

func requireOrder(intent Intent, payment Payment) (*Order, error) {
	if payment.Order == nil {
		return nil, &InvalidDomainStateError{Intent: intent, Relation: "payment order"}
	}
	return payment.Order, nil
}

func withShopperReference(payload Document, shopper *ShopperReference) Document {
	if shopper == nil || shopper.Identifier == "" {
		return payload
	}
	out := payload.Clone()
	out[keyShopperReference] = shopper.Identifier
	return out
}

// withTokenization marks the payment as card on file when a shopper is known
// and the selected method, if any, is a card.
func withTokenization(payload Document, shopper *ShopperReference, store bool) Document {
	if shopper == nil || shopper.Identifier == "" {
		return payload
	}
	if typ, ok := paymentMethodType(payload); ok && typ != schemeType {
		return payload
	}
	out := payload.Clone()
	out[keyRecurringProcessingModel] = cardOnFile
	out[keyShopperInteraction] = ecommerce
	if store {
		out[keyStorePaymentMethod] = true
	}
	return out
}

func withManualCapture(payload Document, manual bool) Document {
	if !manual {
		return payload
	}
	return mergeAdditionalData(payload, Document{"manualCapture": "true"})
}

func withThreeDS(payload Document, received Document) Document {
	if typ, ok := paymentMethodType(received); !ok || typ != schemeType {
		return payload
	}
	return mergeAdditionalData(payload, Document{"allow3DS2": true})
}

// Origin returns scheme://host[:port] of rawURL. IPv6 hosts keep their
// brackets. Unparseable input yields empty segments rather than an error.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "://"
	}
	return u.Scheme + "://" + u.Host
}
