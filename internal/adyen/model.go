package adyen

import (
	"strconv"
	"strings"
	"time"
)

// Options is the gateway configuration of an Adyen payment method. Only the
// keys the builders read carry meaning here.
type Options map[string]any

// Option keys read by the payload factory and the ESD collectors.
const (
	OptionMerchantAccount       = "merchantAccount"
	OptionESDEnabled            = "esdEnabled"
	OptionESDType               = "esdType"
	OptionESDCurrencies         = "esdCurrencies"
	OptionMerchantCategoryCode  = "merchantCategoryCode"
	OptionESDMerchantCategories = "esdMerchantCategoryCodes"
	OptionCaptureMode           = "captureMode"
)

// MerchantAccount returns the configured merchant account.
func (o Options) MerchantAccount() (string, error) {
	v, ok := o[OptionMerchantAccount]
	if !ok || v == nil {
		return "", &MissingConfigurationError{Key: OptionMerchantAccount}
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", &MissingConfigurationError{Key: OptionMerchantAccount}
	}
	return s, nil
}

// String returns the string option stored under key.
func (o Options) String(key string) string {
	switch v := o[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return ""
	}
}

// Bool interprets the option as a flag. Strings such as "1" or "true" count.
func (o Options) Bool(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	default:
		return false
	}
}

// Strings returns a list option. Comma separated strings are split.
func (o Options) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// Clone returns a shallow copy of the options.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Amount is a minor-unit value in a currency.
type Amount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency"`
}

func (a Amount) document() Document {
	return Document{"value": a.Value, "currency": a.Currency}
}

// Address is a read-only view of an order address.
type Address struct {
	FirstName   string
	LastName    string
	Company     string
	Street      string
	PostalCode  string
	City        string
	CountryCode string
	Province    string
	PhoneNumber string
}

// Customer is the shopper who placed an order.
type Customer struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Phone     string
	BirthDate *time.Time
	// UserID is set when the customer has a shop account.
	UserID string
}

// OrderItem is a single order line.
type OrderItem struct {
	ID            string
	ProductName   string
	VariantName   string
	ProductCode   string
	Quantity      int
	UnitPrice     int64
	Total         int64
	TaxTotal      int64
	TaxRate       float64
	DiscountTotal int64
	ProductURL    string
}

// Order is a read-only snapshot of the order aggregate. The core never mutates it.
type Order struct {
	ID              string
	Number          string
	Total           int64
	ItemsSubtotal   int64
	ShippingTotal   int64
	TaxTotal        int64
	CurrencyCode    string
	LocaleCode      string
	BillingAddress  *Address
	ShippingAddress *Address
	Customer        *Customer
	CustomerIP      string
	Items           []OrderItem
	CompletedAt     time.Time
}

// Payment is a read-only snapshot of a payment and its associated order.
type Payment struct {
	ID           string
	MethodCode   string
	Amount       int64
	CurrencyCode string
	State        string
	Order        *Order
	Details      Document
}

// PSPReference returns the processor reference stored on the payment details.
func (p Payment) PSPReference() string {
	return p.Details.String(DetailPSPReference)
}

// Detail keys stored on Payment.Details.
const (
	DetailPSPReference   = "pspReference"
	DetailResultCode     = "resultCode"
	DetailPaymentLinkID  = "paymentLinkId"
	DetailPaymentLinkURL = "paymentLinkUrl"
	DetailPaymentMethod  = "paymentMethod"
)

// ShopperReference identifies a returning shopper for tokenised payments.
type ShopperReference struct {
	Identifier string
}

// RefundGenerated describes a refund issued for an order payment. Its amount,
// not the original payment amount, is what gets refunded.
type RefundGenerated struct {
	RefundPaymentID string
	OrderNumber     string
	Amount          int64
	CurrencyCode    string
	PaymentMethodID string
	PaymentID       string
}
