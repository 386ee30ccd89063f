package payment

import (
	"context"
	"fmt"
	"slices"

	"github.com/noah-isme/toko-adyen/internal/adyen"
)

// Methods is the payment method list handed to the checkout component.
type Methods struct {
	PaymentMethods       []adyen.Document `json:"paymentMethods"`
	StoredPaymentMethods []adyen.Document `json:"storedPaymentMethods"`
}

// MethodsProvider queries the methods available for an order.
type MethodsProvider struct {
	Gateway       Gateway
	Factory       *adyen.PayloadFactory
	Options       adyen.Options
	ManualCapture bool
	Shoppers      ShopperResolver
	// AllowedTypes restricts the offered method types. Empty allows all.
	AllowedTypes []string
}

// ForOrder returns the available methods. Stored methods are only offered
// when their type is also available.
func (m MethodsProvider) ForOrder(ctx context.Context, order adyen.Order, userID, locale string) (Methods, error) {
	shopper, err := m.Shoppers.Resolve(ctx, order, userID)
	if err != nil {
		return Methods{}, err
	}
	if locale == "" {
		locale = order.LocaleCode
	}
	req, err := m.Factory.ForAvailablePaymentMethods(m.Options, order, locale, shopper, m.ManualCapture)
	if err != nil {
		return Methods{}, err
	}
	resp, err := m.Gateway.Send(ctx, req)
	if err != nil {
		return Methods{}, fmt.Errorf("fetch payment methods: %w", err)
	}

	available := filterMethods(documents(resp["paymentMethods"]), func(d adyen.Document) bool {
		return len(m.AllowedTypes) == 0 || slices.Contains(m.AllowedTypes, d.String("type"))
	})
	types := make([]string, 0, len(available))
	for _, d := range available {
		types = append(types, d.String("type"))
	}
	stored := filterMethods(documents(resp["storedPaymentMethods"]), func(d adyen.Document) bool {
		return slices.Contains(types, d.String("type"))
	})
	return Methods{PaymentMethods: available, StoredPaymentMethods: stored}, nil
}

func documents(v any) []adyen.Document {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]adyen.Document, 0, len(list))
	for _, item := range list {
		switch d := item.(type) {
		case map[string]any:
			out = append(out, adyen.Document(d))
		case adyen.Document:
			out = append(out, d)
		}
	}
	return out
}

func filterMethods(in []adyen.Document, keep func(adyen.Document) bool) []adyen.Document {
	out := make([]adyen.Document, 0, len(in))
	for _, d := range in {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
