package adyen

import (
	"fmt"
	"math"
	"strings"
)

// OrderProjector flattens an order into Checkout API fields.
type OrderProjector interface {
	Normalize(order Order) (Document, error)
}

// OrderNormalizer is the default OrderProjector. Keys without data are omitted.
type OrderNormalizer struct{}

// Normalize projects customer, addresses and line items of order.
func (OrderNormalizer) Normalize(order Order) (Document, error) {
	out := Document{}
	if c := order.Customer; c != nil {
		if c.Email != "" {
			out["shopperEmail"] = c.Email
		}
		if c.BirthDate != nil && !c.BirthDate.IsZero() {
			out["dateOfBirth"] = c.BirthDate.Format("2006-01-02")
		}
		if c.Phone != "" {
			out["telephoneNumber"] = c.Phone
		}
	}
	if order.LocaleCode != "" {
		out["shopperLocale"] = order.LocaleCode
	}
	if order.CustomerIP != "" {
		out["shopperIP"] = order.CustomerIP
	}
	if b := order.BillingAddress; b != nil {
		out["billingAddress"] = addressDocument(*b)
		out["countryCode"] = b.CountryCode
		if _, ok := out["telephoneNumber"]; !ok && b.PhoneNumber != "" {
			out["telephoneNumber"] = b.PhoneNumber
		}
		out["shopperName"] = Document{"firstName": b.FirstName, "lastName": b.LastName}
	}
	if s := order.ShippingAddress; s != nil {
		out["deliveryAddress"] = addressDocument(*s)
	}

	if len(order.Items) > 0 {
		lines := make([]any, 0, len(order.Items))
		for _, item := range order.Items {
			if item.Quantity <= 0 {
				return nil, fmt.Errorf("normalize order %s: item %s has quantity %d", order.Number, item.ID, item.Quantity)
			}
			lines = append(lines, lineItemDocument(item))
		}
		out["lineItems"] = lines
	}
	return out, nil
}

func addressDocument(a Address) Document {
	street, house := splitStreet(a.Street)
	doc := Document{
		"street":            street,
		"houseNumberOrName": house,
		"postalCode":        a.PostalCode,
		"city":              a.City,
		"country":           a.CountryCode,
	}
	if a.Province != "" {
		doc["stateOrProvince"] = a.Province
	}
	return doc
}

// splitStreet separates a trailing house number from the street line.
func splitStreet(line string) (string, string) {
	line = strings.TrimSpace(line)
	i := strings.LastIndexByte(line, ' ')
	if i <= 0 {
		return line, ""
	}
	tail := line[i+1:]
	if tail == "" || tail[0] < '0' || tail[0] > '9' {
		return line, ""
	}
	return strings.TrimSpace(line[:i]), tail
}

func lineItemDocument(item OrderItem) Document {
	unitTax := item.TaxTotal / int64(item.Quantity)
	unitNet := (item.Total - item.TaxTotal) / int64(item.Quantity)
	doc := Document{
		"id":                 item.ID,
		"description":        itemDescription(item),
		"quantity":           item.Quantity,
		"amountExcludingTax": unitNet,
		"amountIncludingTax": unitNet + unitTax,
		"taxAmount":          unitTax,
		// expressed in minor units of a percent, 21% is 2100
		"taxPercentage": int64(math.Round(item.TaxRate * 10000)),
	}
	if item.ProductURL != "" {
		doc["productUrl"] = item.ProductURL
	}
	return doc
}
