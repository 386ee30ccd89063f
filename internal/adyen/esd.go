package adyen

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ExtendedDataCollector produces supplemental scheme data for a payload.
// An empty result means nothing applies.
type ExtendedDataCollector interface {
	Collect(order Order, gatewayConfig Options, payload Document, payment *Payment) (Document, error)
}

// TypedCollector is one ESD level the composite collector may delegate to.
type TypedCollector interface {
	ExtendedDataCollector
	Supports(order Order, gatewayConfig Options) bool
}

const (
	ESDLevel2 = "level2"
	ESDLevel3 = "level3"

	defaultESDCurrency   = "USD"
	esdDescriptionMaxLen = 26
	esdUnitOfMeasure     = "EA"
	esdDateLayout        = "020106"
	optionCommodityCode  = "esdCommodityCode"
)

// ESDCollector runs every registered collector that supports the order and
// merges their output. Later collectors win on key conflicts.
type ESDCollector struct {
	collectors []TypedCollector
}

// NewESDCollector returns a composite collector. With no arguments the level 2
// and level 3 collectors are registered.
func NewESDCollector(collectors ...TypedCollector) *ESDCollector {
	if len(collectors) == 0 {
		collectors = []TypedCollector{Level2Collector{}, Level3Collector{}}
	}
	return &ESDCollector{collectors: collectors}
}

// Collect merges the output of every collector that supports order. A later
// collector overwrites keys of an earlier one.
func (c *ESDCollector) Collect(order Order, cfg Options, payload Document, payment *Payment) (Document, error) {
	out := Document{}
	for _, col := range c.collectors {
		if !col.Supports(order, cfg) {
			continue
		}
		data, err := col.Collect(order, cfg, payload, payment)
		if err != nil {
			return nil, fmt.Errorf("collect extended data: %w", err)
		}
		for k, v := range data {
			out[k] = v
		}
	}
	return out, nil
}

// esdApplies checks the settings shared by every level.
func esdApplies(order Order, cfg Options, level string) bool {
	if !cfg.Bool(OptionESDEnabled) {
		return false
	}
	configured := strings.ToLower(cfg.String(OptionESDType))
	if configured == "" {
		configured = ESDLevel2
	}
	if configured != level {
		return false
	}
	currencies := cfg.Strings(OptionESDCurrencies)
	if len(currencies) == 0 {
		currencies = []string{defaultESDCurrency}
	}
	if !slices.ContainsFunc(currencies, func(c string) bool { return strings.EqualFold(c, order.CurrencyCode) }) {
		return false
	}
	if mcc := cfg.String(OptionMerchantCategoryCode); mcc != "" {
		if allowed := cfg.Strings(OptionESDMerchantCategories); len(allowed) > 0 && !slices.Contains(allowed, mcc) {
			return false
		}
	}
	return true
}

// Level2Collector emits customer reference and tax total.
type Level2Collector struct{}

// Supports reports whether level 2 data is enabled and order is eligible.
func (Level2Collector) Supports(order Order, cfg Options) bool {
	return esdApplies(order, cfg, ESDLevel2)
}

// Collect returns the level 2 keys. It never fails.
func (Level2Collector) Collect(order Order, _ Options, _ Document, _ *Payment) (Document, error) {
	return level2Data(order), nil
}

func level2Data(order Order) Document {
	ref := order.Number
	if order.Customer != nil && order.Customer.ID != "" {
		ref = order.Customer.ID
	}
	return Document{
		"enhancedSchemeData.customerReference": ref,
		"enhancedSchemeData.totalTaxAmount":    strconv.FormatInt(order.TaxTotal, 10),
	}
}

// Level3Collector emits level 2 data plus freight, destination and per line details.
type Level3Collector struct{}

// Supports reports whether level 3 data is enabled and order is eligible.
func (Level3Collector) Supports(order Order, cfg Options) bool {
	return esdApplies(order, cfg, ESDLevel3)
}

// Collect fails for orders without items.
func (Level3Collector) Collect(order Order, cfg Options, _ Document, _ *Payment) (Document, error) {
	if len(order.Items) == 0 {
		return nil, fmt.Errorf("order %s has no items for level 3 data", order.Number)
	}
	out := level2Data(order)
	out["enhancedSchemeData.freightAmount"] = strconv.FormatInt(order.ShippingTotal, 10)

	dest := order.ShippingAddress
	if dest == nil {
		dest = order.BillingAddress
	}
	if dest != nil {
		if dest.PostalCode != "" {
			out["enhancedSchemeData.destinationPostalCode"] = dest.PostalCode
		}
		if dest.CountryCode != "" {
			out["enhancedSchemeData.destinationCountryCode"] = dest.CountryCode
		}
	}
	if !order.CompletedAt.IsZero() {
		out["enhancedSchemeData.orderDate"] = order.CompletedAt.Format(esdDateLayout)
	}

	commodity := cfg.String(optionCommodityCode)
	for i, item := range order.Items {
		prefix := fmt.Sprintf("enhancedSchemeData.itemDetailLine%d.", i+1)
		out[prefix+"description"] = truncate(itemDescription(item), esdDescriptionMaxLen)
		out[prefix+"productCode"] = item.ProductCode
		out[prefix+"quantity"] = strconv.Itoa(item.Quantity)
		out[prefix+"unitOfMeasure"] = esdUnitOfMeasure
		out[prefix+"unitPrice"] = strconv.FormatInt(item.UnitPrice, 10)
		out[prefix+"totalAmount"] = strconv.FormatInt(item.Total, 10)
		out[prefix+"discountAmount"] = strconv.FormatInt(item.DiscountTotal, 10)
		if commodity != "" {
			out[prefix+"commodityCode"] = commodity
		}
	}
	return out, nil
}

func itemDescription(item OrderItem) string {
	if item.VariantName == "" || item.VariantName == item.ProductName {
		return item.ProductName
	}
	return item.ProductName + " " + item.VariantName
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
