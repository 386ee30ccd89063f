package adyen

import "sort"

// Document is a loosely structured Checkout API body. Nested objects are
// either Document or map[string]any (the latter when decoded from JSON).
type Document map[string]any

// Clone returns a deep copy of the document. Nested documents, maps and
// slices are copied; scalar values are shared.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Document:
		return val.Clone()
	case map[string]any:
		return Document(val).Clone()
	case []any:
		cp := make([]any, len(val))
		for i := range val {
			cp[i] = cloneValue(val[i])
		}
		return cp
	case []Document:
		cp := make([]Document, len(val))
		for i := range val {
			cp[i] = val[i].Clone()
		}
		return cp
	default:
		return v
	}
}

// Sub returns the nested document stored under key, or nil when the key is
// absent or does not hold an object.
func (d Document) Sub(key string) Document {
	switch val := d[key].(type) {
	case Document:
		return val
	case map[string]any:
		return Document(val)
	default:
		return nil
	}
}

// String returns the string stored under key, or "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bool reports whether key holds true. JSON-decoded "true" strings count.
func (d Document) Bool(key string) bool {
	switch val := d[key].(type) {
	case bool:
		return val
	case string:
		return val == "true" || val == "1"
	default:
		return false
	}
}

// Has reports whether key is present, even with a nil value.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Keys returns the document keys in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// overlay returns a copy of base with every key of top written over it.
func overlay(base, top Document) Document {
	out := base.Clone()
	for k, v := range top {
		out[k] = cloneValue(v)
	}
	return out
}

// fill returns a copy of base with keys from defaults added only where base
// has no value for them.
func fill(base, defaults Document) Document {
	out := base.Clone()
	for k, v := range defaults {
		if _, ok := out[k]; ok {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// pick returns a copy holding only the listed keys that are present in d.
func pick(d Document, keys ...string) Document {
	out := Document{}
	for _, k := range keys {
		if v, ok := d[k]; ok {
			out[k] = cloneValue(v)
		}
	}
	return out
}

// mergeAdditionalData merges extra into the additionalData object of a copy
// of d. Existing additionalData keys survive unless extra overrides them.
func mergeAdditionalData(d Document, extra Document) Document {
	out := d.Clone()
	merged := out.Sub(keyAdditionalData)
	if merged == nil {
		merged = Document{}
	}
	for k, v := range extra {
		merged[k] = cloneValue(v)
	}
	out[keyAdditionalData] = merged
	return out
}

// paymentMethodType returns paymentMethod.type when present.
func paymentMethodType(d Document) (string, bool) {
	pm := d.Sub(keyPaymentMethod)
	if pm == nil {
		return "", false
	}
	v, ok := pm["type"]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
