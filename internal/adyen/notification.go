package adyen

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const additionalModificationAction = "modification.action"

// NotificationItem is one NotificationRequestItem of a standard notification.
type NotificationItem struct {
	EventCode           string            `json:"eventCode"`
	Success             bool              `json:"success"`
	PSPReference        string            `json:"pspReference"`
	OriginalReference   string            `json:"originalReference,omitempty"`
	MerchantReference   string            `json:"merchantReference"`
	MerchantAccountCode string            `json:"merchantAccountCode"`
	PaymentMethod       string            `json:"paymentMethod,omitempty"`
	EventDate           string            `json:"eventDate,omitempty"`
	Reason              string            `json:"reason,omitempty"`
	Amount              Amount            `json:"amount"`
	AdditionalData      map[string]string `json:"additionalData,omitempty"`
}

// ModificationAction returns the cancel_or_refund hint.
func (n NotificationItem) ModificationAction() string {
	return n.AdditionalData[additionalModificationAction]
}

// IsModification reports whether the item answers a modification request
// rather than a fresh authorisation.
func (n NotificationItem) IsModification() bool {
	return n.OriginalReference != ""
}

// NotificationRequest is a batch of notification items.
type NotificationRequest struct {
	Live  bool
	Items []NotificationItem
}

type rawNotification struct {
	Live              string `json:"live"`
	NotificationItems []struct {
		Item *rawItem `json:"NotificationRequestItem"`
	} `json:"notificationItems"`
}

type rawItem struct {
	EventCode           string         `json:"eventCode"`
	Success             string         `json:"success"`
	PSPReference        string         `json:"pspReference"`
	OriginalReference   string         `json:"originalReference"`
	MerchantReference   string         `json:"merchantReference"`
	MerchantAccountCode string         `json:"merchantAccountCode"`
	PaymentMethod       string         `json:"paymentMethod"`
	EventDate           string         `json:"eventDate"`
	Reason              string         `json:"reason"`
	Amount              Amount         `json:"amount"`
	AdditionalData      map[string]any `json:"additionalData"`
}

// ErrMalformedNotification is returned for bodies that are not a notification batch.
var ErrMalformedNotification = errors.New("adyen: malformed notification")

// ParseNotificationRequest decodes a JSON notification batch. Event codes are
// lower-cased and success flags turned into booleans.
func ParseNotificationRequest(body []byte) (NotificationRequest, error) {
	var raw rawNotification
	if err := json.Unmarshal(body, &raw); err != nil {
		return NotificationRequest{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if len(raw.NotificationItems) == 0 {
		return NotificationRequest{}, fmt.Errorf("%w: no items", ErrMalformedNotification)
	}
	out := NotificationRequest{Live: raw.Live == "true"}
	for i, wrapper := range raw.NotificationItems {
		if wrapper.Item == nil {
			return NotificationRequest{}, fmt.Errorf("%w: item %d is empty", ErrMalformedNotification, i)
		}
		it := wrapper.Item
		if it.EventCode == "" || it.PSPReference == "" {
			return NotificationRequest{}, fmt.Errorf("%w: item %d lacks eventCode or pspReference", ErrMalformedNotification, i)
		}
		success, _ := strconv.ParseBool(it.Success)
		item := NotificationItem{
			EventCode:           strings.ToLower(strings.TrimSpace(it.EventCode)),
			Success:             success,
			PSPReference:        it.PSPReference,
			OriginalReference:   it.OriginalReference,
			MerchantReference:   it.MerchantReference,
			MerchantAccountCode: it.MerchantAccountCode,
			PaymentMethod:       it.PaymentMethod,
			EventDate:           it.EventDate,
			Reason:              it.Reason,
			Amount:              it.Amount,
		}
		if len(it.AdditionalData) > 0 {
			item.AdditionalData = make(map[string]string, len(it.AdditionalData))
			for k, v := range it.AdditionalData {
				if s, ok := v.(string); ok {
					item.AdditionalData[k] = s
				} else if v != nil {
					item.AdditionalData[k] = fmt.Sprint(v)
				}
			}
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}
