package chatkit

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
// NOTE: This is the length of the full "confirm:<kind>:<payload>" string.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("chatkit: callback_data too long")

const confirmPrefix = "confirm"

// Confirmation kinds routed back through callback data. The kind is derived
// from the message content so the confirmation callback can tell what the
// recipient acknowledged without a round-trip to the business API.
const (
	KindPickup  = "pickup"
	KindReturn  = "return"
	KindPayment = "payment"
	KindGeneric = "ack"
)

// DetectKind matches known phrases in a notification message to a
// confirmation kind discriminator.
func DetectKind(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "pick up") || strings.Contains(m, "pickup") || strings.Contains(m, "collect"):
		return KindPickup
	case strings.Contains(m, "return") || strings.Contains(m, "bring back"):
		return KindReturn
	case strings.Contains(m, "payment") || strings.Contains(m, "invoice") || strings.Contains(m, "pay "):
		return KindPayment
	default:
		return KindGeneric
	}
}

// ConfirmData formats callback data as "confirm:<kind>:<payload>".
func ConfirmData(kind, payload string) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = KindGeneric
	}
	data := confirmPrefix + ":" + kind
	if payload != "" {
		data += ":" + payload
	}
	if len(data) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return data, nil
}

// ParseConfirm splits callback data produced by ConfirmData.
func ParseConfirm(data string) (kind, payload string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 || parts[0] != confirmPrefix {
		return "", "", false
	}
	kind = parts[1]
	if len(parts) == 3 {
		payload = parts[2]
	}
	return kind, payload, true
}

// ConfirmMarkup builds a one-button inline keyboard carrying the
// confirmation action. Returns nil when the data would not fit, so the
// caller degrades to a plain message instead of failing the send.
func ConfirmMarkup(kind, payload, label string) *tele.ReplyMarkup {
	data, err := ConfirmData(kind, payload)
	if err != nil {
		return nil
	}
	if strings.TrimSpace(label) == "" {
		label = "✅ Confirm"
	}
	rm := &tele.ReplyMarkup{}
	// No Unique: telebot then sends Data as raw callback_data, which is what
	// ParseConfirm expects on the way back.
	rm.Inline(rm.Row(tele.Btn{Text: label, Data: data}))
	return rm
}
