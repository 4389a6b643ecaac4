package reconcile

import (
	"encoding/json"
	"strings"

	"ms-enrollment/internal/models"
)

// The gateway's "payment settled" event type in the enveloped schema.
const envelopePaidType = "Transaction.Paid"

// ParseNotification normalizes the two webhook body shapes observed
// from the gateway into the single internal signal. The enveloped
// schema is tried first; the flat schema is the legacy fallback.
func ParseNotification(body []byte) (*models.PaidNotification, error) {
	var envelope models.EnvelopeNotification
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Type != "" {
		return &models.PaidNotification{
			GatewayPaymentID: envelope.Data.PaymentID,
			OrderRef:         envelope.Data.TransactionID,
			Paid:             envelope.Type == envelopePaidType,
		}, nil
	}

	var flat models.FlatNotification
	if err := json.Unmarshal(body, &flat); err == nil && flat.PaymentID != "" {
		return &models.PaidNotification{
			GatewayPaymentID: flat.PaymentID,
			OrderRef:         flat.TxID,
			Paid:             strings.EqualFold(flat.Status, "paid"),
		}, nil
	}

	return nil, ErrUnknownNotification
}
