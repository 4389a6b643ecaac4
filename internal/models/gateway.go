package models

import "time"

// Payment status vocabulary used by the gateway's fetch API.
const (
	GatewayStatusReady     = "READY"
	GatewayStatusPaid      = "PAID"
	GatewayStatusCancelled = "CANCELLED"
	GatewayStatusFailed    = "FAILED"
)

type GatewayAmount struct {
	Total int64 `json:"total"`
}

type GatewayMethod struct {
	Type string `json:"type"`
}

// GatewayPayment is the gateway's own record of a charge, fetched by id.
// Metadata carries the custom fields we attach at checkout time
// (merchant_ref, user_id, course_id).
type GatewayPayment struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   GatewayAmount     `json:"amount"`
	Method   GatewayMethod     `json:"method"`
	PaidAt   *time.Time        `json:"paidAt,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type CheckoutRequest struct {
	MerchantRef string `json:"merchant_ref"`
	Amount      int64  `json:"amount"`
	OrderName   string `json:"order_name"`
	BuyerEmail  string `json:"buyer_email,omitempty"`
	BuyerName   string `json:"buyer_name,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	CourseID    string `json:"course_id,omitempty"`
}

type CheckoutRedirect struct {
	GatewayPaymentID string `json:"gateway_payment_id"`
	Code             string `json:"code"`
	Message          string `json:"message,omitempty"`
}

// The gateway delivers webhooks in two incompatible shapes. Both are
// modelled explicitly and normalized once, at the boundary.

// envelopeNotification nests the event under a typed wrapper:
// {"type":"Transaction.Paid","data":{"paymentId":...,"transactionId":...}}
type EnvelopeNotification struct {
	Type string `json:"type"`
	Data struct {
		PaymentID     string `json:"paymentId"`
		TransactionID string `json:"transactionId"`
	} `json:"data"`
}

// flatNotification is the older flattened shape:
// {"payment_id":...,"tx_id":...,"status":"paid"}
type FlatNotification struct {
	PaymentID string `json:"payment_id"`
	TxID      string `json:"tx_id"`
	Status    string `json:"status"`
}

// PaidNotification is the single internal signal both shapes map to.
// OrderRef is the gateway's order-reference field, which correlates to
// our merchant_ref.
type PaidNotification struct {
	GatewayPaymentID string
	OrderRef         string
	Paid             bool
}
